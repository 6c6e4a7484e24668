package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// statusSnapshot mirrors the fields of internal/metrics.Snapshot the
// dashboard renders; kept local so cmd doesn't need to import the metrics
// package just to unmarshal its own JSON wire shape.
type statusSnapshot struct {
	Status            string  `json:"Status"`
	TotalConnections  int     `json:"TotalConnections"`
	TotalTenants      int     `json:"TotalTenants"`
	MessagesPerSecond float64 `json:"MessagesPerSecond"`
	BytesPerSecond    float64 `json:"BytesPerSecond"`
	BufferUtilization float64 `json:"BufferUtilization"`
	UptimeMs          int64   `json:"UptimeMs"`
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Render a live terminal dashboard over a running relay's metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "base URL of the relay's admin HTTP surface",
				Value: "http://localhost:8080",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "refresh interval",
				Value: 2 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			return runDashboard(c.String("addr"), c.Duration("interval"))
		},
	}
}

// runDashboard polls addr's /metrics endpoint every interval and renders a
// termui paragraph + gauge dashboard until the user presses 'q' or Ctrl-C.
func runDashboard(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("status: init terminal: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "relaycore status"
	header.SetRect(0, 0, 60, 9)

	bufferGauge := widgets.NewGauge()
	bufferGauge.Title = "buffer utilization"
	bufferGauge.SetRect(0, 9, 60, 12)

	client := &http.Client{Timeout: 3 * time.Second}

	render := func() {
		snap, err := fetchSnapshot(client, addr)
		if err != nil {
			header.Text = fmt.Sprintf("error: %v", err)
			ui.Render(header, bufferGauge)
			return
		}
		header.Text = fmt.Sprintf(
			"status:        %s\nconnections:   %d\ntenants:       %d\nmsgs/s:        %.1f\nbytes/s:       %.0f\nuptime:        %s",
			snap.Status, snap.TotalConnections, snap.TotalTenants, snap.MessagesPerSecond, snap.BytesPerSecond,
			time.Duration(snap.UptimeMs)*time.Millisecond,
		)
		pct := int(snap.BufferUtilization * 100)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		bufferGauge.Percent = pct
		ui.Render(header, bufferGauge)
	}

	render()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			render()
		}
	}
}

func fetchSnapshot(client *http.Client, addr string) (statusSnapshot, error) {
	resp, err := client.Get(addr + "/metrics")
	if err != nil {
		return statusSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusSnapshot{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var snap statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return statusSnapshot{}, err
	}
	return snap, nil
}
