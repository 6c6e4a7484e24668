package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/relaycore/core/config"
)

const (
	ServiceName      = "relaycore"
	ServiceNamespace = "relaycore"
)

// Process exit codes.
const (
	ExitConfigError     = 64
	ExitListenerFailure = 69
	ExitInternalError   = 70
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run parses os.Args and dispatches to the server or status subcommand.
func Run() error {
	app := &cli.App{
		Name:        ServiceName,
		Usage:       "Managed relay and event distribution core",
		Version:     version,
		Description: fmt.Sprintf("build %s (%s) %s %s", commit, branch, commitDate, buildTimestamp),
		Commands: []*cli.Command{
			serverCmd(),
			statusCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet("relaycore", pflag.ContinueOnError)
			flags.String("config_file", c.String("config_file"), "path to the configuration file")

			cfg, v, err := config.Load(flags)
			if err != nil {
				return cli.Exit(err.Error(), ExitConfigError)
			}
			app := NewApp(cfg, v)

			if err := app.Start(c.Context); err != nil {
				return cli.Exit(err.Error(), ExitListenerFailure)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			if err := app.Stop(context.Background()); err != nil {
				return cli.Exit(err.Error(), ExitInternalError)
			}
			return nil
		},
	}
}
