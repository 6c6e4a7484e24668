package main

import (
	"fmt"
	"os"

	"github.com/relaycore/core/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(cmd.ExitInternalError)
	}
}
