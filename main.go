package main

import (
	"fmt"
	"os"

	"github.com/perfgo/smokerun/cli"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/suite"
)

// Version information, set by goreleaser via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	c := cli.New()
	c.SetVersion(version, commit, date)
	err := c.Run(os.Args)
	if err != nil {
		if fe, ok := failure.As(err); ok {
			fmt.Fprintln(os.Stderr, fe.Report())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(suite.ExitCode(err))
	}
}
