package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/cli"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/version"
)

func main() {
	memguard.CatchInterrupt()

	cmd := cli.NewRootCommand(os.Stdout, cli.BuildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	})
	err := cmd.Execute()
	if err == nil {
		memguard.Purge()
		return
	}

	fmt.Fprintf(os.Stderr, "crudrecords: %v\n", err)
	code := 1
	var withExitCode interface{ ExitCode() int }
	if errors.As(err, &withExitCode) {
		code = withExitCode.ExitCode()
	}
	memguard.SafeExit(code)
}
