package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/cli"
	"github.com/josealfredo79/20250829StellarSummerFriday/internal/version"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "dist/man", "output directory for generated man pages")
	flag.Parse()

	err := cli.GenerateManPages(outDir, cli.BuildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crudrecords-man: %v\n", err)
		os.Exit(1)
	}
}
