package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/autoflow/orchestrator-api/common/version"
	"github.com/autoflow/orchestrator-api/orchestrator/app/cmd"
)

func main() {
	local := make([]*cli.Command, 0, 3)
	local = append(local, cmd.DaemonCmd)
	local = append(local, cmd.VersionCmd)
	local = append(local, cmd.WalletCmd)

	app := cli.App{
		Name:     "orchestrator",
		Usage:    "compute task orchestration daemon",
		Commands: local,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"v"},
				Usage:   "Show application version",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.Bool("version") {
				fmt.Println(version.CurrentVersion())
			}
			return nil
		},
	}
	app.Setup()

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(1)
	}
}
