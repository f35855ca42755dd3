package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/autoflow/orchestrator-api/common/version"
)

var VersionCmd = &cli.Command{
	Name:    "version",
	Usage:   "print orchestrator version",
	Aliases: []string{"V"},
	Action: func(_ *cli.Context) error {
		fmt.Println(version.CurrentVersion())
		return nil
	},
}
