package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/zrepl/xprt/cli"
	"github.com/zrepl/xprt/version"
)

var versionArgs struct {
	json bool
}

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version of xprt binary",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.BoolVar(&versionArgs.json, "json", false, "print version information as JSON")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		info := version.NewXprtVersionInformation()
		if versionArgs.json {
			return json.NewEncoder(os.Stdout).Encode(info)
		}
		fmt.Println(info.String())
		return nil
	},
}
