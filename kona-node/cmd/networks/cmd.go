package networks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/succinctlabs/kona/kona-node/chaincfg"
	"github.com/succinctlabs/kona/kona-node/flags"
)

// Subcommands 导出网络目录中的 rollup 配置
var Subcommands = []*cli.Command{
	{
		Name:  "list",
		Usage: "Lists the networks with a rollup config",
		Flags: []cli.Flag{flags.NetworksDir},
		Action: func(ctx *cli.Context) error {
			names, err := chaincfg.AvailableNetworks(ctx.String(flags.NetworksDir.Name))
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(ctx.App.Writer, name)
			}
			return nil
		},
	},
	{
		Name:  "dump-rollup-config",
		Usage: "Dumps network configs",
		Flags: []cli.Flag{flags.Network, flags.NetworksDir},
		Action: func(ctx *cli.Context) error {
			network := ctx.String(flags.Network.Name)
			if network == "" {
				return errors.New("must specify a network name")
			}

			rCfg, err := chaincfg.GetRollupConfig(ctx.String(flags.NetworksDir.Name), network)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(rCfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, string(out))
			return nil
		},
	},
}
