package commands

import (
	"github.com/spf13/cobra"

	"github.com/ledgertail/ledgertail/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for ledgertail
var RootCmd = &cobra.Command{
	Use:              "ledgertail",
	Short:            "ledger projection daemon",
	TraverseChildren: true,
}
