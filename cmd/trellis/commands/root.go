package commands

import (
	"github.com/spf13/cobra"

	"github.com/trellis-network/trellis/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for trellis
var RootCmd = &cobra.Command{
	Use:              "trellis",
	Short:            "trellis node",
	TraverseChildren: true,
}
