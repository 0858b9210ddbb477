package main

import (
	"fmt"
	"os"

	_ "net/http/pprof"

	cmd "github.com/trellis-network/trellis/cmd/trellis/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewKeygenCmd(),
		cmd.NewRunCmd(),
		cmd.VersionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
