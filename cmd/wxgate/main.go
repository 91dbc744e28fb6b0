package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wxgatehq/wxgate/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:   "wxgate",
		Short: "Channel gateway binding a local WeChat automation service to a bot pipeline",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
