package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the sreagent version",
	Annotations: map[string]string{"skipStore": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sreagent %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
