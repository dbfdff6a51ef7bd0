package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskgrid version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("taskgrid version 0.1.0")
	},
}
