package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at release time; "dev" covers local/unreleased builds.
const version = "dev"

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the redopiped version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}
