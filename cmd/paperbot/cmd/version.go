package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the paperbot CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("paperbot version %s\n", version)
		fmt.Println("Multi-venue paper trading supervision engine")
		fmt.Println("https://github.com/rustyeddy/paperbot")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
