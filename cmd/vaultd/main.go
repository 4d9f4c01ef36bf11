package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "vaultd — knowledge vault ingestion and retrieval service",
	Long: `vaultd ingests uploaded reference files into searchable chunks and
answers semantic, keyword, and hybrid queries over them.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vaultd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	rootCmd.AddCommand(startCmd, statusCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
