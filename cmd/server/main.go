// Package main is the entry point for the projection tile server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vecmap",
	Short: "Projection tile server",
	Long: `Serves quadtree tiles of 2D projections: selects the tiles covering a
view, renders them, and overlays the rows matched by live queries.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/server.yaml", "Path to configuration file")
	rootCmd.AddCommand(serveCmd, inspectCmd, generateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
