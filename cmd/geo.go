package main

import "github.com/spf13/cobra"

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Coordinate maintenance",
	Long:  "Geocode stored service addresses and reconcile them with the coordinates already on file.",
}

func init() { rootCmd.AddCommand(geoCmd) }
