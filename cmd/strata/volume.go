package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create SPEC",
	Short: "Open (creating if needed) a volume from a volume specification string",
	Long: `Open a volume described by a volume specification string
(spec grammar: path[,name:N][,pageSize:N][,initialPages:N]
[,extensionPages:N][,maximumPages:N][,create|createOnly|readOnly]).

Examples:
  strata volume create ./data/primary.strata
  strata volume create ./data/primary.strata,name:primary,pageSize:8192,createOnly`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := config.ParseVolumeSpec(args[0])
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.OpenVolume(spec); err != nil {
			return fmt.Errorf("failed to open volume: %w", err)
		}

		fmt.Printf("Volume opened: %s\n", spec.Name)
		fmt.Printf("  Path: %s\n", spec.Path)
		fmt.Printf("  Page size: %d\n", spec.PageSize)
		fmt.Printf("  Initial pages: %d\n", spec.InitialPages)
		return nil
	},
}

var volumeStatCmd = &cobra.Command{
	Use:   "stat SPEC",
	Short: "Open a volume and print its page statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := config.ParseVolumeSpec(args[0])
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.OpenVolume(spec); err != nil {
			return fmt.Errorf("failed to open volume: %w", err)
		}

		stats, err := e.VolumeStats(spec.Name)
		if err != nil {
			return err
		}

		fmt.Printf("Volume: %s\n", spec.Name)
		fmt.Printf("  Page size:    %d\n", stats.PageSize)
		fmt.Printf("  Page count:   %d\n", stats.PageCount)
		fmt.Printf("  Garbage len:  %d\n", stats.GarbageLen)
		fmt.Printf("  Generation:   %d\n", stats.Generation)
		return nil
	},
}

func init() {
	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeStatCmd)
}
