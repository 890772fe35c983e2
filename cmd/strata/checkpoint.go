package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force an immediate checkpoint of the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Checkpoint(context.Background()); err != nil {
			return fmt.Errorf("checkpoint failed: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}
