package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/engine"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Read and write trees within a volume",
}

// openVolumeAndTree is the common setup for every tree subcommand: open
// the engine, open the named volume from its spec string, and open (or
// create) the named tree within it.
func openVolumeAndTree(cmd *cobra.Command, volumeSpec, treeName string) (*engine.Engine, error) {
	spec, err := config.ParseVolumeSpec(volumeSpec)
	if err != nil {
		return nil, err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return nil, err
	}
	if err := e.OpenVolume(spec); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	if _, err := e.OpenTree(context.Background(), spec.Name, treeName); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open tree: %w", err)
	}
	return e, nil
}

func volumeNameOf(spec string) (string, error) {
	s, err := config.ParseVolumeSpec(spec)
	if err != nil {
		return "", err
	}
	return s.Name, nil
}

var treeGetCmd = &cobra.Command{
	Use:   "get SPEC TREE KEY",
	Short: "Read one key from a tree",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeSpec, treeName, key := args[0], args[1], args[2]
		e, err := openVolumeAndTree(cmd, volumeSpec, treeName)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := context.Background()
		sess := engine.NewSession(e)
		var value []byte
		var found bool
		err = sess.Do(ctx, func(ctx context.Context, tx *engine.Transaction) error {
			volName, verr := volumeNameOf(volumeSpec)
			if verr != nil {
				return verr
			}
			value, found, err = tx.Get(ctx, volName, treeName, []byte(key))
			return err
		})
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("(not found)\n")
			return nil
		}
		fmt.Printf("%s\n", value)
		return nil
	},
}

var treePutCmd = &cobra.Command{
	Use:   "put SPEC TREE KEY VALUE",
	Short: "Write one key into a tree",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeSpec, treeName, key, value := args[0], args[1], args[2], args[3]
		e, err := openVolumeAndTree(cmd, volumeSpec, treeName)
		if err != nil {
			return err
		}
		defer e.Close()

		volName, err := volumeNameOf(volumeSpec)
		if err != nil {
			return err
		}

		ctx := context.Background()
		sess := engine.NewSession(e)
		err = sess.Do(ctx, func(ctx context.Context, tx *engine.Transaction) error {
			return tx.Put(ctx, volName, treeName, []byte(key), []byte(value))
		})
		if err != nil {
			return fmt.Errorf("failed to put key: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var treeDeleteCmd = &cobra.Command{
	Use:   "delete SPEC TREE KEY",
	Short: "Delete one key from a tree",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeSpec, treeName, key := args[0], args[1], args[2]
		e, err := openVolumeAndTree(cmd, volumeSpec, treeName)
		if err != nil {
			return err
		}
		defer e.Close()

		volName, err := volumeNameOf(volumeSpec)
		if err != nil {
			return err
		}

		ctx := context.Background()
		sess := engine.NewSession(e)
		err = sess.Do(ctx, func(ctx context.Context, tx *engine.Transaction) error {
			return tx.Delete(ctx, volName, treeName, []byte(key))
		})
		if err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var treeScanCmd = &cobra.Command{
	Use:   "scan SPEC TREE",
	Short: "Print every visible key/value pair in a tree, ascending (descending with --reverse)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeSpec, treeName := args[0], args[1]
		reverse, _ := cmd.Flags().GetBool("reverse")

		e, err := openVolumeAndTree(cmd, volumeSpec, treeName)
		if err != nil {
			return err
		}
		defer e.Close()

		volName, err := volumeNameOf(volumeSpec)
		if err != nil {
			return err
		}
		tr, err := e.OpenTree(context.Background(), volName, treeName)
		if err != nil {
			return err
		}

		ctx := context.Background()
		reader := e.ReaderTimestamp()

		if reverse {
			cur, err := tr.NewReverseCursor(ctx, reader, nil)
			if err != nil {
				return err
			}
			for {
				k, v, ok, err := cur.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				fmt.Printf("%s=%s\n", k, v)
			}
			return nil
		}

		cur, err := tr.NewCursor(ctx, reader, nil)
		if err != nil {
			return err
		}
		for {
			k, v, ok, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fmt.Printf("%s=%s\n", k, v)
		}
		return nil
	},
}

func init() {
	treeCmd.AddCommand(treeGetCmd)
	treeCmd.AddCommand(treePutCmd)
	treeCmd.AddCommand(treeDeleteCmd)
	treeCmd.AddCommand(treeScanCmd)

	treeScanCmd.Flags().Bool("reverse", false, "Walk the tree in descending key order")
}
