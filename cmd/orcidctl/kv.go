package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	kvCmd.AddCommand(kvListCmd, kvGetCmd, kvSetCmd)
	rootCmd.AddCommand(kvCmd)
}

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Inspect and repair the pipeline checkpoints",
}

var kvListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every key in the storage table",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		rows, err := s.ListKV(cmd.Context())
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("%s\t%s\n", row.Key, row.Value)
		}
		return nil
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one checkpoint value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		value, found, err := s.GetKV(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no such key: %s", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Overwrite a checkpoint",
	Long: `Overwrites a storage row. Checkpoint values must be RFC3339
timestamps; anything else is stored as-is with a warning so oddball
operator keys still work.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
			cmd.PrintErrf("warning: %q is not an RFC3339 timestamp\n", value)
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		return s.PutKV(cmd.Context(), key, value)
	},
}
