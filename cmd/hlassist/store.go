package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and edit persisted overlay settings",
	Long: `Operate on the configured durable storage backend (file, redis or memory).

Examples:
  hlassist store list
  hlassist store get highlightAssist_settings
  hlassist store set highlightAssist_settings '{"autoLockMode":true}'
  hlassist store remove highlightAssist_settings`,
}

var storeGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreGet,
}

var storeSetCmd = &cobra.Command{
	Use:   "set <key> <json>",
	Short: "Store a JSON value",
	Args:  cobra.ExactArgs(2),
	RunE:  runStoreSet,
}

var storeRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Delete a stored value",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreRemove,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	RunE:  runStoreList,
}

func init() {
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storeSetCmd)
	storeCmd.AddCommand(storeRemoveCmd)
	storeCmd.AddCommand(storeListCmd)
	rootCmd.AddCommand(storeCmd)
}

func runStoreGet(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := openStore(cmd.Context(), cfg, dir)
	if err != nil {
		return err
	}
	defer backend.Close()

	value, ok, err := backend.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key not found: %s", args[0])
	}
	fmt.Println(string(value))
	return nil
}

func runStoreSet(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(args[1])) {
		return fmt.Errorf("value is not valid JSON: %s", args[1])
	}
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := openStore(cmd.Context(), cfg, dir)
	if err != nil {
		return err
	}
	defer backend.Close()

	return backend.Set(cmd.Context(), args[0], json.RawMessage(args[1]))
}

func runStoreRemove(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := openStore(cmd.Context(), cfg, dir)
	if err != nil {
		return err
	}
	defer backend.Close()

	return backend.Remove(cmd.Context(), args[0])
}

func runStoreList(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := openStore(cmd.Context(), cfg, dir)
	if err != nil {
		return err
	}
	defer backend.Close()

	all, err := backend.GetAll(cmd.Context())
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No stored values")
		return nil
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, len(all[k]))
	}
	return w.Flush()
}
