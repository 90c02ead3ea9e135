package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/setavenger/blindbit-statedb/internal/backend"
	"github.com/setavenger/blindbit-statedb/internal/config"
	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
)

// withStore opens the configured store without a read cache and closes it
// after fn returns.
func withStore(fn func(store database.Store) error) (err error) {
	fmt.Printf("Opening %s database at: %s\n", backendName, config.DBPath)
	store, err := backend.Open(backendName, config.DBPath, 0)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()
	return fn(store)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the persisted pruning mode and journal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store database.Store) error {
			info, err := statedb.ReadJournalInfo(store)
			if err != nil {
				return err
			}

			mode := info.Mode
			if mode == "" {
				mode = "<not set>"
			}
			fmt.Printf("Pruning mode:          %s\n", mode)
			if info.LastCanonical != nil {
				fmt.Printf("Last canonical:        %d %s\n", info.LastCanonicalNumber, info.LastCanonical)
			} else {
				fmt.Println("Last canonical:        <none>")
			}
			if info.LastPruned != nil {
				fmt.Printf("Last pruned:           %d\n", *info.LastPruned)
			} else {
				fmt.Println("Last pruned:           <none>")
			}

			total := 0
			for _, n := range info.NonCanonicalEntries {
				total += n
			}
			fmt.Printf("Non-canonical journal: %d entries over %d levels %v\n",
				total, len(info.NonCanonicalEntries), info.NonCanonicalEntries)
			fmt.Printf("Pruning journal:       %d entries\n", info.PruningEntries)
			return nil
		})
	},
}

var listKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "Count the keys of the node and meta columns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store database.Store) error {
			nodes, meta, ok, err := backend.CountKeys(store)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("backend %s can not count keys", backendName)
			}
			fmt.Printf("Node keys: %d\n", nodes)
			fmt.Printf("Meta keys: %d\n", meta)
			return nil
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Restore the engine from the journals and print its state",
	Long: `Replay opens the engine on the data directory the same way the daemon
does on startup and prints the restored state. The persisted pruning mode is
used together with the configured constraints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store database.Store) error {
			info, err := statedb.ReadJournalInfo(store)
			if err != nil {
				return err
			}
			modeName := info.Mode
			if modeName == "" {
				modeName = config.PruningMode
			}
			mode, err := statedb.ParsePruningMode(modeName, config.PruningMaxBlocks, config.PruningMaxMem)
			if err != nil {
				return err
			}

			state, err := statedb.New(mode, store)
			if err != nil {
				return fmt.Errorf("error restoring state: %w", err)
			}
			out, err := json.MarshalIndent(state.Stats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}
