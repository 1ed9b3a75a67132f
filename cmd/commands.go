package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pocketbase/pocketbase"
	"github.com/spf13/cobra"

	"gate-system/config"
	"gate-system/internal/authority"
	"gate-system/security"
)

// registerCommands adds the pre-doors and maintenance commands next to
// PocketBase's own serve and migrate.
func registerCommands(app *pocketbase.PocketBase, cfg *config.Config, getAgent func() (*agent, error)) {
	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "prime [event ids...]",
		Short: "Pull tickets and guest passes of events into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			events := args
			if len(events) == 0 {
				events = cfg.EventIDs
			}
			if len(events) == 0 {
				return errors.New("no event ids given and GATE_EVENTS is empty")
			}

			a, err := getAgent()
			if err != nil {
				return err
			}
			for _, eventID := range events {
				n, err := a.cache.PrimeCache(cmd.Context(), eventID)
				if err != nil {
					return fmt.Errorf("prime %s: %w", eventID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries cached\n", eventID, n)
			}
			return nil
		},
	})

	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Push every queued offline scan to the authority now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getAgent()
			if err != nil {
				return err
			}
			if !a.connectivity.Check(cmd.Context()) {
				return errors.New("scan authority unreachable")
			}

			report, err := a.reconciler.PerformManualSync(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	})

	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "seed <snapshot.json>",
		Short: "Load events, tickets and reservations into the authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, client, err := newAuthority(cfg)
			if err != nil {
				return err
			}
			if client != nil {
				defer client.Close()
			}

			loader, ok := auth.(authority.Loader)
			if !ok {
				return errors.New("configured authority cannot be seeded")
			}
			return seedFromFile(cmd.Context(), loader, args[0])
		},
	})

	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "hash-pin <pin>",
		Short: "Print the OVERRIDE_PIN_HASH value for an owner PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := security.HashPIN(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
}
