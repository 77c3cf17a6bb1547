package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/geotrack/internal/config"
	"github.com/ent0n29/geotrack/internal/spool"
)

func newSpoolCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect or purge the on-disk sample spool",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "spool file (defaults to SPOOL_PATH)")

	openStore := func() (spool.Store, error) {
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, fmt.Errorf("config error: %w", err)
			}
			path = cfg.SpoolPath
		}
		if path == "" {
			return nil, fmt.Errorf("spool is in-memory; nothing to inspect")
		}
		return spool.NewBoltStore(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending sample count, last sequence and the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			pending, err := store.Len(ctx)
			if err != nil {
				return err
			}
			lastSeq, err := store.LastSeq(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{
				"path":     path,
				"pending":  pending,
				"last_seq": lastSeq,
			}
			if snap, ok, err := store.LoadSnapshot(ctx); err != nil {
				return err
			} else if ok {
				out["session"] = snap
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	})

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop every spooled sample that was never delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d samples from %s\n", n, path)
			return nil
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	cmd.AddCommand(purge)
	return cmd
}
