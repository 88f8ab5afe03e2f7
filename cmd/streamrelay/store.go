package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/streamrelay/internal/store"
)

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and seed the session store",
	}

	cmd.AddCommand(storeGetCmd())
	cmd.AddCommand(storePutCmd())
	cmd.AddCommand(storeListCmd())
	cmd.AddCommand(storeDeleteCmd())

	return cmd
}

func openStore() (store.Backend, error) {
	st, err := store.Open(cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Kind, err)
	}
	return st, nil
}

func storeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get SESSION",
		Short: "Print the durable token of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			token, err := st.GetLastToken(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no token stored for session %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func storePutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put SESSION TOKEN",
		Short: "Set the durable token of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.PutLastToken(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			logger.Info("token stored")
			return nil
		},
	}
}

func storeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION",
		Short: "Forget the durable token of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			return st.DeleteSession(cmd.Context(), args[0])
		},
	}
}

func storeListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTOKEN\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.SessionKey, e.Token, e.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	return cmd
}
