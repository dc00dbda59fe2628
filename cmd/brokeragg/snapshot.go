package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/brokeragg/aggregator"
)

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	var (
		scope  string
		owner  string
		orders bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch one account snapshot and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			creds, ok := cfg.Account(scope)
			if !ok {
				return fmt.Errorf("no account with scope %q in sync.accounts", scope)
			}
			if owner == "" {
				owner = cfg.Sync.Owner
			}

			ctx := cmd.Context()
			svc, err := newService(ctx, cfg, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = svc.close(context.WithoutCancel(ctx)) }()

			snap, err := svc.agg.GetAccountData(ctx, aggregator.Request{
				Owner:         owner,
				Credentials:   creds,
				IncludeOrders: orders,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "account scope from sync.accounts")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (default: sync.owner)")
	cmd.Flags().BoolVar(&orders, "orders", false, "include open orders")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
