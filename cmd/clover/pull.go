package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newPullCommand(opts *rootOptions) *cobra.Command {
	var userID, providerName string

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Import a user's remote calendar events once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}
			if !provider.IsCalendar() {
				return fmt.Errorf("%s is not a calendar provider", provider)
			}

			cfg, logger, flush, err := opts.setup()
			if err != nil {
				return err
			}
			defer flush()

			ctx := appctx.SetUserID(cmd.Context(), userID)
			a := newApp(cfg, logger)
			a.addCore(false)
			if err := a.startup.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = a.startup.Stop(stopCtx)
			}()

			result, err := a.engine.Pull(ctx, userID, provider)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "id of the user whose calendar is pulled")
	cmd.Flags().StringVar(&providerName, "provider", "", "calendar provider: google_calendar or microsoft_calendar")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}
