/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/userdir/apiserver/internal/mq"
	"github.com/userdir/apiserver/types"
)

// eventsCmd groups commands that consume user change events.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Work with published user change events",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print user change events as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is not set")
		}
		defer func() { _ = broker.Close() }()

		encoder := json.NewEncoder(cmd.OutOrStdout())
		err = mq.SubscribeEvents(ctx, broker, cfg.MQ.EventsChannel, func(ctx context.Context, event types.UserEvent) error {
			return encoder.Encode(event)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsWatchCmd)
}
