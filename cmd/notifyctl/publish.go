package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/darkden-lab/notifier/internal/config"
	"github.com/darkden-lab/notifier/internal/events"
	"github.com/darkden-lab/notifier/internal/logging"
)

type publishOptions struct {
	kind    string
	userID  string
	message string
	timeout time.Duration
}

func newPublishCmd() *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a domain event to the broker",
		Example: `  notifyctl publish --kind task --user u-42 --message "New task assigned: Fix login"
  notifyctl publish --kind user --user u-42 --message "Welcome aboard"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", string(events.KindTask), "event kind (task or user)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "recipient user id")
	cmd.Flags().StringVar(&opts.message, "message", "", "notification text")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runPublish(cmd *cobra.Command, opts *publishOptions) error {
	kind := events.Kind(opts.kind)
	if kind != events.KindTask && kind != events.KindUser {
		return fmt.Errorf("unknown kind %q (expected task or user)", opts.kind)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Broker == config.BrokerMemory {
		return fmt.Errorf("the memory broker lives inside the server process; use POST /internal/events instead")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	dial, _, err := broker.NewDialer(cfg, log)
	if err != nil {
		return err
	}
	manager := broker.NewManager(dial, broker.ManagerConfig{
		RetryCount: cfg.RetryCount,
		RetryDelay: cfg.RetryDelay,
	}, log)
	if err := manager.Connect(ctx); err != nil {
		return err
	}
	defer manager.Close() //nolint:errcheck // best-effort cleanup

	id, err := broker.NewPublisher(manager, cfg.QueueNames(), log).Publish(ctx, kind, opts.userID, opts.message)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
