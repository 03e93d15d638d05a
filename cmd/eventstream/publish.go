package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/eventstream/internal/bus"
	"github.com/rickgao/eventstream/internal/config"
	"github.com/rickgao/eventstream/internal/connection"
	"github.com/rickgao/eventstream/internal/router"
)

var (
	publishTarget   string
	publishAction   string
	publishData     string
	publishCount    int
	publishInterval time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish test events to the broadcast bus",
	Long: `Publish one or more events addressed to a client.

Every serving process receives the event; only the one holding the client
delivers it.

Examples:
  eventstream publish --target alice
  eventstream publish --target alice --action order.filled --data '{"id":42}'
  eventstream publish --target alice --count 10 --interval 500ms`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishTarget, "target", "t", "", "target client name (required)")
	publishCmd.Flags().StringVarP(&publishAction, "action", "a", "notify", "event action")
	publishCmd.Flags().StringVarP(&publishData, "data", "d", "{}", "event data as JSON")
	publishCmd.Flags().IntVarP(&publishCount, "count", "n", 1, "number of events to publish")
	publishCmd.Flags().DurationVar(&publishInterval, "interval", 0, "delay between events")
	publishCmd.MarkFlagRequired("target")
}

func runPublish(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(publishData)) {
		return errors.New("--data is not valid JSON")
	}
	if publishCount < 1 {
		return errors.New("--count must be at least 1")
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	b, err := bus.Open(busConfig(cfg), logger.With("component", "bus"))
	if err != nil {
		return err
	}
	defer b.Close()

	rt := router.NewRouter(routerConfig(cfg), b, nil, logger)
	ctx := cmd.Context()

	for i := 0; i < publishCount; i++ {
		if i > 0 && publishInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishInterval):
			}
		}

		ev, err := rt.Publish(ctx, connection.Event{
			TargetIdentity: publishTarget,
			Action:         publishAction,
			Data:           json.RawMessage(publishData),
		})
		if err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s %s -> %s\n", ev.EventID, ev.Action, ev.TargetIdentity)
	}
	return nil
}
