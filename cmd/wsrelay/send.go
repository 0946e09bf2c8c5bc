package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/wsrelay/client"
)

func sendCmd() *cobra.Command {
	var (
		url   string
		wait  time.Duration
		count int
	)

	cmd := &cobra.Command{
		Use:   "send <sicaklik>",
		Short: "Publish a telemetry reading and print what the relay sends back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value float64
			if _, err := fmt.Sscan(args[0], &value); err != nil {
				return fmt.Errorf("invalid reading %q: %w", args[0], err)
			}

			return runSend(cmd.Context(), cmd.OutOrStdout(), url, value, count, wait)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&url, "url", "ws://localhost:8080/ws", "Relay endpoint")
	flags.DurationVar(&wait, "wait", 2*time.Second, "How long to wait for replies")
	flags.IntVar(&count, "count", 1, "Stop after this many replies")

	return cmd
}

// runSend connects, sends one reading and prints up to count replies
// received within wait.
func runSend(ctx context.Context, out io.Writer, url string, value float64, count int, wait time.Duration) error {
	replies := make(chan client.MessageEvent, 16)

	c := client.New(client.DefaultConfig(url))
	c.OnMessage(func(ev client.MessageEvent) {
		select {
		case replies <- ev:
		default:
		}
	})
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.SendTelemetry(value); err != nil {
		return fmt.Errorf("send reading: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for received := 0; received < count; {
		select {
		case ev := <-replies:
			fmt.Fprintln(out, string(ev.Data))
			received++
		case <-timer.C:
			if received == 0 {
				return fmt.Errorf("no reply within %s", wait)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
