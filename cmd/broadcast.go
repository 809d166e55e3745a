// cmd/broadcast.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/protocol"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send one broadcast message to a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		event, _ := cmd.Flags().GetString("event")
		rawPayload, _ := cmd.Flags().GetString("payload")
		ack, _ := cmd.Flags().GetBool("ack")

		payload, err := parsePayload(rawPayload)
		if err != nil {
			return err
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		ch, err := client.AddChannel(client.Channel().
			Topic(topic).
			SetBroadcastConfig(protocol.BroadcastConfig{Ack: ack}))
		if err != nil {
			return err
		}
		if err := client.SubscribeBlocking(cmd.Context(), ch.ID()); err != nil {
			return fmt.Errorf("failed to join %s: %w", ch.Topic(), err)
		}
		if err := ch.Broadcast(event, payload); err != nil {
			return err
		}

		// Disconnect flushes the broadcast before leaving.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %q to %s\n", event, ch.Topic())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(broadcastCmd)
	addClientFlags(broadcastCmd)
	broadcastCmd.Flags().String("event", "", "Broadcast event name")
	broadcastCmd.Flags().String("payload", "{}", "JSON object payload")
	broadcastCmd.Flags().Bool("ack", false, "Ask the server to acknowledge the message")
	_ = broadcastCmd.MarkFlagRequired("event")
}
