// cmd/track.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/presence"
	"github.com/markb/sbrealtime/internal/protocol"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track presence on a channel and print presence syncs",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		key, _ := cmd.Flags().GetString("key")
		rawPayload, _ := cmd.Flags().GetString("payload")

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
			SetPresenceConfig(protocol.PresenceConfig{Key: key}).
			OnPresence(presence.EventSync, func(id string, _, after presence.State) {
				stdoutPrinter.print("presence", map[string]any{"event": "sync", "id": id, "entries": after[id]})
			}).
			OnPresence(presence.EventLeave, printPresence("leave")))
		if err != nil {
			return err
		}
		if err := client.SubscribeBlocking(cmd.Context(), ch.ID()); err != nil {
			return fmt.Errorf("failed to join %s: %w", ch.Topic(), err)
		}
		if err := ch.Track(payload); err != nil {
			return err
		}

		return runUntilDone(cmd.Context(), client)
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
	addClientFlags(trackCmd)
	trackCmd.Flags().String("key", "", "Presence key, e.g. a user id")
	trackCmd.Flags().String("payload", "{}", "JSON object presence payload")
	_ = trackCmd.MarkFlagRequired("key")
}
