// cmd/listen.go
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/journal"
	"github.com/markb/sbrealtime/internal/presence"
	"github.com/markb/sbrealtime/internal/protocol"
	"github.com/markb/sbrealtime/internal/realtime"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Join a channel and print its events",
	Long: `Joins a channel and prints broadcast, presence and postgres_changes events
as JSON lines until interrupted.

Postgres targets have the form schema.table[:filter], e.g.
  --postgres public.todos:user_id=eq.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		events, _ := cmd.Flags().GetStringSlice("broadcast-event")
		targets, _ := cmd.Flags().GetStringSlice("postgres")
		presenceKey, _ := cmd.Flags().GetString("presence-key")
		journalPath, _ := cmd.Flags().GetString("journal")
		retention, _ := cmd.Flags().GetDuration("journal-retention")

		filters := make([]realtime.PostgresChangeFilter, 0, len(targets))
		for _, target := range targets {
			f, err := parsePostgresTarget(target)
			if err != nil {
				return err
			}
			filters = append(filters, f)
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		if journalPath != "" {
			j, err := journal.Open(journalPath)
			if err != nil {
				return err
			}
			defer j.Close()
			if retention > 0 {
				j.StartCleanup(retention, time.Hour)
			}
			client.AddMiddleware(j.Middleware())
		}

		b := client.Channel().Topic(topic)
		for _, event := range events {
			b.OnBroadcast(event, func(payload map[string]any) {
				stdoutPrinter.print("broadcast", map[string]any{"event": event, "payload": payload})
			})
		}
		for _, f := range filters {
			b.OnPostgresChange(protocol.PostgresChangeAll, f, func(change protocol.PostgresChangesPayload) {
				stdoutPrinter.print("postgres_changes", map[string]any{
					"schema":     change.Data.Schema,
					"table":      change.Data.Table,
					"event":      change.Data.Type,
					"record":     change.Data.Record,
					"old_record": change.Data.OldRecord,
				})
			})
		}
		if presenceKey != "" {
			b.SetPresenceConfig(protocol.PresenceConfig{Key: presenceKey})
		}
		b.OnPresence(presence.EventJoin, printPresence("join"))
		b.OnPresence(presence.EventLeave, printPresence("leave"))

		ch, err := client.AddChannel(b)
		if err != nil {
			return err
		}
		if err := client.SubscribeBlocking(cmd.Context(), ch.ID()); err != nil {
			return fmt.Errorf("failed to join %s: %w", ch.Topic(), err)
		}
		stdoutPrinter.print("joined", map[string]any{"topic": ch.Topic()})

		return runUntilDone(cmd.Context(), client)
	},
}

func printPresence(kind string) presence.Callback {
	return func(id string, _, delta presence.State) {
		stdoutPrinter.print("presence", map[string]any{"event": kind, "id": id, "entries": delta[id]})
	}
}

// parsePostgresTarget parses "schema.table[:filter]". A bare name is a
// table in the public schema.
func parsePostgresTarget(s string) (realtime.PostgresChangeFilter, error) {
	target, filter, _ := strings.Cut(s, ":")
	schema, table, ok := strings.Cut(target, ".")
	if !ok {
		schema, table = "public", target
	}
	if schema == "" || table == "" {
		return realtime.PostgresChangeFilter{}, fmt.Errorf("invalid postgres target %q: want schema.table[:filter]", s)
	}
	if filter != "" && !strings.Contains(filter, "=") {
		return realtime.PostgresChangeFilter{}, fmt.Errorf("invalid filter %q: want column=op.value", filter)
	}
	return realtime.PostgresChangeFilter{Schema: schema, Table: table, Filter: filter}, nil
}

func init() {
	rootCmd.AddCommand(listenCmd)
	addClientFlags(listenCmd)
	listenCmd.Flags().StringSlice("broadcast-event", nil, "Broadcast event to print (repeatable)")
	listenCmd.Flags().StringSlice("postgres", nil, "Postgres change target schema.table[:filter] (repeatable)")
	listenCmd.Flags().String("presence-key", "", "Presence key for this connection")
	listenCmd.Flags().String("journal", "", "Record every received message in this SQLite file")
	listenCmd.Flags().Duration("journal-retention", 7*24*time.Hour, "Delete journal entries older than this (0 keeps everything)")
}
