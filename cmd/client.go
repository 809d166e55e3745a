package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/config"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/realtime"
)

// stepInterval is how often commands drive the client.
const stepInterval = 10 * time.Millisecond

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", "", "Realtime endpoint, e.g. https://xyz.supabase.co/realtime/v1 (env SBREALTIME_ENDPOINT)")
	cmd.Flags().String("api-key", "", "Project API key (env SBREALTIME_API_KEY)")
	cmd.Flags().String("token", "", "User access token (env SBREALTIME_ACCESS_TOKEN)")
	cmd.Flags().String("topic", "", "Channel name")
	_ = cmd.MarkFlagRequired("topic")
}

// newClient builds a connected client from the environment and flags.
func newClient(cmd *cobra.Command) (*realtime.Client, error) {
	var cfg realtime.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		cfg.APIKey = key
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.AccessToken = token
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("an endpoint is required: set --endpoint or SBREALTIME_ENDPOINT")
	}

	var opts []realtime.Option
	if telemetry != nil {
		opts = append(opts, realtime.WithMetrics(telemetry.Metrics()))
	}
	client := realtime.NewClient(cfg, opts...)
	if err := client.Connect(cmd.Context()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	log.Info("connected", "endpoint", cfg.Endpoint)
	return client, nil
}

// runUntilDone drives the client until the command context ends, then
// leaves every channel.
func runUntilDone(ctx context.Context, client *realtime.Client) error {
	err := client.Run(ctx, stepInterval)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := client.Disconnect(dctx); derr != nil {
		log.Warn("disconnect", "error", derr)
	}
	return err
}

// eventPrinter writes one JSON object per line.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(kind string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]any{"type": kind}
	for k, v := range fields {
		out[k] = v
	}
	if err := p.enc.Encode(out); err != nil {
		log.Warn("write event", "error", err)
	}
}

var stdoutPrinter = newEventPrinter(os.Stdout)

// parsePayload decodes a JSON object flag. An empty string is an empty
// object.
func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
