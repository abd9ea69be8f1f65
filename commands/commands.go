// Package commands implements the qflow CLI subcommands. Mutating
// operations travel the command stream so any runner in the cluster
// can act on them; reads go straight to the shared KV and object
// stores, and ledger commands work against the local data directory.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/qflow/config"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/storage"
)

// cliSource identifies the CLI as event actor and message source.
const cliSource = "qflow-cli"

// defaultDataDir mirrors the runner's ledger directory default so the
// ledger commands read the same records a local node writes.
const defaultDataDir = "/tmp/qflow-data"

// Options carries the global flags shared by every subcommand.
type Options struct {
	ConfigPath string
	NATSURL    string
	DataDir    string
	Output     string
	Timeout    time.Duration
	Actor      string
}

// LoadConfig loads the explicit config file when given, otherwise the
// layered user and project configuration.
func (o *Options) LoadConfig() (*config.Config, error) {
	if o.ConfigPath != "" {
		return config.LoadFromFile(o.ConfigPath)
	}
	return config.NewLoader(nil).Load()
}

// ResolveNATSURL resolves the server URL: flag, environment, config, default.
func (o *Options) ResolveNATSURL(cfg *config.Config) string {
	if o.NATSURL != "" {
		return o.NATSURL
	}
	if env := os.Getenv("QFLOW_NATS_URL"); env != "" {
		return env
	}
	if env := os.Getenv("NATS_URL"); env != "" {
		return env
	}
	if cfg != nil && cfg.NATS.URL != "" {
		return cfg.NATS.URL
	}
	return "nats://localhost:4222"
}

// ResolveDataDir resolves the local ledger directory.
func (o *Options) ResolveDataDir() string {
	if o.DataDir != "" {
		return o.DataDir
	}
	if env := os.Getenv("QFLOW_DATA_DIR"); env != "" {
		return env
	}
	return defaultDataDir
}

// timeout resolves the confirmation wait budget.
func (o *Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 15 * time.Second
}

// actor resolves the acting identity recorded on commands and events.
func (o *Options) actor() string {
	if o.Actor != "" {
		return o.Actor
	}
	if env := os.Getenv("QFLOW_ACTOR"); env != "" {
		return env
	}
	return cliSource
}

// jsonOutput reports whether --output json was requested.
func (o *Options) jsonOutput() bool {
	return strings.EqualFold(o.Output, "json")
}

// Client bundles the cluster connections one subcommand invocation
// needs. Close after use.
type Client struct {
	NC    *natsclient.Client
	JS    jetstream.JetStream
	Store *storage.Store
}

// Dial connects to the cluster and opens the shared entity store.
func (o *Options) Dial(ctx context.Context) (*Client, error) {
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	url := o.ResolveNATSURL(cfg)

	nc, err := natsclient.NewClient(url,
		natsclient.WithName(cliSource),
		natsclient.WithMaxReconnects(3),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := nc.Connect(ctx); err != nil {
		return nil, connectError(err, url)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(ctx)
		return nil, connectError(err, url)
	}

	js, err := nc.JetStream()
	if err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	store, err := storage.NewStore(ctx, js)
	if err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	return &Client{NC: nc, JS: js, Store: store}, nil
}

// Close releases the NATS connection.
func (c *Client) Close(ctx context.Context) {
	if c != nil && c.NC != nil {
		_ = c.NC.Close(ctx)
	}
}

// connectError turns a raw connection failure into an actionable
// message with the transient error kind so the exit code reflects it.
func connectError(err error, url string) error {
	return qerr.Wrap(qerr.KindNodeUnreachable,
		fmt.Sprintf("cannot reach NATS at %s (is a qflow node running, or set QFLOW_NATS_URL?)", url), err)
}

// PublishCommand wraps payload in a BaseMessage envelope and publishes
// it onto the command stream.
func (c *Client) PublishCommand(ctx context.Context, topic string, payload message.Payload) error {
	if err := payload.Validate(); err != nil {
		return qerr.Wrap(qerr.KindRequiredField, fmt.Sprintf("invalid command for %s", topic), err)
	}
	baseMsg := message.NewBaseMessage(payload.Schema(), payload, cliSource)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := c.NC.PublishToStream(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// SubscribeEvents opens a synchronous core subscription on a topic (or
// wildcard). Subscribe before publishing the command so the
// confirmation cannot slip past.
func (c *Client) SubscribeEvents(topic string) (*nats.Subscription, error) {
	conn := c.NC.GetConnection()
	if conn == nil {
		return nil, fmt.Errorf("no active NATS connection")
	}
	return conn.SubscribeSync(topic)
}

// AwaitEvent waits on sub for an event whose payload satisfies match,
// returning the matching payload. The deadline maps to a transient
// error so scripts can retry.
func AwaitEvent(sub *nats.Subscription, timeout time.Duration, match func(subject string, payload any) bool) (any, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, qerr.Newf(qerr.KindNodeUnreachable,
				"no confirmation within %s; the command is queued and a runner may still act on it", timeout)
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return nil, fmt.Errorf("await event: %w", err)
		}
		var baseMsg message.BaseMessage
		if err := json.Unmarshal(msg.Data, &baseMsg); err != nil {
			continue
		}
		if payload := baseMsg.Payload(); payload != nil && match(msg.Subject, payload) {
			return payload, nil
		}
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
