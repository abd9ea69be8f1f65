package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
)

// nodeStaleAfter is the heartbeat age past which a directory entry
// counts as dead for health reporting.
const nodeStaleAfter = 45 * time.Second

// NewSystemCommand builds the `qflow system` command group.
func NewSystemCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Inspect cluster state",
	}
	cmd.AddCommand(
		newSystemInfoCommand(opts),
		newSystemHealthCommand(opts),
		newSystemMetricsCommand(opts),
	)
	return cmd
}

func newSystemInfoCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show cluster configuration and node directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("nats:       %s\n", opts.ResolveNATSURL(cfg))
			fmt.Printf("data dir:   %s\n", opts.ResolveDataDir())
			fmt.Printf("streams:    %s, %s\n", events.EventStream, events.CommandStream)
			fmt.Printf("isolation:  %s (default)\n", cfg.Sandbox.DefaultIsolation)

			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				fmt.Println("cluster:    unreachable")
				return nil
			}
			defer client.Close(ctx)

			nodes, err := listNodes(cmd, client)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("nodes:      none registered")
				return nil
			}
			fmt.Printf("nodes:      %d registered\n", len(nodes))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tLOAD\tCAPABILITIES\tHEARTBEAT")
			now := time.Now()
			for _, node := range nodes {
				age := now.Sub(node.LastHeartbeat).Round(time.Second)
				fmt.Fprintf(w, "%s\t%.2f\t%v\t%s ago\n", node.ID, node.Load, node.Capabilities, age)
			}
			return w.Flush()
		},
	}
}

// listNodes reads every entry of the node directory bucket.
func listNodes(cmd *cobra.Command, client *Client) ([]membership.Node, error) {
	ctx := cmd.Context()
	nodesKV, err := membership.OpenNodesBucket(ctx, client.JS)
	if err != nil {
		return nil, fmt.Errorf("open node directory: %w", err)
	}
	keys, err := nodesKV.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]membership.Node, 0, len(keys))
	for _, key := range keys {
		entry, gerr := nodesKV.Get(ctx, key)
		if gerr != nil {
			continue
		}
		var node membership.Node
		if uerr := json.Unmarshal(entry.Value(), &node); uerr != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func newSystemHealthCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check streams and live nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			healthy := true
			for _, name := range []string{events.EventStream, events.CommandStream} {
				stream, serr := client.JS.Stream(ctx, name)
				if serr != nil {
					fmt.Printf("stream %s:  missing (%v)\n", name, serr)
					healthy = false
					continue
				}
				info, ierr := stream.Info(ctx)
				if ierr != nil {
					fmt.Printf("stream %s:  unavailable (%v)\n", name, ierr)
					healthy = false
					continue
				}
				fmt.Printf("stream %s:  ok (%d messages)\n", name, info.State.Msgs)
			}

			nodes, err := listNodes(cmd, client)
			if err != nil {
				return err
			}
			live := 0
			now := time.Now()
			for _, node := range nodes {
				if !membership.Stale(node, nodeStaleAfter, now) {
					live++
				}
			}
			fmt.Printf("nodes:             %d live of %d registered\n", live, len(nodes))
			if live == 0 {
				healthy = false
			}

			if !healthy {
				return qerr.New(qerr.KindResourceUnavailable, "cluster is not healthy")
			}
			fmt.Println("cluster:           healthy")
			return nil
		},
	}
}

func newSystemMetricsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the latest burn rate and system metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			stream, err := client.JS.Stream(ctx, events.EventStream)
			if err != nil {
				return fmt.Errorf("get event stream: %w", err)
			}

			burn, _ := lastPayload[*events.BurnRatePayload](ctx, stream, events.TopicBurnRate)
			metrics, _ := lastPayload[*events.SystemMetricsPayload](ctx, stream, events.TopicMetricsUpdated)
			if burn == nil && metrics == nil {
				fmt.Println("no metrics published yet")
				return nil
			}
			if opts.jsonOutput() {
				return printJSON(map[string]any{"burn_rate": burn, "system": metrics})
			}
			if burn != nil {
				fmt.Printf("burn rate:   %.3f\n", burn.Overall)
				for name, value := range burn.Resources {
					fmt.Printf("  %-10s %.3f\n", name, value)
				}
			}
			if metrics != nil {
				fmt.Printf("cpu:         %.1f%%\n", metrics.CPU*100)
				fmt.Printf("memory:      %.1f%%\n", metrics.Memory*100)
				fmt.Printf("error rate:  %.3f\n", metrics.ErrorRate)
				fmt.Printf("p99 latency: %.0fms\n", metrics.LatencyP99Ms)
				fmt.Printf("queue depth: %d\n", metrics.QueueDepth)
			}
			return nil
		},
	}
}

// lastPayload fetches the newest message on a subject and decodes its
// typed payload. Missing subjects return the zero value.
func lastPayload[T any](ctx context.Context, stream jetstream.Stream, subject string) (T, error) {
	var zero T
	raw, err := stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		return zero, err
	}
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(raw.Data, &baseMsg); err != nil {
		return zero, err
	}
	payload, ok := baseMsg.Payload().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected payload on %s", subject)
	}
	return payload, nil
}
