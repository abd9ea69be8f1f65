package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/storage"
)

// NewFlowCommand builds the `qflow flow` command group.
func NewFlowCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flow definitions",
	}
	cmd.AddCommand(
		newFlowCreateCommand(opts, "create", "Register a flow definition"),
		newFlowCreateCommand(opts, "update", "Update a registered flow definition"),
		newFlowGetCommand(opts),
		newFlowListCommand(opts),
		newFlowDeleteCommand(opts),
		newFlowValidateCommand(opts),
	)
	return cmd
}

// readDefinition loads a flow document from a path, or stdin for "-".
func readDefinition(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "read flow definition", err)
	}
	return data, nil
}

// parseDefinition parses and structurally validates a document,
// reporting every collected error before failing on the first.
func parseDefinition(doc []byte, format string) (*flow.Flow, error) {
	f, errs := flow.Parse(doc, flow.Format(format))
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "error: %s\n", e.Error())
		}
		return nil, errs[0]
	}
	return f, nil
}

// newFlowCreateCommand serves both create and update: submission is an
// upsert, and the confirmation event tells which one happened.
func newFlowCreateCommand(opts *Options, use, short string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   use + " <file>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			// Parse locally first so malformed documents fail here
			// instead of in a runner's logs.
			f, err := parseDefinition(doc, format)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			sub, err := client.SubscribeEvents(events.TopicPrefix + ".flow.>")
			if err != nil {
				return fmt.Errorf("subscribe flow events: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			submit := &events.FlowSubmitCommand{
				RequestID:  uuid.New().String(),
				Definition: string(doc),
				Format:     format,
				Actor:      opts.actor(),
			}
			if err := client.PublishCommand(ctx, events.TopicCmdFlowSubmit, submit); err != nil {
				return err
			}

			payload, err := AwaitEvent(sub, opts.timeout(), func(_ string, p any) bool {
				switch ev := p.(type) {
				case *events.FlowCreatedPayload:
					return ev.FlowID == f.ID
				case *events.FlowUpdatedPayload:
					return ev.FlowID == f.ID
				}
				return false
			})
			if err != nil {
				return err
			}

			switch ev := payload.(type) {
			case *events.FlowCreatedPayload:
				fmt.Printf("flow %s registered (version %s, %d steps)\n", ev.FlowID, ev.Version, ev.StepCount)
			case *events.FlowUpdatedPayload:
				fmt.Printf("flow %s updated (version %s)\n", ev.FlowID, ev.Version)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Definition format: json or yaml (default: detect)")
	return cmd
}

func newFlowGetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <flow-id>",
		Short: "Show a stored flow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			f, err := client.Store.GetFlow(ctx, args[0])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return qerr.Newf(qerr.KindFlowNotFound, "flow %s not found", args[0])
				}
				return err
			}
			return printJSON(f)
		},
	}
}

func newFlowListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			flows, err := client.Store.ListFlows(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(flows)
			}
			if len(flows) == 0 {
				fmt.Println("no flows stored")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTEPS\tOWNER")
			for _, f := range flows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", f.ID, f.Name, f.Version, len(f.Steps), f.Owner)
			}
			return w.Flush()
		},
	}
}

func newFlowDeleteCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a flow from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID := args[0]
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			if _, err := client.Store.GetFlow(ctx, flowID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return qerr.Newf(qerr.KindFlowNotFound, "flow %s not found", flowID)
				}
				return err
			}

			sub, err := client.SubscribeEvents(events.TopicFlowDeleted)
			if err != nil {
				return fmt.Errorf("subscribe flow events: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			del := &events.FlowDeleteCommand{
				RequestID: uuid.New().String(),
				FlowID:    flowID,
				Actor:     opts.actor(),
			}
			if err := client.PublishCommand(ctx, events.TopicCmdFlowDelete, del); err != nil {
				return err
			}

			if _, err := AwaitEvent(sub, opts.timeout(), func(_ string, p any) bool {
				ev, ok := p.(*events.FlowDeletedPayload)
				return ok && ev.FlowID == flowID
			}); err != nil {
				return err
			}
			fmt.Printf("flow %s deleted\n", flowID)
			return nil
		},
	}
}

func newFlowValidateCommand(opts *Options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow definition locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			f, err := parseDefinition(doc, format)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(f)
			}
			g := flow.BuildGraph(f)
			fmt.Printf("flow %s is valid (%d steps, %d entry points)\n", f.ID, len(f.Steps), len(g.Entries()))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Definition format: json or yaml (default: detect)")
	return cmd
}
