package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/storage"
)

// NewExecCommand builds the `qflow exec` command group.
func NewExecCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Manage flow executions",
	}
	cmd.AddCommand(
		newExecStartCommand(opts),
		newExecStatusCommand(opts),
		newExecListCommand(opts),
		newExecPauseCommand(opts),
		newExecResumeCommand(opts),
		newExecAbortCommand(opts),
	)
	return cmd
}

// parseKeyValues turns repeated k=v flags into a map. Values that
// parse as JSON keep their type; everything else stays a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, qerr.Newf(qerr.KindParse, "expected key=value, got %q", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err != nil {
			typed = value
		}
		out[key] = typed
	}
	return out, nil
}

func newExecStartCommand(opts *Options) *cobra.Command {
	var (
		inputs      []string
		inputFile   string
		vars        []string
		principal   string
		permissions []string
		daoSubnet   string
		isolation   string
		trigger     string
	)

	cmd := &cobra.Command{
		Use:   "start <flow-id>",
		Short: "Start an execution of a registered flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID := args[0]

			input, err := parseKeyValues(inputs)
			if err != nil {
				return err
			}
			if inputFile != "" {
				data, rerr := os.ReadFile(inputFile)
				if rerr != nil {
					return qerr.Wrap(qerr.KindParse, "read input file", rerr)
				}
				if input == nil {
					input = make(map[string]any)
				}
				var fromFile map[string]any
				if uerr := json.Unmarshal(data, &fromFile); uerr != nil {
					return qerr.Wrap(qerr.KindParse, "parse input file", uerr)
				}
				for k, v := range fromFile {
					if _, set := input[k]; !set {
						input[k] = v
					}
				}
			}
			variables, err := parseKeyValues(vars)
			if err != nil {
				return err
			}

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

			sub, err := client.SubscribeEvents(events.TopicExecStarted)
			if err != nil {
				return fmt.Errorf("subscribe exec events: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			requestID := uuid.New().String()
			start := &events.ExecStartCommand{
				RequestID:      requestID,
				FlowID:         flowID,
				Principal:      principalOr(principal, opts),
				TriggerType:    trigger,
				Input:          input,
				Variables:      variables,
				Permissions:    permissions,
				DAOSubnet:      daoSubnet,
				IsolationLevel: isolation,
			}
			if err := client.PublishCommand(ctx, events.TopicCmdExecStart, start); err != nil {
				return err
			}

			payload, err := AwaitEvent(sub, opts.timeout(), func(_ string, p any) bool {
				ev, ok := p.(*events.ExecStartedPayload)
				return ok && ev.RequestID == requestID
			})
			if err != nil {
				return err
			}
			started := payload.(*events.ExecStartedPayload)
			if opts.jsonOutput() {
				return printJSON(started)
			}
			fmt.Printf("execution %s started on node %s\n", started.ExecutionID, started.NodeID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Execution input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with execution input")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Execution variable as key=value (repeatable)")
	cmd.Flags().StringVar(&principal, "principal", "", "Acting principal (default: actor)")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, "Granted permission (repeatable)")
	cmd.Flags().StringVar(&daoSubnet, "dao-subnet", "", "DAO subnet the execution belongs to")
	cmd.Flags().StringVar(&isolation, "isolation", "", "Isolation level: strict, moderate, or permissive")
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "Trigger type recorded on the execution")
	return cmd
}

func principalOr(principal string, opts *Options) string {
	if principal != "" {
		return principal
	}
	return opts.actor()
}

func newExecStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the status of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			m, err := client.Store.GetManifest(ctx, args[0])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return qerr.Newf(qerr.KindExecutionNotFound, "execution %s not found", args[0])
				}
				return err
			}
			if opts.jsonOutput() {
				return printJSON(m)
			}
			printManifest(m)
			return nil
		},
	}
}

func printManifest(m *storage.Manifest) {
	fmt.Printf("execution:  %s\n", m.ExecutionID)
	fmt.Printf("flow:       %s", m.FlowID)
	if m.FlowVersion != "" {
		fmt.Printf(" (version %s)", m.FlowVersion)
	}
	fmt.Println()
	fmt.Printf("status:     %s\n", m.Status)
	if m.Principal != "" {
		fmt.Printf("principal:  %s\n", m.Principal)
	}
	if m.CurrentStep != "" {
		fmt.Printf("current:    %s\n", m.CurrentStep)
	}
	fmt.Printf("steps:      %d completed, %d failed\n", len(m.CompletedSteps), len(m.FailedSteps))
	fmt.Printf("started:    %s\n", m.StartTime.Format(time.RFC3339))
	if m.EndTime != nil {
		fmt.Printf("ended:      %s\n", m.EndTime.Format(time.RFC3339))
	}
	for step, node := range m.NodeAssignments {
		fmt.Printf("assignment: %s -> %s\n", step, node)
	}
}

func newExecListCommand(opts *Options) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := opts.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			manifests, err := client.Store.ListManifests(ctx)
			if err != nil {
				return err
			}
			if status != "" {
				filtered := manifests[:0]
				for _, m := range manifests {
					if m.Status == status {
						filtered = append(filtered, m)
					}
				}
				manifests = filtered
			}
			if opts.jsonOutput() {
				return printJSON(manifests)
			}
			if len(manifests) == 0 {
				fmt.Println("no executions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTION\tFLOW\tSTATUS\tSTARTED\tSTEPS")
			for _, m := range manifests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					m.ExecutionID, m.FlowID, m.Status,
					m.StartTime.Format(time.RFC3339), len(m.CompletedSteps))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, paused, completed, failed, aborted)")
	return cmd
}

// runLifecycle covers pause, resume, and abort: verify the execution
// exists, broadcast the command, await the matching lifecycle event.
func runLifecycle(opts *Options, cmd *cobra.Command, execID, cmdTopic, eventTopic string, payload message.Payload, verb string) error {
	ctx := cmd.Context()
	client, err := opts.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	if _, err := client.Store.GetManifest(ctx, execID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return qerr.Newf(qerr.KindExecutionNotFound, "execution %s not found", execID)
		}
		return err
	}

	sub, err := client.SubscribeEvents(eventTopic)
	if err != nil {
		return fmt.Errorf("subscribe exec events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := client.PublishCommand(ctx, cmdTopic, payload); err != nil {
		return err
	}

	if _, err := AwaitEvent(sub, opts.timeout(), func(_ string, p any) bool {
		switch ev := p.(type) {
		case *events.ExecPausedPayload:
			return ev.ExecutionID == execID
		case *events.ExecResumedPayload:
			return ev.ExecutionID == execID
		case *events.ExecAbortedPayload:
			return ev.ExecutionID == execID
		}
		return false
	}); err != nil {
		return err
	}
	fmt.Printf("execution %s %s\n", execID, verb)
	return nil
}

func newExecPauseCommand(opts *Options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			return runLifecycle(opts, cmd, execID, events.TopicCmdExecPause, events.TopicExecPaused,
				&events.ExecPauseCommand{
					RequestID:   uuid.New().String(),
					ExecutionID: execID,
					Reason:      reason,
					Actor:       opts.actor(),
				}, "paused")
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the pause")
	return cmd
}

func newExecResumeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			return runLifecycle(opts, cmd, execID, events.TopicCmdExecResume, events.TopicExecResumed,
				&events.ExecResumeCommand{
					RequestID:   uuid.New().String(),
					ExecutionID: execID,
					Actor:       opts.actor(),
				}, "resumed")
		},
	}
}

func newExecAbortCommand(opts *Options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abort <execution-id>",
		Short: "Abort an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			return runLifecycle(opts, cmd, execID, events.TopicCmdExecAbort, events.TopicExecAborted,
				&events.ExecAbortCommand{
					RequestID:   uuid.New().String(),
					ExecutionID: execID,
					Reason:      reason,
					Actor:       opts.actor(),
				}, "aborted")
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the abort")
	return cmd
}
