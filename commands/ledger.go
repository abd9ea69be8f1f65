package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/signing"
	"github.com/c360studio/qflow/storage"
)

// NewLedgerCommand builds the `qflow ledger` command group. Chains are
// read from the local data directory; when an execution was archived
// away, the commands fall back to the cluster's archive store.
func NewLedgerCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify execution ledgers",
	}
	cmd.AddCommand(
		newLedgerShowCommand(opts),
		newLedgerVerifyCommand(opts),
		newLedgerExportCommand(opts),
		newLedgerImportCommand(opts),
		newLedgerReplayCommand(opts),
	)
	return cmd
}

// loadChain reads an execution's records from the local data
// directory, falling back to the archived export in the object store.
// Keys from the archive, when used, merge into the returned map.
func loadChain(ctx context.Context, opts *Options, execID string) ([]*ledger.Record, map[string]ledger.KeyInfo, error) {
	dirStore, err := storage.NewDirStore(opts.ResolveDataDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open data directory: %w", err)
	}
	records, err := dirStore.ReadRecords(execID)
	if err == nil {
		return records, nil, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("read ledger records: %w", err)
	}

	// Not held locally; try the archived export.
	client, derr := opts.Dial(ctx)
	if derr != nil {
		return nil, nil, qerr.Newf(qerr.KindExecutionNotFound,
			"no local ledger for execution %s and the archive store is unreachable", execID)
	}
	defer client.Close(ctx)

	ref, rerr := client.Store.GetArchiveRef(ctx, execID)
	if rerr != nil {
		if errors.Is(rerr, storage.ErrNotFound) {
			return nil, nil, qerr.Newf(qerr.KindExecutionNotFound, "no ledger for execution %s", execID)
		}
		return nil, nil, rerr
	}
	blobs, berr := storage.NewObjectBlobStore(ctx, client.JS, storage.BucketBlobs)
	if berr != nil {
		return nil, nil, fmt.Errorf("open archive store: %w", berr)
	}
	data, gerr := blobs.Get(ctx, ref.Digest)
	if gerr != nil {
		return nil, nil, fmt.Errorf("fetch archive %s: %w", ref.Digest, gerr)
	}
	var exp ledger.Export
	if uerr := json.Unmarshal(data, &exp); uerr != nil {
		return nil, nil, qerr.Wrap(qerr.KindParse, "parse archive", uerr)
	}
	chain, ok := exp.Chains[execID]
	if !ok {
		return nil, nil, qerr.Newf(qerr.KindLedgerIntegrity,
			"archive %s does not contain execution %s", ref.Digest, execID)
	}
	return chain, exp.Keys, nil
}

// resolveKeys gathers verification keys: an explicit key file wins,
// then keys recovered from an archive, then the live node directory.
func resolveKeys(ctx context.Context, opts *Options, keysPath string, fromArchive map[string]ledger.KeyInfo, records []*ledger.Record) (map[string]ledger.KeyInfo, error) {
	if keysPath != "" {
		data, err := os.ReadFile(keysPath)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindParse, "read key file", err)
		}
		var keys map[string]ledger.KeyInfo
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, qerr.Wrap(qerr.KindParse, "parse key file", err)
		}
		return keys, nil
	}
	if len(fromArchive) > 0 {
		return fromArchive, nil
	}

	keys := make(map[string]ledger.KeyInfo)
	client, err := opts.Dial(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: node directory unreachable, signature checks will report missing keys: %v\n", err)
		return keys, nil
	}
	defer client.Close(ctx)

	nodesKV, err := membership.OpenNodesBucket(ctx, client.JS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open node directory: %v\n", err)
		return keys, nil
	}
	for _, rec := range records {
		if _, done := keys[rec.NodeID]; done {
			continue
		}
		entry, gerr := nodesKV.Get(ctx, rec.NodeID)
		if gerr != nil {
			continue
		}
		var node membership.Node
		if uerr := json.Unmarshal(entry.Value(), &node); uerr != nil || len(node.PublicKey) == 0 {
			continue
		}
		keys[rec.NodeID] = ledger.KeyInfo{Algorithm: node.Algorithm, PublicKey: node.PublicKey}
	}
	return keys, nil
}

// verifierLedger builds a throwaway ledger trusting the given keys.
func verifierLedger(keys map[string]ledger.KeyInfo) (*ledger.Ledger, error) {
	signer, err := signing.New(signing.AlgorithmEd25519)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	l := ledger.New(signer, ledger.WithNodeID(cliSource))
	for nodeID, info := range keys {
		if err := l.TrustKey(nodeID, info.Algorithm, info.PublicKey); err != nil {
			return nil, fmt.Errorf("trust key for %s: %w", nodeID, err)
		}
	}
	return l, nil
}

func printRecords(records []*ledger.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tSTEP\tNODE\tTIMESTAMP\tHASH")
	for i, rec := range records {
		hash := rec.RecordHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i, rec.Kind, rec.StepID, rec.NodeID,
			rec.Timestamp.Format(time.RFC3339), hash)
	}
	return w.Flush()
}

func newLedgerShowCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution's ledger chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, _, err := loadChain(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(records)
			}
			return printRecords(records)
		},
	}
}

func newLedgerVerifyCommand(opts *Options) *cobra.Command {
	var keysPath string

	cmd := &cobra.Command{
		Use:   "verify <execution-id>",
		Short: "Verify chain integrity, signatures, and causal order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			ctx := cmd.Context()

			records, archiveKeys, err := loadChain(ctx, opts, execID)
			if err != nil {
				return err
			}
			keys, err := resolveKeys(ctx, opts, keysPath, archiveKeys, records)
			if err != nil {
				return err
			}
			l, err := verifierLedger(keys)
			if err != nil {
				return err
			}

			report := l.ValidateRecords(execID, records)
			if opts.jsonOutput() {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("execution:   %s\n", report.ExecID)
				fmt.Printf("records:     %d\n", report.RecordCount)
				fmt.Printf("chain:       %s\n", passFail(report.ChainIntegrity))
				fmt.Printf("signatures:  %s\n", passFail(report.SignatureValidity))
				fmt.Printf("causality:   %s\n", passFail(report.CausalConsistency))
				for _, warning := range report.Warnings {
					fmt.Printf("warning:     %s\n", warning)
				}
				for _, msg := range report.Errors {
					fmt.Printf("error:       %s\n", msg)
				}
			}
			if !report.IsValid {
				return qerr.Newf(qerr.KindLedgerIntegrity, "ledger for execution %s failed verification", execID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&keysPath, "keys", "", "JSON file mapping node IDs to verification keys")
	return cmd
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

func newLedgerExportCommand(opts *Options) *cobra.Command {
	var (
		keysPath string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "export <execution-id>",
		Short: "Export an execution's chain as a portable archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			ctx := cmd.Context()

			records, archiveKeys, err := loadChain(ctx, opts, execID)
			if err != nil {
				return err
			}
			keys, err := resolveKeys(ctx, opts, keysPath, archiveKeys, records)
			if err != nil {
				return err
			}

			exp := &ledger.Export{
				Version:    ledger.ExportVersion,
				ExportedAt: time.Now().UTC(),
				NodeID:     cliSource,
				Chains:     map[string][]*ledger.Record{execID: records},
				Keys:       keys,
			}
			data, err := canonical.Marshal(exp)
			if err != nil {
				return fmt.Errorf("encode archive: %w", err)
			}

			path := output
			if path == "" {
				path = execID + ".qledger.json"
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}
			fmt.Printf("exported %d records to %s\n", len(records), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&keysPath, "keys", "", "JSON file mapping node IDs to verification keys")
	cmd.Flags().StringVar(&output, "output-file", "", "Archive path (default: <execution-id>.qledger.json)")
	return cmd
}

func newLedgerImportCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import an archive into the local data directory",
		Long: `Import verifies every chain in the archive with the archive's own
keys, refuses divergence from chains already held locally, and appends
only the records extending local state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return qerr.Wrap(qerr.KindParse, "read archive", err)
			}
			var exp ledger.Export
			if err := json.Unmarshal(data, &exp); err != nil {
				return qerr.Wrap(qerr.KindParse, "parse archive", err)
			}
			if exp.Version != ledger.ExportVersion {
				return qerr.Newf(qerr.KindParse, "unsupported archive version %d", exp.Version)
			}

			l, err := verifierLedger(exp.Keys)
			if err != nil {
				return err
			}
			dirStore, err := storage.NewDirStore(opts.ResolveDataDir())
			if err != nil {
				return fmt.Errorf("open data directory: %w", err)
			}

			ctx := cmd.Context()
			imported, appended := 0, 0
			for execID, records := range exp.Chains {
				report := l.ValidateRecords(execID, records)
				if !report.IsValid {
					return qerr.Newf(qerr.KindLedgerIntegrity,
						"archive chain %s invalid: %v", execID, report.Errors)
				}

				local, lerr := dirStore.ReadRecords(execID)
				if lerr != nil && !errors.Is(lerr, storage.ErrNotFound) {
					return fmt.Errorf("read local chain %s: %w", execID, lerr)
				}
				if len(local) > len(records) {
					return qerr.Newf(qerr.KindLedgerIntegrity,
						"archive chain %s shorter than local (%d < %d)", execID, len(records), len(local))
				}
				for i, rec := range local {
					if rec.RecordHash != records[i].RecordHash {
						return qerr.Newf(qerr.KindLedgerIntegrity,
							"archive chain %s diverges from local state at record %d", execID, i)
					}
				}
				for _, rec := range records[len(local):] {
					if err := dirStore.AppendRecord(ctx, rec); err != nil {
						return fmt.Errorf("append record for %s: %w", execID, err)
					}
					appended++
				}
				imported++
			}
			fmt.Printf("imported %d chains (%d new records)\n", imported, appended)
			return nil
		},
	}
}

func newLedgerReplayCommand(opts *Options) *cobra.Command {
	var keysPath string

	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Replay an execution's chain record by record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := args[0]
			ctx := cmd.Context()

			records, archiveKeys, err := loadChain(ctx, opts, execID)
			if err != nil {
				return err
			}
			keys, err := resolveKeys(ctx, opts, keysPath, archiveKeys, records)
			if err != nil {
				return err
			}
			l, err := verifierLedger(keys)
			if err != nil {
				return err
			}
			// Import verifies the chain before replay touches it.
			if err := l.Import(&ledger.Export{
				Version:    ledger.ExportVersion,
				ExportedAt: time.Now().UTC(),
				NodeID:     cliSource,
				Chains:     map[string][]*ledger.Record{execID: records},
				Keys:       keys,
			}); err != nil {
				return err
			}

			if err := l.StartReplay(execID); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tKIND\tSTEP\tACTOR\tTIMESTAMP")
			for i := 0; ; i++ {
				rec, rerr := l.NextReplayRecord(execID)
				if errors.Is(rerr, ledger.ErrReplayDone) {
					break
				}
				if rerr != nil {
					return rerr
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					i, rec.Kind, rec.StepID, rec.Actor, rec.Timestamp.Format(time.RFC3339Nano))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			summary, err := l.CompleteReplay(execID)
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d/%d records in %s\n",
				summary.RecordsReplayed, summary.RecordsTotal, summary.Duration.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&keysPath, "keys", "", "JSON file mapping node IDs to verification keys")
	return cmd
}
