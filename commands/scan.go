package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
)

// wasmMagic is the binary module preamble.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// NewScanCommand builds `qflow scan`: the pre-registration security
// scan for WASM modules and scripts, run locally.
func NewScanCommand(opts *Options) *cobra.Command {
	var (
		allowlist   []string
		maxBytes    int64
		minScore    int
		daoApproved bool
		asScript    bool
	)

	cmd := &cobra.Command{
		Use:   "scan <file>",
		Short: "Security-scan a WASM module or script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return qerr.Wrap(qerr.KindParse, "read module", err)
			}

			scanOpts := sandbox.ScanOptions{
				ImportAllowlist:    allowlist,
				MaxModuleBytes:     maxBytes,
				RequireDAOApproval: cmd.Flags().Changed("dao-approved"),
				DAOApproved:        daoApproved,
				MinScore:           minScore,
			}

			var report *sandbox.ScanReport
			if asScript || !isWASM(args[0], data) {
				report, err = sandbox.ScanScript(cmd.Context(), data, scanOpts)
			} else {
				report, err = sandbox.ScanModule(data, scanOpts)
			}
			if err != nil {
				return err
			}

			if opts.jsonOutput() {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, finding := range report.Findings {
					fmt.Printf("[%s] %s: %s (-%d)\n",
						finding.Severity, finding.Rule, finding.Detail, finding.Deduction)
				}
				fmt.Printf("score: %d/%d\n", report.Score, report.Threshold)
			}
			if !report.Approved() {
				return report.Err()
			}
			fmt.Println("approved")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&allowlist, "allow-import", nil, "Allowed import pattern module.field (repeatable)")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "Module size limit before the oversize deduction")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "Raise the approval threshold")
	cmd.Flags().BoolVar(&daoApproved, "dao-approved", false, "Mark the module as DAO-approved")
	cmd.Flags().BoolVar(&asScript, "script", false, "Scan as a script even if it looks like WASM")
	return cmd
}

// isWASM detects a binary module by magic bytes or extension.
func isWASM(path string, data []byte) bool {
	if bytes.HasPrefix(data, wasmMagic) {
		return true
	}
	return filepath.Ext(path) == ".wasm"
}
