package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-interpreter/wagon/wasm"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/c360studio/qflow/qerr"
)

// Scan rule identifiers.
const (
	RuleDisallowedImport = "disallowed_import"
	RuleDangerousImport  = "dangerous_import"
	RuleOversizeModule   = "oversize_module"
	RuleStartFunction    = "start_function"
	RuleMissingApproval  = "missing_dao_approval"
	RuleEvalCall         = "eval_call"
	RuleFunctionCtor     = "function_constructor"
	RuleChildProcess     = "child_process_access"
)

// Scanner defaults.
const (
	DefaultMinScanScore   = 70
	DefaultMaxModuleBytes = 10 << 20
)

// DefaultImportAllowlist admits only the platform host module plus the
// standard memory and abort hooks compilers emit.
var DefaultImportAllowlist = []string{"qflow.*", "env.memory", "env.abort"}

// Per-rule score deductions.
const (
	deductDisallowedImport = 25
	deductDangerousImport  = 15
	deductOversize         = 20
	deductStartFunction    = 10
	deductNoDAOApproval    = 30
	deductEval             = 30
	deductFunctionCtor     = 25
	deductChildProcess     = 35
)

// dangerousImportPatterns flag import field names that reach for the
// host even when an allowlist entry happens to admit them.
var dangerousImportPatterns = []string{
	"exec", "spawn", "fork", "system", "dlopen", "mprotect", "ptrace", "sock",
}

// ScanOptions tunes one scan. The zero value scans with the defaults.
type ScanOptions struct {
	// ImportAllowlist holds module.field doublestar patterns a WASM
	// module may import. Empty means DefaultImportAllowlist.
	ImportAllowlist []string
	// MaxModuleBytes is the size above which the oversize deduction
	// applies. Zero means DefaultMaxModuleBytes.
	MaxModuleBytes int64
	// RequireDAOApproval deducts when DAOApproved is false.
	RequireDAOApproval bool
	DAOApproved        bool
	// MinScore raises the approval threshold. Values at or below the
	// default are ignored, so a lax DAO policy cannot lower the floor.
	MinScore int
}

func (o ScanOptions) withDefaults() ScanOptions {
	if len(o.ImportAllowlist) == 0 {
		o.ImportAllowlist = DefaultImportAllowlist
	}
	if o.MaxModuleBytes <= 0 {
		o.MaxModuleBytes = DefaultMaxModuleBytes
	}
	return o
}

func (o ScanOptions) threshold() int {
	if o.MinScore > DefaultMinScanScore {
		return o.MinScore
	}
	return DefaultMinScanScore
}

// Finding is one rule hit discovered during a scan.
type Finding struct {
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Detail    string   `json:"detail"`
	Deduction int      `json:"deduction"`
}

// ScanReport is the outcome of scanning one module or script. The
// score starts at 100 and loses each finding's deduction.
type ScanReport struct {
	Score     int       `json:"score"`
	Threshold int       `json:"threshold"`
	Findings  []Finding `json:"findings,omitempty"`
}

// Approved reports whether the score clears the threshold.
func (r *ScanReport) Approved() bool { return r.Score >= r.Threshold }

// Err returns the rejection error for a failing report, nil otherwise.
func (r *ScanReport) Err() error {
	if r.Approved() {
		return nil
	}
	return qerr.Newf(qerr.KindSandboxViolation,
		"security scan score %d below threshold %d", r.Score, r.Threshold).
		WithDetail("findings", len(r.Findings))
}

// ScanModule scores a WASM module: import allowlist violations,
// dangerous import patterns, oversize modules, start functions, and
// missing DAO approval. Unreadable modules are an error, not a score.
func ScanModule(moduleBytes []byte, opts ScanOptions) (*ScanReport, error) {
	opts = opts.withDefaults()

	module, err := wasm.ReadModule(bytes.NewReader(moduleBytes), nil)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "read wasm module", err)
	}

	var findings []Finding
	if int64(len(moduleBytes)) > opts.MaxModuleBytes {
		findings = append(findings, Finding{
			Rule: RuleOversizeModule, Severity: SeverityHigh, Deduction: deductOversize,
			Detail: fmt.Sprintf("module is %d bytes, cap is %d", len(moduleBytes), opts.MaxModuleBytes),
		})
	}
	if opts.RequireDAOApproval && !opts.DAOApproved {
		findings = append(findings, Finding{
			Rule: RuleMissingApproval, Severity: SeverityHigh, Deduction: deductNoDAOApproval,
			Detail: "module lacks DAO subnet approval",
		})
	}
	if module.Start != nil {
		findings = append(findings, Finding{
			Rule: RuleStartFunction, Severity: SeverityMedium, Deduction: deductStartFunction,
			Detail: fmt.Sprintf("module declares start function #%d", module.Start.Index),
		})
	}
	if module.Import != nil {
		for _, entry := range module.Import.Entries {
			name := entry.ModuleName + "." + entry.FieldName
			if !importAllowed(name, opts.ImportAllowlist) {
				findings = append(findings, Finding{
					Rule: RuleDisallowedImport, Severity: SeverityCritical, Deduction: deductDisallowedImport,
					Detail: fmt.Sprintf("import %s outside allowlist", name),
				})
			}
			if pattern := dangerousImport(entry.FieldName); pattern != "" {
				findings = append(findings, Finding{
					Rule: RuleDangerousImport, Severity: SeverityHigh, Deduction: deductDangerousImport,
					Detail: fmt.Sprintf("import %s matches dangerous pattern %q", name, pattern),
				})
			}
		}
	}
	return buildReport(findings, opts), nil
}

// ScanScript scores an inline script step. The source is parsed with
// tree-sitter and scanned for eval calls, Function constructors, and
// child_process access.
func ScanScript(ctx context.Context, source []byte, opts ScanOptions) (*ScanReport, error) {
	opts = opts.withDefaults()

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "parse script", err)
	}
	defer tree.Close()

	var findings []Finding
	cursor := sitter.NewTreeCursor(tree.RootNode())
	defer cursor.Close()
	walkScript(cursor, source, &findings)

	if opts.RequireDAOApproval && !opts.DAOApproved {
		findings = append(findings, Finding{
			Rule: RuleMissingApproval, Severity: SeverityHigh, Deduction: deductNoDAOApproval,
			Detail: "script lacks DAO subnet approval",
		})
	}
	return buildReport(findings, opts), nil
}

func buildReport(findings []Finding, opts ScanOptions) *ScanReport {
	score := 100
	for _, f := range findings {
		score -= f.Deduction
	}
	if score < 0 {
		score = 0
	}
	return &ScanReport{Score: score, Threshold: opts.threshold(), Findings: findings}
}

func importAllowed(name string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func dangerousImport(field string) string {
	lower := strings.ToLower(field)
	for _, pattern := range dangerousImportPatterns {
		if strings.Contains(lower, pattern) {
			return pattern
		}
	}
	return ""
}

// walkScript recursively walks the AST looking for dangerous constructs.
func walkScript(cursor *sitter.TreeCursor, source []byte, findings *[]Finding) {
	node := cursor.CurrentNode()

	switch node.Type() {
	case "call_expression":
		inspectCall(node, source, findings)
	case "new_expression":
		ctor := node.ChildByFieldName("constructor")
		if ctor != nil && ctor.Content(source) == "Function" {
			*findings = append(*findings, Finding{
				Rule: RuleFunctionCtor, Severity: SeverityHigh, Deduction: deductFunctionCtor,
				Detail: fmt.Sprintf("Function constructor at line %d", int(node.StartPoint().Row)+1),
			})
		}
	case "import_statement":
		sourceNode := node.ChildByFieldName("source")
		if sourceNode != nil && isChildProcessModule(strings.Trim(sourceNode.Content(source), `'"`)) {
			*findings = append(*findings, Finding{
				Rule: RuleChildProcess, Severity: SeverityCritical, Deduction: deductChildProcess,
				Detail: fmt.Sprintf("child_process import at line %d", int(node.StartPoint().Row)+1),
			})
		}
	}

	if cursor.GoToFirstChild() {
		for {
			walkScript(cursor, source, findings)
			if !cursor.GoToNextSibling() {
				break
			}
		}
		cursor.GoToParent()
	}
}

func inspectCall(node *sitter.Node, source []byte, findings *[]Finding) {
	functionNode := node.ChildByFieldName("function")
	if functionNode == nil {
		return
	}
	line := int(node.StartPoint().Row) + 1

	switch functionNode.Content(source) {
	case "eval":
		*findings = append(*findings, Finding{
			Rule: RuleEvalCall, Severity: SeverityCritical, Deduction: deductEval,
			Detail: fmt.Sprintf("eval call at line %d", line),
		})
	case "Function":
		*findings = append(*findings, Finding{
			Rule: RuleFunctionCtor, Severity: SeverityHigh, Deduction: deductFunctionCtor,
			Detail: fmt.Sprintf("Function constructor call at line %d", line),
		})
	case "require":
		argsNode := node.ChildByFieldName("arguments")
		if argsNode == nil {
			return
		}
		for i := 0; i < int(argsNode.ChildCount()); i++ {
			child := argsNode.Child(i)
			if child.Type() == "string" && isChildProcessModule(strings.Trim(child.Content(source), `'"`)) {
				*findings = append(*findings, Finding{
					Rule: RuleChildProcess, Severity: SeverityCritical, Deduction: deductChildProcess,
					Detail: fmt.Sprintf("child_process require at line %d", line),
				})
			}
		}
	}
}

func isChildProcessModule(name string) bool {
	return name == "child_process" || name == "node:child_process"
}
