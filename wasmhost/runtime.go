// Package wasmhost runs step modules on the wagon WASM interpreter.
// Modules are size-capped, verified, import-allowlisted, and security
// scanned before execution; every host import routes through the
// capability manager.
package wasmhost

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-interpreter/wagon/validate"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
)

// DefaultMaxModuleBytes caps loadable module size.
const DefaultMaxModuleBytes = 10 << 20

// DefaultRuntimeAllowlist admits only the platform host module. The
// scanner tolerates the standard env hooks, but this runtime does not
// provide them, so they stay out of the hard allowlist.
var DefaultRuntimeAllowlist = []string{"qflow.*"}

// HostModuleName is the module name the guest imports host calls from.
const HostModuleName = "qflow"

// Config tunes a Runtime. Zero values take the defaults.
type Config struct {
	MaxModuleBytes  int64
	ImportAllowlist []string
	ScanOptions     sandbox.ScanOptions
}

func (c Config) withDefaults() Config {
	if c.MaxModuleBytes <= 0 {
		c.MaxModuleBytes = DefaultMaxModuleBytes
	}
	if len(c.ImportAllowlist) == 0 {
		c.ImportAllowlist = DefaultRuntimeAllowlist
	}
	return c
}

// Module is a loaded, verified, scan-approved WASM module. The raw
// bytes are retained so each execution instantiates a fresh VM with its
// own host bridge.
type Module struct {
	Digest  string
	Size    int64
	Imports []string
	Exports []string
	Scan    *sandbox.ScanReport

	raw     []byte
	exports map[string]uint32
}

// Runtime loads and executes WASM modules.
type Runtime struct {
	cfg     Config
	manager *capability.Manager
	logger  *slog.Logger
}

// NewRuntime builds a runtime. manager handles all host imports and
// must not be nil; logger may be.
func NewRuntime(cfg Config, manager *capability.Manager, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg.withDefaults(), manager: manager, logger: logger}
}

// LoadModule verifies module bytes and returns a loadable Module:
// size cap, magic and version gate, binary decode, import allowlist,
// security scan, structural verification, and start function rejection.
func (r *Runtime) LoadModule(moduleBytes []byte) (*Module, error) {
	if int64(len(moduleBytes)) > r.cfg.MaxModuleBytes {
		return nil, qerr.Newf(qerr.KindResourceLimit,
			"module size %d exceeds cap %d", len(moduleBytes), r.cfg.MaxModuleBytes)
	}
	if len(moduleBytes) < 8 || string(moduleBytes[:4]) != "\000asm" {
		return nil, qerr.New(qerr.KindParse, "missing wasm magic header")
	}
	if ver := binary.LittleEndian.Uint32(moduleBytes[4:]); ver != 1 {
		return nil, qerr.Newf(qerr.KindParse, "unsupported wasm version %d", ver)
	}

	decoded, err := wasm.ReadModule(bytes.NewReader(moduleBytes), nil)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "read wasm module", err)
	}

	var imports []string
	if decoded.Import != nil {
		for _, entry := range decoded.Import.Entries {
			name := entry.ModuleName + "." + entry.FieldName
			imports = append(imports, name)
			if !r.importAllowed(name) {
				return nil, qerr.Newf(qerr.KindSandboxViolation,
					"import %s not permitted", name).WithDetail("import", name)
			}
		}
	}
	if decoded.Start != nil {
		return nil, qerr.Newf(qerr.KindSandboxViolation,
			"module declares start function #%d", decoded.Start.Index)
	}

	report, err := sandbox.ScanModule(moduleBytes, r.cfg.ScanOptions)
	if err != nil {
		return nil, err
	}
	if scanErr := report.Err(); scanErr != nil {
		return nil, scanErr
	}

	// Call indices count imported functions first, so structural
	// verification must see the import-resolved index space. The bridge
	// here only supplies host signatures; nothing executes at load time.
	verified := decoded
	if decoded.Import != nil {
		verified, err = wasm.ReadModule(bytes.NewReader(moduleBytes), hostResolver(&bridge{rt: r}))
		if err != nil {
			return nil, qerr.Wrap(qerr.KindParse, "resolve wasm imports", err)
		}
	}
	if err := validate.VerifyModule(verified); err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "verify wasm module", err)
	}

	exports := make(map[string]uint32)
	var exportNames []string
	if decoded.Export != nil {
		for name, entry := range decoded.Export.Entries {
			if entry.Kind == wasm.ExternalFunction {
				exports[name] = entry.Index
				exportNames = append(exportNames, name)
			}
		}
	}

	m := &Module{
		Digest:  canonical.SHA256Hex(moduleBytes),
		Size:    int64(len(moduleBytes)),
		Imports: imports,
		Exports: exportNames,
		Scan:    report,
		raw:     append([]byte(nil), moduleBytes...),
		exports: exports,
	}
	r.logger.Info("wasm module loaded",
		"digest", m.Digest, "size", m.Size, "imports", len(imports), "score", report.Score)
	return m, nil
}

func (r *Runtime) importAllowed(name string) bool {
	for _, pattern := range r.cfg.ImportAllowlist {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
