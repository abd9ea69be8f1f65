// Package sandbox supervises per-step execution sandboxes: isolation
// policies, access checks, violation tracking, escape detection, and
// the module security scanner.
package sandbox

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IsolationLevel selects a default policy triple.
type IsolationLevel string

// Isolation levels, strictest first.
const (
	IsolationStrict     IsolationLevel = "strict"
	IsolationModerate   IsolationLevel = "moderate"
	IsolationPermissive IsolationLevel = "permissive"
)

// ValidIsolationLevel reports whether l is recognized.
func ValidIsolationLevel(l IsolationLevel) bool {
	switch l {
	case IsolationStrict, IsolationModerate, IsolationPermissive:
		return true
	}
	return false
}

// NetworkPolicy controls connections in and out of a sandbox.
type NetworkPolicy struct {
	AllowOutbound bool     `json:"allow_outbound"`
	AllowInbound  bool     `json:"allow_inbound"`
	AllowedHosts  []string `json:"allowed_hosts,omitempty"`
	AllowedPorts  []int    `json:"allowed_ports,omitempty"`
	DeniedHosts   []string `json:"denied_hosts,omitempty"`
}

// FilesystemPolicy controls file access. Paths match with doublestar
// globs; denials win over allowances; the scratch directory is always
// writable within its size caps.
type FilesystemPolicy struct {
	ReadAllowed   bool     `json:"read_allowed"`
	WriteAllowed  bool     `json:"write_allowed"`
	AllowedPaths  []string `json:"allowed_paths,omitempty"`
	DeniedPaths   []string `json:"denied_paths,omitempty"`
	ScratchDir    string   `json:"scratch_dir,omitempty"`
	MaxFileBytes  int64    `json:"max_file_bytes,omitempty"`
	MaxTotalBytes int64    `json:"max_total_bytes,omitempty"`
}

// SystemPolicy controls syscalls and process creation. An empty
// AllowedSyscalls list permits everything.
type SystemPolicy struct {
	AllowedSyscalls      []string `json:"allowed_syscalls,omitempty"`
	AllowProcessCreation bool     `json:"allow_process_creation"`
}

// PolicySet is the triple applied to one sandbox.
type PolicySet struct {
	Network    NetworkPolicy    `json:"network"`
	Filesystem FilesystemPolicy `json:"filesystem"`
	System     SystemPolicy     `json:"system"`
}

// strictSyscalls is the minimal allowlist for strict isolation.
var strictSyscalls = []string{
	"read", "write", "open", "openat", "close", "stat", "fstat",
	"lseek", "mmap", "munmap", "brk", "exit", "exit_group",
	"clock_gettime", "getrandom",
}

// moderateSyscalls adds basic networking and path inspection.
var moderateSyscalls = append(append([]string{}, strictSyscalls...),
	"socket", "connect", "sendto", "recvfrom", "getsockopt",
	"setsockopt", "readlink", "getcwd", "poll",
)

// DefaultPolicySet returns the policy triple for an isolation level.
// Unknown levels get strict.
func DefaultPolicySet(level IsolationLevel) PolicySet {
	switch level {
	case IsolationPermissive:
		return PolicySet{
			Network: NetworkPolicy{AllowOutbound: true, AllowInbound: true},
			Filesystem: FilesystemPolicy{
				ReadAllowed:  true,
				WriteAllowed: true,
				DeniedPaths:  []string{"/etc/**", "/proc/**", "/sys/**", "/boot/**"},
			},
			System: SystemPolicy{AllowProcessCreation: true},
		}
	case IsolationModerate:
		return PolicySet{
			Network: NetworkPolicy{AllowOutbound: true},
			Filesystem: FilesystemPolicy{
				ReadAllowed:   false,
				WriteAllowed:  false,
				MaxFileBytes:  16 << 20,
				MaxTotalBytes: 64 << 20,
			},
			System: SystemPolicy{AllowedSyscalls: moderateSyscalls},
		}
	default:
		return PolicySet{
			Network: NetworkPolicy{},
			Filesystem: FilesystemPolicy{
				MaxFileBytes:  4 << 20,
				MaxTotalBytes: 16 << 20,
			},
			System: SystemPolicy{AllowedSyscalls: strictSyscalls},
		}
	}
}

// hostAllowed applies denials first, then the allowlist. Host entries
// are doublestar patterns, so "*.internal" works.
func (p NetworkPolicy) hostAllowed(host string) bool {
	for _, pattern := range p.DeniedHosts {
		if matched, _ := doublestar.Match(pattern, host); matched {
			return false
		}
	}
	if len(p.AllowedHosts) == 0 {
		return true
	}
	for _, pattern := range p.AllowedHosts {
		if matched, _ := doublestar.Match(pattern, host); matched {
			return true
		}
	}
	return false
}

func (p NetworkPolicy) portAllowed(port int) bool {
	if len(p.AllowedPorts) == 0 {
		return true
	}
	for _, allowed := range p.AllowedPorts {
		if port == allowed {
			return true
		}
	}
	return false
}

// pathDecision classifies one filesystem access attempt.
type pathDecision int

const (
	pathDenied pathDecision = iota
	pathAllowed
	pathScratch
)

func (p FilesystemPolicy) decide(path string, write bool) pathDecision {
	if p.ScratchDir != "" && strings.HasPrefix(path, p.ScratchDir+"/") {
		return pathScratch
	}
	for _, pattern := range p.DeniedPaths {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return pathDenied
		}
	}
	for _, pattern := range p.AllowedPaths {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return pathAllowed
		}
	}
	if write && p.WriteAllowed {
		return pathAllowed
	}
	if !write && p.ReadAllowed {
		return pathAllowed
	}
	return pathDenied
}

func (p SystemPolicy) syscallAllowed(name string) bool {
	if len(p.AllowedSyscalls) == 0 {
		return true
	}
	for _, allowed := range p.AllowedSyscalls {
		if name == allowed {
			return true
		}
	}
	return false
}
