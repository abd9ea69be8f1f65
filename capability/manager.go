package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/signing"
)

const maxEgressRecords = 1024

// tokenState wraps an issued token with its mutable counters. usage is
// advanced by compare-and-swap so concurrent calls cannot overrun the
// cap.
type tokenState struct {
	token  Token
	usage  atomic.Int64
	status atomic.Value // Status
}

func (s *tokenState) currentStatus() Status {
	return s.status.Load().(Status)
}

// Manager issues, enforces, and revokes capability tokens.
type Manager struct {
	mu       sync.RWMutex
	tokens   map[string]*tokenState
	policies map[string]*DAOPolicy

	shims  *ShimRegistry
	signer signing.Signer
	pub    *events.Publisher
	logger *slog.Logger

	ratesMu sync.Mutex
	rates   map[string][]time.Time

	egressMu sync.Mutex
	egress   []EgressRecord

	replayMu sync.RWMutex
	replay   ReplaySource

	now func() time.Time
}

// NewManager builds a token manager. pub may be nil; shims may be nil
// for a manager that only issues and inspects tokens.
func NewManager(signer signing.Signer, shims *ShimRegistry, pub *events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if shims == nil {
		shims = NewShimRegistry()
	}
	return &Manager{
		tokens:   make(map[string]*tokenState),
		policies: make(map[string]*DAOPolicy),
		shims:    shims,
		signer:   signer,
		pub:      pub,
		logger:   logger,
		rates:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Shims exposes the shim registry for host-function registration.
func (m *Manager) Shims() *ShimRegistry { return m.shims }

// SetReplaySource installs rs for deterministic replay. A nil source
// restores live shim execution.
func (m *Manager) SetReplaySource(rs ReplaySource) {
	m.replayMu.Lock()
	m.replay = rs
	m.replayMu.Unlock()
}

// SetPolicy installs or replaces the DAO policy for a subnet.
func (m *Manager) SetPolicy(policy *DAOPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy.Subnet] = policy
}

// Policy returns the DAO policy for a subnet, or nil.
func (m *Manager) Policy(subnet string) *DAOPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policies[subnet]
}

// IssueToken mints a signed token for spec. A DAO policy registered for
// the spec's subnet intersects the constraints and caps duration and
// usage before signing.
func (m *Manager) IssueToken(ctx context.Context, spec TokenSpec) (*Token, error) {
	if spec.Capability == "" {
		return nil, qerr.New(qerr.KindRequiredField, "token capability is required")
	}

	if policy := m.Policy(spec.DAOSubnet); policy != nil {
		if err := policy.Apply(&spec); err != nil {
			return nil, err
		}
	}
	if spec.Duration <= 0 {
		spec.Duration = DefaultTokenDuration
	}
	if spec.MaxUsage <= 0 {
		spec.MaxUsage = DefaultMaxUsage
	}

	now := m.now().UTC()
	token := Token{
		ID:          uuid.NewString(),
		SandboxID:   spec.SandboxID,
		ExecutionID: spec.ExecutionID,
		StepID:      spec.StepID,
		Capability:  spec.Capability,
		Permissions: spec.Permissions,
		Constraints: spec.Constraints,
		DAOSubnet:   spec.DAOSubnet,
		IssuedAt:    now,
		ExpiresAt:   now.Add(spec.Duration),
		MaxUsage:    spec.MaxUsage,
		Status:      StatusActive,
	}

	body, err := canonical.Marshal(token.signable())
	if err != nil {
		return nil, fmt.Errorf("canonicalize token: %w", err)
	}
	token.Signature, err = m.signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	state := &tokenState{token: token}
	state.status.Store(StatusActive)

	m.mu.Lock()
	m.tokens[token.ID] = state
	m.mu.Unlock()

	m.pub.Emit(ctx, events.TopicTokenIssued, spec.ExecutionID, &events.TokenIssuedPayload{
		TokenID:     token.ID,
		SandboxID:   token.SandboxID,
		ExecutionID: token.ExecutionID,
		StepID:      token.StepID,
		Capability:  token.Capability,
		ExpiresAt:   token.ExpiresAt.UnixMilli(),
	})

	issued := token
	return &issued, nil
}

// UseToken authorizes and executes one host call. Denials return a
// UseResult with Allowed=false and a nil error; lookup failures
// (unknown token, unregistered target) return errors.
func (m *Manager) UseToken(ctx context.Context, tokenID, module, function string, args []any) (*UseResult, error) {
	res := &UseResult{Module: module, Function: function}

	m.mu.RLock()
	state, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if !ok {
		return nil, qerr.Newf(qerr.KindTokenNotFound, "token %q not found", tokenID)
	}
	token := &state.token
	now := m.now()

	body, err := canonical.Marshal(token.signable())
	if err != nil {
		return nil, fmt.Errorf("canonicalize token: %w", err)
	}
	if err := m.signer.Verify(body, token.Signature); err != nil {
		return m.deny(ctx, state, res, "token signature invalid"), nil
	}

	switch state.currentStatus() {
	case StatusRevoked:
		return m.deny(ctx, state, res, "token revoked"), nil
	case StatusExhausted:
		return m.deny(ctx, state, res, "token exhausted"), nil
	case StatusExpired:
		return m.deny(ctx, state, res, "token expired"), nil
	}

	if now.After(token.ExpiresAt) {
		state.status.Store(StatusExpired)
		return m.deny(ctx, state, res, "token expired"), nil
	}
	if len(token.Constraints.TimeWindows) > 0 && !inAnyWindow(token.Constraints.TimeWindows, now) {
		return m.deny(ctx, state, res, "outside permitted time window"), nil
	}

	// Reserve a usage slot by CAS so concurrent calls cannot overrun
	// the cap. The slot is released again on any later denial.
	if !m.reserveUsage(state) {
		return m.deny(ctx, state, res, "token exhausted"), nil
	}
	released := false
	release := func() {
		if !released {
			state.usage.Add(-1)
			released = true
		}
	}

	shim, err := m.shims.Lookup(module, function)
	if err != nil {
		release()
		m.recordEgress(state, res, false, "no shim registered")
		return nil, err
	}
	if shim.RequiredCapability != token.Capability {
		release()
		return m.deny(ctx, state, res, fmt.Sprintf(
			"capability %q does not grant %s.%s (requires %q)",
			token.Capability, module, function, shim.RequiredCapability)), nil
	}

	for _, bound := range token.Constraints.ArgumentBounds {
		if err := checkBound(bound, args); err != nil {
			release()
			return m.deny(ctx, state, res, fmt.Sprintf("argument bound violation: %v", err)), nil
		}
	}

	operation := module + "." + function
	for _, limit := range token.Constraints.RateLimits {
		if limit.Operation != "*" && limit.Operation != operation {
			continue
		}
		if !m.allowRate(tokenID, limit, now) {
			release()
			return m.deny(ctx, state, res, fmt.Sprintf("rate limit exceeded for %s", operation)), nil
		}
	}

	result, replayed, execErr := m.execute(ctx, shim, module, function, args)
	if execErr != nil {
		// The slot stays consumed: the call reached the host.
		m.recordEgress(state, res, true, "")
		return res, fmt.Errorf("shim %s failed: %w", operation, execErr)
	}

	usage := state.usage.Load()
	if usage >= token.MaxUsage {
		state.status.Store(StatusExhausted)
	}

	res.Allowed = true
	res.Result = result
	res.Replayed = replayed
	res.RemainingUses = token.MaxUsage - usage
	m.recordEgress(state, res, true, "")

	m.pub.Emit(ctx, events.TopicTokenUsed, token.ExecutionID, &events.TokenUsedPayload{
		TokenID:    token.ID,
		Module:     module,
		Function:   function,
		Allowed:    true,
		UsageCount: usage,
	})
	return res, nil
}

// RevokeToken marks a token revoked. Revocation is terminal.
func (m *Manager) RevokeToken(ctx context.Context, tokenID, reason string) error {
	m.mu.RLock()
	state, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if !ok {
		return qerr.Newf(qerr.KindTokenNotFound, "token %q not found", tokenID)
	}
	state.status.Store(StatusRevoked)

	m.pub.Emit(ctx, events.TopicTokenRevoked, state.token.ExecutionID, &events.TokenRevokedPayload{
		TokenID: tokenID,
		Reason:  reason,
	})
	return nil
}

// GetToken returns a snapshot of a token with live status and usage.
func (m *Manager) GetToken(tokenID string) (*Token, error) {
	m.mu.RLock()
	state, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if !ok {
		return nil, qerr.Newf(qerr.KindTokenNotFound, "token %q not found", tokenID)
	}

	snapshot := state.token
	snapshot.CurrentUsage = state.usage.Load()
	snapshot.Status = state.currentStatus()
	if snapshot.Status == StatusActive && m.now().After(snapshot.ExpiresAt) {
		snapshot.Status = StatusExpired
	}
	return &snapshot, nil
}

// CleanupExpired removes tokens past their expiry and returns how many
// were dropped.
func (m *Manager) CleanupExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, state := range m.tokens {
		if now.After(state.token.ExpiresAt) {
			delete(m.tokens, id)
			removed++
		}
	}
	return removed
}

// Egress returns the most recent audit records, newest last. limit <= 0
// returns everything retained.
func (m *Manager) Egress(limit int) []EgressRecord {
	m.egressMu.Lock()
	defer m.egressMu.Unlock()
	if limit <= 0 || limit > len(m.egress) {
		limit = len(m.egress)
	}
	out := make([]EgressRecord, limit)
	copy(out, m.egress[len(m.egress)-limit:])
	return out
}

func (m *Manager) reserveUsage(state *tokenState) bool {
	for {
		cur := state.usage.Load()
		if cur >= state.token.MaxUsage {
			state.status.Store(StatusExhausted)
			return false
		}
		if state.usage.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// allowRate applies a sliding-window limit keyed by token and
// operation.
func (m *Manager) allowRate(tokenID string, limit RateLimit, now time.Time) bool {
	if limit.MaxRequests <= 0 || limit.WindowMs <= 0 {
		return true
	}
	key := tokenID + "\x00" + limit.Operation
	cutoff := now.Add(-limit.Window())

	m.ratesMu.Lock()
	defer m.ratesMu.Unlock()

	hits := m.rates[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit.MaxRequests {
		m.rates[key] = kept
		return false
	}
	m.rates[key] = append(kept, now)
	return true
}

func (m *Manager) execute(ctx context.Context, shim *Shim, module, function string, args []any) (any, bool, error) {
	m.replayMu.RLock()
	replay := m.replay
	m.replayMu.RUnlock()

	if replay != nil {
		if recorded, ok := replay.ReplayResult(module, function, args); ok {
			return recorded, true, nil
		}
	}
	result, err := shim.Impl(ctx, args)
	return result, false, err
}

// deny finalizes a denied use: audit record plus egress-denied event.
func (m *Manager) deny(ctx context.Context, state *tokenState, res *UseResult, reason string) *UseResult {
	res.Allowed = false
	res.Reason = reason
	m.recordEgress(state, res, false, reason)

	m.pub.Emit(ctx, events.TopicEgressDenied, state.token.ExecutionID, &events.EgressDeniedPayload{
		TokenID:   state.token.ID,
		SandboxID: state.token.SandboxID,
		Module:    res.Module,
		Function:  res.Function,
		Reason:    reason,
	})
	return res
}

func (m *Manager) recordEgress(state *tokenState, res *UseResult, approved bool, reason string) {
	record := EgressRecord{
		ID:        uuid.NewString(),
		TokenID:   state.token.ID,
		SandboxID: state.token.SandboxID,
		Module:    res.Module,
		Function:  res.Function,
		Approved:  approved,
		Reason:    reason,
		Timestamp: m.now().UTC(),
	}

	m.egressMu.Lock()
	m.egress = append(m.egress, record)
	if len(m.egress) > maxEgressRecords {
		m.egress = m.egress[len(m.egress)-maxEgressRecords:]
	}
	m.egressMu.Unlock()
}

func inAnyWindow(windows []TimeWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
