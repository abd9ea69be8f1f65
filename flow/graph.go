package flow

import (
	"regexp"
	"sort"
)

// EdgeKind distinguishes control edges from dataflow edges.
type EdgeKind string

// Edge kinds.
const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
	EdgeData    EdgeKind = "data"
)

// Outcome is the result class of a finished step, used to pick which
// outbound control edges fire.
type Outcome string

// Step outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Edge is one directed edge of the step graph.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Graph is the analyzed step graph of a flow: control edges from
// on_success/on_failure plus dataflow edges from ${stepId.result}
// references in params.
type Graph struct {
	flow  *Flow
	ids   []string
	steps map[string]*Step
	out   map[string][]Edge
	in    map[string][]Edge
}

// resultRef matches ${stepId.result} and ${stepId.result.path} forms.
var resultRef = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.result[^}]*\}`)

// ExtractResultRefs returns the step IDs referenced by
// ${stepId.result} expressions anywhere in params, deduplicated and
// sorted.
func ExtractResultRefs(params map[string]any) []string {
	set := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch tv := v.(type) {
		case string:
			for _, m := range resultRef.FindAllStringSubmatch(tv, -1) {
				set[m[1]] = true
			}
		case map[string]any:
			for _, e := range tv {
				walk(e)
			}
		case []any:
			for _, e := range tv {
				walk(e)
			}
		}
	}
	walk(params)

	refs := make([]string, 0, len(set))
	for r := range set {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// BuildGraph analyzes f. The flow is not validated here; unknown edge
// targets simply dangle and are caught by ValidateStructure.
func BuildGraph(f *Flow) *Graph {
	g := &Graph{
		flow:  f,
		steps: make(map[string]*Step, len(f.Steps)),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
	}
	for i := range f.Steps {
		s := &f.Steps[i]
		g.ids = append(g.ids, s.ID)
		g.steps[s.ID] = s
	}
	add := func(e Edge) {
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}
	for i := range f.Steps {
		s := &f.Steps[i]
		for _, to := range s.OnSuccess {
			add(Edge{From: s.ID, To: to, Kind: EdgeSuccess})
		}
		for _, to := range s.OnFailure {
			add(Edge{From: s.ID, To: to, Kind: EdgeFailure})
		}
		for _, ref := range ExtractResultRefs(s.Params) {
			add(Edge{From: ref, To: s.ID, Kind: EdgeData})
		}
	}
	return g
}

// Step returns the step with the given ID.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// StepIDs returns all step IDs in declaration order.
func (g *Graph) StepIDs() []string {
	return append([]string(nil), g.ids...)
}

// Entries returns steps with no inbound edge of any kind, in
// declaration order. Every valid flow has at least one.
func (g *Graph) Entries() []string {
	var entries []string
	for _, id := range g.ids {
		if len(g.in[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// Successors returns the control successors of a step for the given
// outcome, in declaration order.
func (g *Graph) Successors(id string, outcome Outcome) []string {
	want := EdgeSuccess
	if outcome == OutcomeFailure {
		want = EdgeFailure
	}
	var succ []string
	for _, e := range g.out[id] {
		if e.Kind == want {
			succ = append(succ, e.To)
		}
	}
	return succ
}

// DataDependencies returns the step IDs whose results id consumes.
func (g *Graph) DataDependencies(id string) []string {
	var deps []string
	for _, e := range g.in[id] {
		if e.Kind == EdgeData {
			deps = append(deps, e.From)
		}
	}
	return deps
}

// DataDependents returns the step IDs that consume id's result.
func (g *Graph) DataDependents(id string) []string {
	var deps []string
	for _, e := range g.out[id] {
		if e.Kind == EdgeData {
			deps = append(deps, e.To)
		}
	}
	return deps
}

// Predecessors returns control predecessors of id of either kind.
func (g *Graph) Predecessors(id string) []string {
	var preds []string
	for _, e := range g.in[id] {
		if e.Kind == EdgeSuccess || e.Kind == EdgeFailure {
			preds = append(preds, e.From)
		}
	}
	return preds
}

// guardedSelfLoop reports whether e is a step's own on_failure
// self-reference protected by a retry budget. Such loops terminate via
// retry exhaustion and are not cycles.
func (g *Graph) guardedSelfLoop(e Edge) bool {
	if e.From != e.To || e.Kind != EdgeFailure {
		return false
	}
	s, ok := g.steps[e.From]
	return ok && s.Retry.MaxAttempts >= 1
}

// FindCycle runs DFS coloring over success, failure, and dataflow
// edges. It returns one cycle as a step ID path, or nil.
func (g *Graph) FindCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.out[id] {
			if g.guardedSelfLoop(e) {
				continue
			}
			if _, ok := g.steps[e.To]; !ok {
				continue
			}
			switch color[e.To] {
			case white:
				if visit(e.To) {
					return true
				}
			case gray:
				// Back edge: slice the cycle out of the stack.
				for i, sid := range stack {
					if sid == e.To {
						cycle = append(append([]string(nil), stack[i:]...), e.To)
						return true
					}
				}
				cycle = []string{e.To, e.To}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Reachable reports whether to is reachable from from over any edge
// kind, excluding guarded self-loops.
func (g *Graph) Reachable(from, to string) bool {
	if from == to {
		return false
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if g.guardedSelfLoop(e) {
				continue
			}
			if e.To == to {
				return true
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// CanRunConcurrently reports whether two steps have no mutual ordering
// constraint: no dataflow or control dependency in either direction, no
// shared exclusive resource tag, and no shared state key.
func (g *Graph) CanRunConcurrently(a, b string) bool {
	if a == b {
		return false
	}
	sa, okA := g.steps[a]
	sb, okB := g.steps[b]
	if !okA || !okB {
		return false
	}
	if g.Reachable(a, b) || g.Reachable(b, a) {
		return false
	}
	if sa.ExclusiveResource != "" && sa.ExclusiveResource == sb.ExclusiveResource {
		return false
	}
	for _, ka := range sa.SharedState {
		for _, kb := range sb.SharedState {
			if ka == kb {
				return false
			}
		}
	}
	return true
}
