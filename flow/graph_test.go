package flow

import (
	"reflect"
	"testing"
)

func testFlow(steps ...Step) *Flow {
	return &Flow{ID: "f", Name: "f", Version: "1", Steps: steps}
}

func taskStep(id string, mutate ...func(*Step)) Step {
	s := Step{
		ID:     id,
		Type:   StepTask,
		Action: "noop",
		Params: map[string]any{},
		Retry:  RetryPolicy{MaxAttempts: DefaultRetryAttempts},
	}
	for _, m := range mutate {
		m(&s)
	}
	return s
}

func TestExtractResultRefs(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   []string
	}{
		{
			name:   "plain reference",
			params: map[string]any{"in": "${extract.result}"},
			want:   []string{"extract"},
		},
		{
			name:   "path reference",
			params: map[string]any{"in": "${extract.result.rows[0].id}"},
			want:   []string{"extract"},
		},
		{
			name: "nested and deduplicated",
			params: map[string]any{
				"a": map[string]any{"b": "${x.result}"},
				"c": []any{"${y.result}", "${x.result}"},
			},
			want: []string{"x", "y"},
		},
		{
			name:   "multiple refs in one string",
			params: map[string]any{"cmd": "merge ${a.result} ${b.result}"},
			want:   []string{"a", "b"},
		},
		{
			name:   "no references",
			params: map[string]any{"in": "literal", "n": 3},
			want:   []string{},
		},
		{
			name:   "non result expression ignored",
			params: map[string]any{"in": "${env.HOME}"},
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractResultRefs(tt.params)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractResultRefs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGraphEntries(t *testing.T) {
	f := testFlow(
		taskStep("a", func(s *Step) { s.OnSuccess = []string{"c"} }),
		taskStep("b", func(s *Step) { s.OnSuccess = []string{"c"} }),
		taskStep("c"),
		taskStep("d", func(s *Step) { s.Params = map[string]any{"in": "${c.result}"} }),
	)
	g := BuildGraph(f)

	// c has control predecessors, d has a data predecessor.
	want := []string{"a", "b"}
	if got := g.Entries(); !reflect.DeepEqual(got, want) {
		t.Errorf("Entries() = %v, want %v", got, want)
	}
}

func TestGraphSuccessors(t *testing.T) {
	f := testFlow(
		taskStep("a", func(s *Step) {
			s.OnSuccess = []string{"b", "c"}
			s.OnFailure = []string{"cleanup"}
		}),
		taskStep("b"),
		taskStep("c"),
		taskStep("cleanup"),
	)
	g := BuildGraph(f)

	if got := g.Successors("a", OutcomeSuccess); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("success successors = %v", got)
	}
	if got := g.Successors("a", OutcomeFailure); !reflect.DeepEqual(got, []string{"cleanup"}) {
		t.Errorf("failure successors = %v", got)
	}
	if got := g.Successors("b", OutcomeSuccess); got != nil {
		t.Errorf("leaf successors = %v, want nil", got)
	}
}

func TestGraphDataDependencies(t *testing.T) {
	f := testFlow(
		taskStep("extract"),
		taskStep("load"),
		taskStep("merge", func(s *Step) {
			s.Params = map[string]any{
				"left":  "${extract.result}",
				"right": "${load.result}",
			}
		}),
	)
	g := BuildGraph(f)

	got := g.DataDependencies("merge")
	want := []string{"extract", "load"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DataDependencies() = %v, want %v", got, want)
	}
}

func TestGraphFindCycle(t *testing.T) {
	tests := []struct {
		name      string
		steps     []Step
		wantCycle bool
	}{
		{
			name: "acyclic chain",
			steps: []Step{
				taskStep("a", func(s *Step) { s.OnSuccess = []string{"b"} }),
				taskStep("b", func(s *Step) { s.OnSuccess = []string{"c"} }),
				taskStep("c"),
			},
		},
		{
			name: "diamond is acyclic",
			steps: []Step{
				taskStep("a", func(s *Step) { s.OnSuccess = []string{"b", "c"} }),
				taskStep("b", func(s *Step) { s.OnSuccess = []string{"d"} }),
				taskStep("c", func(s *Step) { s.OnSuccess = []string{"d"} }),
				taskStep("d"),
			},
		},
		{
			name: "control cycle",
			steps: []Step{
				taskStep("a", func(s *Step) { s.OnSuccess = []string{"b"} }),
				taskStep("b", func(s *Step) { s.OnSuccess = []string{"a"} }),
			},
			wantCycle: true,
		},
		{
			name: "mixed control and data cycle",
			steps: []Step{
				// a consumes b's result while b is downstream of a.
				taskStep("a", func(s *Step) {
					s.OnSuccess = []string{"b"}
					s.Params = map[string]any{"in": "${b.result}"}
				}),
				taskStep("b"),
			},
			wantCycle: true,
		},
		{
			name: "guarded failure self loop",
			steps: []Step{
				taskStep("a", func(s *Step) {
					s.OnFailure = []string{"a"}
					s.Retry = RetryPolicy{MaxAttempts: 2}
				}),
			},
		},
		{
			name: "unguarded failure self loop",
			steps: []Step{
				taskStep("a", func(s *Step) {
					s.OnFailure = []string{"a"}
					s.Retry = RetryPolicy{MaxAttempts: 0}
				}),
			},
			wantCycle: true,
		},
		{
			name: "success self loop never allowed",
			steps: []Step{
				taskStep("a", func(s *Step) {
					s.OnSuccess = []string{"a"}
					s.Retry = RetryPolicy{MaxAttempts: 5}
				}),
			},
			wantCycle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := BuildGraph(testFlow(tt.steps...))
			cycle := g.FindCycle()
			if tt.wantCycle && cycle == nil {
				t.Error("FindCycle() = nil, want a cycle")
			}
			if !tt.wantCycle && cycle != nil {
				t.Errorf("FindCycle() = %v, want nil", cycle)
			}
		})
	}
}

func TestGraphReachable(t *testing.T) {
	f := testFlow(
		taskStep("a", func(s *Step) { s.OnSuccess = []string{"b"} }),
		taskStep("b", func(s *Step) { s.OnFailure = []string{"c"} }),
		taskStep("c"),
		taskStep("island"),
	)
	g := BuildGraph(f)

	if !g.Reachable("a", "c") {
		t.Error("a should reach c through b")
	}
	if g.Reachable("c", "a") {
		t.Error("c should not reach a")
	}
	if g.Reachable("a", "island") {
		t.Error("island is disconnected")
	}
}

func TestGraphCanRunConcurrently(t *testing.T) {
	f := testFlow(
		taskStep("a", func(s *Step) { s.OnSuccess = []string{"b"} }),
		taskStep("b"),
		taskStep("c"),
		taskStep("d", func(s *Step) { s.Params = map[string]any{"in": "${c.result}"} }),
		taskStep("lockA", func(s *Step) { s.ExclusiveResource = "db-main" }),
		taskStep("lockB", func(s *Step) { s.ExclusiveResource = "db-main" }),
		taskStep("stateA", func(s *Step) { s.SharedState = []string{"counter", "total"} }),
		taskStep("stateB", func(s *Step) { s.SharedState = []string{"total"} }),
	)
	g := BuildGraph(f)

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "independent steps", a: "a", b: "c", want: true},
		{name: "control dependency", a: "a", b: "b", want: false},
		{name: "data dependency", a: "c", b: "d", want: false},
		{name: "same exclusive resource", a: "lockA", b: "lockB", want: false},
		{name: "shared state key overlap", a: "stateA", b: "stateB", want: false},
		{name: "step with itself", a: "a", b: "a", want: false},
		{name: "unknown step", a: "a", b: "ghost", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CanRunConcurrently(tt.a, tt.b); got != tt.want {
				t.Errorf("CanRunConcurrently(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
