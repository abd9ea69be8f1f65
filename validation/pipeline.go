package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/qflow/qerr"
)

// Pipeline runs registered layers in ascending priority order with
// signed-cache lookups, short-circuit on required failures, and
// concurrent execution for adjacent independent layers.
type Pipeline struct {
	mu     sync.RWMutex
	layers []Layer
	cache  *SignedCache
	logger *slog.Logger
}

// NewPipeline builds a pipeline. cache may be nil to disable caching.
func NewPipeline(cache *SignedCache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cache: cache, logger: logger}
}

// RegisterLayer adds a layer. Layer IDs are unique.
func (p *Pipeline) RegisterLayer(l Layer) error {
	if l.ID == "" {
		return qerr.New(qerr.KindRequiredField, "layer id is required")
	}
	if l.Validate == nil {
		return qerr.Newf(qerr.KindRequiredField, "layer %q has no validator", l.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.layers {
		if existing.ID == l.ID {
			return qerr.Newf(qerr.KindDuplicate, "layer %q already registered", l.ID)
		}
	}
	p.layers = append(p.layers, l)
	sort.SliceStable(p.layers, func(i, j int) bool {
		return p.layers[i].Priority < p.layers[j].Priority
	})
	return nil
}

// LayerIDs returns registered layer IDs in execution order.
func (p *Pipeline) LayerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.layers))
	for i, l := range p.layers {
		ids[i] = l.ID
	}
	return ids
}

// Validate runs the pipeline and returns the aggregate report.
func (p *Pipeline) Validate(ctx context.Context, req *Request) (*Report, error) {
	if req == nil {
		return nil, qerr.New(qerr.KindRequiredField, "validation request is required")
	}
	return p.run(ctx, req, nil), nil
}

// StreamEvent is one element of a streaming validation. Per-layer
// events carry Result; the final event carries Report.
type StreamEvent struct {
	Result *LayerResult `json:"result,omitempty"`
	Report *Report      `json:"report,omitempty"`
}

// ValidateStream runs the pipeline, emitting each layer result as it
// finishes and the overall report as the final element. The channel is
// sized to hold every event, so the pipeline never blocks on a slow
// consumer, and is closed after the report.
func (p *Pipeline) ValidateStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, qerr.New(qerr.KindRequiredField, "validation request is required")
	}

	p.mu.RLock()
	capacity := len(p.layers) + 1
	p.mu.RUnlock()

	ch := make(chan StreamEvent, capacity)
	go func() {
		defer close(ch)
		report := p.run(ctx, req, func(res LayerResult) {
			ch <- StreamEvent{Result: &res}
		})
		ch <- StreamEvent{Report: report}
	}()
	return ch, nil
}

// run executes the selected layers. emit, when non-nil, receives each
// result as it is finalized, in priority order.
func (p *Pipeline) run(ctx context.Context, req *Request, emit func(LayerResult)) *Report {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	selected := p.selectLayers(req.Layers)
	report := &Report{
		RequestID:     req.RequestID,
		OverallStatus: StatusPassed,
		LayerResults:  make([]LayerResult, 0, len(selected)),
	}

	for i := 0; i < len(selected); {
		group := []Layer{selected[i]}
		i++
		// Adjacent independent layers execute as one concurrent group.
		if group[0].Independent {
			for i < len(selected) && selected[i].Independent {
				group = append(group, selected[i])
				i++
			}
		}

		results := make([]LayerResult, len(group))
		outcomes := make([]cacheOutcome, len(group))
		if len(group) == 1 {
			results[0], outcomes[0] = p.runLayer(ctx, group[0], req)
		} else {
			var wg sync.WaitGroup
			for gi, layer := range group {
				wg.Add(1)
				go func(gi int, layer Layer) {
					defer wg.Done()
					results[gi], outcomes[gi] = p.runLayer(ctx, layer, req)
				}(gi, layer)
			}
			wg.Wait()
		}

		stop := false
		for gi, res := range results {
			switch outcomes[gi] {
			case cacheHit:
				report.CacheHits++
			case cacheMiss:
				report.CacheMisses++
			}
			report.LayerResults = append(report.LayerResults, res)
			if emit != nil {
				emit(res)
			}
			switch res.Status {
			case StatusFailed:
				if group[gi].Required {
					report.OverallStatus = StatusFailed
					report.ShortCircuited = true
					stop = true
				} else if report.OverallStatus == StatusPassed {
					// Optional layers cannot fail the request outright.
					report.OverallStatus = StatusWarning
				}
			case StatusWarning:
				if report.OverallStatus == StatusPassed {
					report.OverallStatus = StatusWarning
				}
			}
		}
		if stop {
			break
		}
	}

	report.TotalDuration = time.Since(start)
	return report
}

// selectLayers returns the execution list for the requested layer IDs.
// Unknown requested IDs are skipped silently.
func (p *Pipeline) selectLayers(requested []string) []Layer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(requested) == 0 {
		return append([]Layer(nil), p.layers...)
	}
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	var selected []Layer
	for _, l := range p.layers {
		if want[l.ID] {
			selected = append(selected, l)
		}
	}
	return selected
}

type cacheOutcome int

const (
	cacheNone cacheOutcome = iota
	cacheHit
	cacheMiss
)

// runLayer resolves one layer result: signed-cache lookup first, then
// the validator under its timeout. Timeouts become failed results and
// are never cached.
func (p *Pipeline) runLayer(ctx context.Context, layer Layer, req *Request) (LayerResult, cacheOutcome) {
	outcome := cacheNone
	if p.cache != nil {
		if cached, ok := p.cache.Get(layer.ID, req.Data, req.PolicyVersion); ok {
			return *cached, cacheHit
		}
		outcome = cacheMiss
	}

	start := time.Now()
	result, timedOut := p.invoke(ctx, layer, req)
	if result == nil {
		result = Failed("validator returned no result")
	}
	result.LayerID = layer.ID
	result.Duration = time.Since(start)

	if timedOut {
		p.logger.Warn("validation layer timed out",
			"layer", layer.ID, "timeout", layer.Timeout, "request_id", req.RequestID)
	} else if p.cache != nil {
		if err := p.cache.Set(layer.ID, req.Data, req.PolicyVersion, result, 0); err != nil {
			p.logger.Warn("cache result", "layer", layer.ID, "error", err)
		}
	}
	return *result, outcome
}

// invoke runs the validator bounded by the layer timeout.
func (p *Pipeline) invoke(ctx context.Context, layer Layer, req *Request) (*LayerResult, bool) {
	lctx := ctx
	if layer.Timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, layer.Timeout)
		defer cancel()
	}

	done := make(chan *LayerResult, 1)
	go func() {
		done <- layer.Validate(lctx, req)
	}()

	select {
	case res := <-done:
		return res, false
	case <-lctx.Done():
		res := Failed(fmt.Sprintf("layer %q timed out after %s", layer.ID, layer.Timeout))
		res.Details = map[string]any{"code": string(qerr.KindLayerTimeout)}
		return res, true
	}
}
