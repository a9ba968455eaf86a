package trees

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// LoadState is the single source of truth for what is on screen. The
// loaded set only grows: districts are never unloaded. The in-flight flag
// is a re-entrancy guard, not a queue: a trigger arriving mid-traversal
// is dropped.
type LoadState struct {
	mu      sync.Mutex
	index   *DistrictIndex
	loaded  map[string]struct{}
	loading atomic.Bool
}

func NewLoadState() *LoadState {
	return &LoadState{loaded: make(map[string]struct{})}
}

func (s *LoadState) IsLoaded(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loaded[code]
	return ok
}

// MarkLoaded records a fully converted district. Monotonic: there is no
// way to unmark.
func (s *LoadState) MarkLoaded(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded[code] = struct{}{}
}

func (s *LoadState) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaded)
}

// LoadedCodes returns the loaded district codes, sorted.
func (s *LoadState) LoadedCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.loaded))
	for code := range s.loaded {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Loading reports whether a traversal is currently running.
func (s *LoadState) Loading() bool {
	return s.loading.Load()
}

// ProgressFunc reports loading progress after each completed district:
// (3, 21, 14), (4, 21, 19), ...
type ProgressFunc func(loaded, total, percent int)

// Strategy decides how the traversal walks the pending districts.
//
// Sequential is the default: districts complete in attempt order, so
// progress callbacks arrive in order too. Pool runs a bounded number of
// districts at once; per-district failure isolation still holds, but
// completion order is not attempt order, so progress consumers must rely
// on the counts, never on ordering.
type Strategy interface {
	Run(ctx context.Context, districts []District, load func(context.Context, District))
}

// Sequential loads districts one at a time, in manifest order.
type Sequential struct{}

func (Sequential) Run(ctx context.Context, districts []District, load func(context.Context, District)) {
	for _, d := range districts {
		if ctx.Err() != nil {
			return
		}
		load(ctx, d)
	}
}

// Pool loads up to Workers districts concurrently.
type Pool struct {
	Workers int
}

func (p Pool) Run(ctx context.Context, districts []District, load func(context.Context, District)) {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, d := range districts {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(d District) {
			defer wg.Done()
			defer func() { <-sem }()
			load(ctx, d)
		}(d)
	}
	wg.Wait()
}

// OrchestratorOptions configures a traversal driver.
type OrchestratorOptions struct {
	Strategy   Strategy
	OnProgress ProgressFunc
	ChunkSize  int
	Log        *slog.Logger
}

// Orchestrator owns the LoadState and drives the loader across all
// districts. It is safe to invoke repeatedly; each call either does
// incremental work or is a cheap no-op.
type Orchestrator struct {
	fetcher Fetcher
	sink    RenderSink
	state   *LoadState
	loader  *Loader
	options OrchestratorOptions
}

func NewOrchestrator(fetcher Fetcher, sink RenderSink, options OrchestratorOptions) *Orchestrator {
	if options.Strategy == nil {
		options.Strategy = Sequential{}
	}
	if options.Log == nil {
		options.Log = slog.Default()
	}
	state := NewLoadState()
	return &Orchestrator{
		fetcher: fetcher,
		sink:    sink,
		state:   state,
		loader: &Loader{
			Fetcher:   fetcher,
			Sink:      sink,
			State:     state,
			ChunkSize: options.ChunkSize,
			Log:       options.Log,
		},
		options: options,
	}
}

// State exposes the orchestrator-owned load state for read access and
// snapshot seeding.
func (o *Orchestrator) State() *LoadState { return o.state }

// SeedLoaded marks districts restored from a snapshot as already loaded.
func (o *Orchestrator) SeedLoaded(codes []string) {
	for _, code := range codes {
		o.state.MarkLoaded(code)
	}
}

// Index returns the district manifest, fetching it once and caching it.
// A manifest failure is fatal to the caller, not to later retries: the
// next invocation attempts the fetch again.
func (o *Orchestrator) Index(ctx context.Context) (*DistrictIndex, error) {
	o.state.mu.Lock()
	cached := o.state.index
	o.state.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	index, err := LoadIndex(ctx, o.fetcher)
	if err != nil {
		return nil, err
	}

	o.state.mu.Lock()
	o.state.index = index
	o.state.mu.Unlock()
	return index, nil
}

// LoadAll runs one traversal over all unloaded districts. A concurrent
// invocation while a traversal is in flight returns immediately. The
// in-flight guard is cleared on every exit path, including an index
// failure or a panic inside the loop, so a failed traversal can never
// deadlock future triggers.
func (o *Orchestrator) LoadAll(ctx context.Context) error {
	if !o.state.loading.CompareAndSwap(false, true) {
		return nil
	}
	defer o.state.loading.Store(false)

	index, err := o.Index(ctx)
	if err != nil {
		return err
	}

	total := len(index.Districts)
	pending := make([]District, 0, total)
	for _, d := range index.Districts {
		if !o.state.IsLoaded(d.Code) {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	o.options.Log.Info("starting district traversal",
		"pending", len(pending), "total", total)

	o.options.Strategy.Run(ctx, pending, func(ctx context.Context, d District) {
		// A failed district is logged by the loader and stays unloaded;
		// the traversal continues. The next LoadAll picks it up again.
		_ = o.loader.LoadDistrict(ctx, d)
		o.reportProgress(total)
	})

	return nil
}

func (o *Orchestrator) reportProgress(total int) {
	if o.options.OnProgress == nil || total == 0 {
		return
	}
	loaded := o.state.LoadedCount()
	if loaded > total {
		loaded = total
	}
	percent := int(math.Round(100 * float64(loaded) / float64(total)))
	o.options.OnProgress(loaded, total, percent)
}

// Progress returns the current (loaded, total, percent) triple. Total is
// zero until the manifest has been fetched.
func (o *Orchestrator) Progress() (loaded, total, percent int) {
	o.state.mu.Lock()
	index := o.state.index
	o.state.mu.Unlock()

	loaded = o.state.LoadedCount()
	if index == nil {
		return loaded, 0, 0
	}
	total = len(index.Districts)
	if total > 0 {
		percent = int(math.Round(100 * float64(loaded) / float64(total)))
	}
	return loaded, total, percent
}
