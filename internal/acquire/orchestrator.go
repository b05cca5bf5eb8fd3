package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketcache/internal/domain"
	"marketcache/internal/metrics"
	"marketcache/internal/provider"
	"marketcache/internal/store"
	"marketcache/internal/util"
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

// Options configures an Orchestrator. Zero values take the defaults noted on
// each field.
type Options struct {
	// MaxSegmentBars bounds the bars requested per provider call. Default 10000.
	MaxSegmentBars int
	// SegmentBarsFor, if set, overrides MaxSegmentBars per timeframe.
	SegmentBarsFor func(tf domain.Timeframe) int

	Backoff      util.Backoff
	SaveInterval time.Duration
	// MaxTrailingGap is passed to the Fetcher. Zero disables the check.
	MaxTrailingGap time.Duration
	// FallbackLookback is subtracted from now when the earliest available
	// timestamp cannot be resolved. Default ten years.
	FallbackLookback time.Duration
	// OperationTimeout, if positive, is a deadline on every operation.
	OperationTimeout time.Duration
	// ValidateSymbols asks the provider whether the symbol exists before an
	// operation is created.
	ValidateSymbols bool
	// HistoryLimit caps finished operations kept in memory. Default 500.
	HistoryLimit int

	// Heads resolves earliest timestamps. Default: an in-memory HeadCache
	// over the provider.
	Heads   *HeadCache
	History store.OperationStore // nil disables persistence
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator runs acquisitions, one worker goroutine per operation, and
// answers status, cancel and subscribe requests for them.
type Orchestrator struct {
	cache store.BarCache
	prov  provider.Provider
	opts  Options
	log   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	ops      map[string]*Operation
	order    []string // creation order
	running  map[store.Key]*Operation
	reserved map[store.Key]int // keys held by WithKeyIdle
	shutdown bool
}

// NewOrchestrator builds an Orchestrator over cache and prov.
func NewOrchestrator(cache store.BarCache, prov provider.Provider, opts Options) *Orchestrator {
	if opts.MaxSegmentBars < 1 {
		opts.MaxSegmentBars = 10000
	}
	if opts.FallbackLookback <= 0 {
		opts.FallbackLookback = 10 * 365 * 24 * time.Hour
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Heads == nil {
		opts.Heads = NewHeadCache(prov, nil, 0, opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cache:      cache,
		prov:       prov,
		opts:       opts,
		log:        opts.Logger.With("component", "orchestrator"),
		baseCtx:    ctx,
		baseCancel: cancel,
		ops:        make(map[string]*Operation),
		running:    make(map[store.Key]*Operation),
		reserved:   make(map[store.Key]int),
	}
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

func (o *Orchestrator) segmentBars(tf domain.Timeframe) int {
	if o.opts.SegmentBarsFor != nil {
		if n := o.opts.SegmentBarsFor(tf); n > 0 {
			return n
		}
	}
	return o.opts.MaxSegmentBars
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

// Start validates req and launches an operation, returning its ID without
// waiting for any data. ctx bounds only the synchronous validation calls.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	key, req, err := o.validate(req)
	if err != nil {
		return "", err
	}
	if o.Busy(key.Symbol, key.Timeframe) {
		return "", fmt.Errorf("start %s: %w", key, domain.ErrKeyBusy)
	}

	if _, err := o.prov.HealthCheck(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	if o.opts.ValidateSymbols {
		if _, err := o.prov.ValidateSymbol(ctx, key.Symbol); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", fmt.Errorf("%w: unknown symbol %s", domain.ErrInvalidRequest, key.Symbol)
			}
			return "", fmt.Errorf("%w: validating symbol %s: %w", domain.ErrProviderUnavailable, key.Symbol, err)
		}
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if _, busy := o.running[key]; busy || o.reserved[key] > 0 {
		o.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", key, domain.ErrKeyBusy)
	}

	opCtx, cancel := context.WithCancel(o.baseCtx)
	if o.opts.OperationTimeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(opCtx, o.opts.OperationTimeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	op := newOperation(uuid.NewString(), req, key, cancel, o.now)
	o.ops[op.id] = op
	o.order = append(o.order, op.id)
	o.running[key] = op
	o.wg.Add(1)
	o.mu.Unlock()

	o.opts.Metrics.RecordOperationStarted(req.Mode.String(), string(key.Timeframe))
	o.log.Info("acquisition started", "op", op.id, "key", key.String(), "mode", req.Mode,
		"start", req.Start, "end", req.End)

	go o.run(opCtx, op)
	return op.id, nil
}

// validate normalises the request or rejects it with ErrInvalidRequest.
func (o *Orchestrator) validate(req Request) (store.Key, Request, error) {
	sym, err := store.NormalizeSymbol(req.Symbol)
	if err != nil {
		return store.Key{}, req, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if !req.Timeframe.Valid() {
		return store.Key{}, req, fmt.Errorf("%w: unknown timeframe %q", domain.ErrInvalidRequest, req.Timeframe)
	}
	if !req.Mode.Valid() {
		return store.Key{}, req, fmt.Errorf("%w: unknown mode %d", domain.ErrInvalidRequest, int(req.Mode))
	}
	req.Symbol = sym
	if !req.Start.IsZero() {
		req.Start = req.Start.UTC()
	}
	if !req.End.IsZero() {
		req.End = req.End.UTC()
	}

	end := req.End
	if end.IsZero() {
		end = o.now()
	}
	if !req.Start.IsZero() && !req.Start.Before(end) {
		return store.Key{}, req, fmt.Errorf("%w: start %s is not before end %s", domain.ErrInvalidRequest,
			req.Start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return store.Key{Symbol: sym, Timeframe: req.Timeframe}, req, nil
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func (o *Orchestrator) run(ctx context.Context, op *Operation) {
	began := time.Now()
	log := o.log.With("op", op.id, "key", op.key.String())
	defer func() {
		close(op.done)
		o.retire()
		o.wg.Done()
	}()

	status, errMsg := o.execute(ctx, op, log)
	op.cancel()
	o.mu.Lock()
	if o.running[op.key] == op {
		delete(o.running, op.key)
	}
	o.mu.Unlock()

	if op.finish(status, errMsg) {
		o.opts.Metrics.RecordOperationFinished(string(status), time.Since(began))
		o.persist(op, log)
		st := op.Status()
		log.Info("acquisition finished", "status", status, "segments", st.SegmentsTotal,
			"failed", st.SegmentsFailed, "bars", st.BarsFetched, "elapsed", time.Since(began).Round(time.Millisecond))
	}
}

// execute drives the operation through its phases and returns the terminal
// status with an optional error message.
func (o *Orchestrator) execute(ctx context.Context, op *Operation, log *slog.Logger) (domain.OperationStatus, string) {
	sym, tf, mode := op.key.Symbol, op.key.Timeframe, op.req.Mode

	// 1-2. Resolve and clamp the range.
	op.setPhase(domain.PhaseValidatingRange, "resolving earliest available data")
	earliest, err := o.opts.Heads.Earliest(ctx, sym, tf)
	if err != nil {
		if ctx.Err() != nil {
			return domain.StatusCancelled, ctx.Err().Error()
		}
		earliest = o.now().Add(-o.opts.FallbackLookback)
		msg := fmt.Sprintf("earliest available lookup failed, assuming %s: %v", earliest.Format(time.RFC3339), err)
		op.warn(msg)
		log.Warn("earliest available lookup failed", "fallback", earliest, "error", err)
	}

	start, end := op.req.Start, op.req.End
	if end.IsZero() {
		end = o.now()
	}
	switch {
	case start.IsZero():
		start = earliest
	case start.Before(earliest):
		op.warn(fmt.Sprintf("start clamped from %s to earliest available %s",
			start.Format(time.RFC3339), earliest.Format(time.RFC3339)))
		start = earliest
	}
	op.update(func(st *Status) { st.Start, st.End = start, end })

	// 3. Existing data.
	var existing *domain.Series
	if s, err := o.cache.Load(sym, tf, nil); err == nil {
		existing = &s
	} else if !errors.Is(err, domain.ErrNotFound) {
		op.warn("loading cached series failed, treating as empty: " + err.Error())
		log.Warn("loading cached series", "error", err)
	}

	// 4. Gaps.
	var gaps []domain.Gap
	if start.Before(end) {
		op.setPhase(domain.PhaseAnalyzingGaps, "analyzing gaps")
		gaps, err = safeAnalyzeGaps(existing, mode, start, end, tf)
		if err != nil {
			gaps = []domain.Gap{{Start: start, End: end}}
			op.warn("gap analysis failed, fetching the whole range: " + err.Error())
			log.Warn("gap analysis failed", "error", err)
		}
	} else {
		op.warn("requested range is empty after clamping to earliest available data")
	}
	op.update(func(st *Status) { st.Gaps = gaps })

	// 5. Segments.
	op.setPhase(domain.PhasePlanningSegments, fmt.Sprintf("planning %d gaps", len(gaps)))
	segs, err := PlanSegments(gaps, SegmentSpan(tf, o.segmentBars(tf)), mode)
	if err != nil {
		return domain.StatusFailed, "planning segments: " + err.Error()
	}
	outcomes := make([]SegmentOutcome, len(segs))
	for i, s := range segs {
		outcomes[i] = SegmentOutcome{Segment: s, Status: domain.SegmentPending}
	}
	op.update(func(st *Status) {
		st.Segments = outcomes
		st.SegmentsTotal = len(segs)
	})

	// 6. Fetch.
	op.setPhase(domain.PhaseFetching, fmt.Sprintf("fetching %d segments", len(segs)))
	f := &Fetcher{
		Provider:     o.prov,
		Backoff:      o.opts.Backoff,
		SaveInterval:   o.opts.SaveInterval,
		MaxTrailingGap: o.opts.MaxTrailingGap,
		Metrics:        o.opts.Metrics,
		Log:            log,
		Now:            o.opts.Now,
	}
	save := func(bars []domain.Bar) error {
		_, err := o.cache.Merge(sym, tf, bars)
		return err
	}
	res, fetchErr := f.Run(ctx, FetchRequest{Symbol: sym, Timeframe: tf, Segments: segs}, &opObserver{op: op, log: log}, save)
	op.update(func(st *Status) {
		st.Segments = res.Outcomes
		st.SegmentsFailed = res.Failed
	})

	// 7. Merge and decide.
	op.setPhase(domain.PhaseMerging, fmt.Sprintf("merging %d bars", len(res.Pending)))
	if len(res.Pending) > 0 {
		_, err := o.cache.Merge(sym, tf, res.Pending)
		o.opts.Metrics.RecordCacheWrite("final", err)
		if err != nil {
			log.Error("final merge failed", "bars", len(res.Pending), "error", err)
			return domain.StatusFailed, "merging fetched bars: " + err.Error()
		}
		op.update(func(st *Status) { st.BarsSaved += len(res.Pending) })
	}
	if rng, err := o.cache.Range(sym, tf); err == nil {
		op.update(func(st *Status) { st.Cached = &rng })
	}

	switch {
	case fetchErr != nil && isCancellation(fetchErr):
		return domain.StatusCancelled, fetchErr.Error()
	case fetchErr != nil:
		return domain.StatusFailed, fetchErr.Error()
	case res.Failed == 0:
		return domain.StatusCompleted, ""
	case res.Succeeded > 0:
		return domain.StatusPartiallyCompleted, fmt.Sprintf("%d of %d segments failed", res.Failed, len(segs))
	default:
		return domain.StatusFailed, fmt.Sprintf("all %d segments failed", len(segs))
	}
}

// safeAnalyzeGaps turns a panic inside gap analysis into an error.
func safeAnalyzeGaps(existing *domain.Series, mode domain.Mode, start, end time.Time, tf domain.Timeframe) (gaps []domain.Gap, err error) {
	defer func() {
		if r := recover(); r != nil {
			gaps, err = nil, fmt.Errorf("gap analysis panicked: %v", r)
		}
	}()
	return AnalyzeGaps(existing, mode, start, end, tf)
}

// persist writes the terminal record to the history store. Failures are
// recorded as warnings only.
func (o *Orchestrator) persist(op *Operation, log *slog.Logger) {
	if o.opts.History == nil {
		return
	}
	rec, err := op.record()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = o.opts.History.SaveOperation(ctx, rec)
		cancel()
	}
	if err != nil {
		op.warn("persisting operation record failed: " + err.Error())
		log.Warn("persisting operation record", "error", err)
	}
}

// retire drops the oldest finished operations beyond HistoryLimit.
func (o *Orchestrator) retire() {
	o.mu.Lock()
	defer o.mu.Unlock()

	finished := 0
	for _, id := range o.order {
		if op := o.ops[id]; op != nil && op.finished() {
			finished++
		}
	}
	excess := finished - o.opts.HistoryLimit
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		op := o.ops[id]
		if excess > 0 && op.finished() {
			delete(o.ops, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

// ---------------------------------------------------------------------------
// Queries and control
// ---------------------------------------------------------------------------

func (o *Orchestrator) lookup(id string) *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ops[id]
}

// Status returns the record of an operation, falling back to the history
// store for operations no longer held in memory.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	if op := o.lookup(id); op != nil {
		return op.Status(), nil
	}
	if o.opts.History != nil {
		rec, err := o.opts.History.GetOperation(ctx, id)
		switch {
		case err == nil:
			return statusFromRecord(rec)
		case !errors.Is(err, domain.ErrNotFound):
			return Status{}, fmt.Errorf("reading operation %s: %w", id, err)
		}
	}
	return Status{}, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, id)
}

// Cancel requests cancellation of a running operation. Cancelling a finished
// operation is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if op := o.lookup(id); op != nil {
		op.cancel()
		o.log.Info("acquisition cancel requested", "op", id)
		return nil
	}
	_, err := o.Status(ctx, id)
	return err
}

// Wait blocks until the operation is finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Status, error) {
	op := o.lookup(id)
	if op == nil {
		return o.Status(ctx, id)
	}
	select {
	case <-op.Done():
		return op.Status(), nil
	case <-ctx.Done():
		return op.Status(), ctx.Err()
	}
}

// List returns known operations, newest first: those in memory followed by
// persisted ones, up to HistoryLimit entries in total.
func (o *Orchestrator) List(ctx context.Context) ([]Status, error) {
	o.mu.Lock()
	ops := make([]*Operation, 0, len(o.order))
	for _, id := range o.order {
		ops = append(ops, o.ops[id])
	}
	o.mu.Unlock()

	out := make([]Status, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		st := ops[i].Status()
		out = append(out, st)
		seen[st.ID] = true
	}

	if o.opts.History != nil && len(out) < o.opts.HistoryLimit {
		recs, err := o.opts.History.ListOperations(ctx, o.opts.HistoryLimit)
		if err != nil {
			return out, fmt.Errorf("listing operation history: %w", err)
		}
		for _, rec := range recs {
			if seen[rec.ID] || len(out) >= o.opts.HistoryLimit {
				continue
			}
			st, err := statusFromRecord(rec)
			if err != nil {
				o.log.Warn("decoding operation record", "op", rec.ID, "error", err)
				continue
			}
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Subscribe returns a channel of progress snapshots for a live operation.
// The channel starts with the current snapshot and is closed when the
// operation finishes or Unsubscribe is called. Slow consumers miss
// intermediate snapshots.
func (o *Orchestrator) Subscribe(id string, bufSize int) (int, <-chan Progress, error) {
	op := o.lookup(id)
	if op == nil {
		return 0, nil, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, id)
	}
	subID, ch := op.subscribe(bufSize)
	return subID, ch, nil
}

// Unsubscribe removes a subscription created by Subscribe.
func (o *Orchestrator) Unsubscribe(id string, subID int) {
	if op := o.lookup(id); op != nil {
		op.unsubscribe(subID)
	}
}

// Busy reports whether an acquisition is running for the key.
func (o *Orchestrator) Busy(symbol string, tf domain.Timeframe) bool {
	sym, err := store.NormalizeSymbol(symbol)
	if err != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[store.Key{Symbol: sym, Timeframe: tf}]
	return ok
}

// WithKeyIdle runs fn while no acquisition can start for the key. It
// returns domain.ErrKeyBusy without calling fn if one is already running.
// Start fails with domain.ErrKeyBusy until fn returns.
func (o *Orchestrator) WithKeyIdle(symbol string, tf domain.Timeframe, fn func() error) error {
	sym, err := store.NormalizeSymbol(symbol)
	if err != nil {
		return fn()
	}
	key := store.Key{Symbol: sym, Timeframe: tf}

	o.mu.Lock()
	if _, busy := o.running[key]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", key, domain.ErrKeyBusy)
	}
	o.reserved[key]++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.reserved[key]--; o.reserved[key] <= 0 {
			delete(o.reserved, key)
		}
		o.mu.Unlock()
	}()
	return fn()
}

// Shutdown rejects new operations, cancels running ones and waits for their
// workers to finish merging.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Progress observer
// ---------------------------------------------------------------------------

// Progress percentages: phases before fetching take fetchStart percent,
// segments share the range up to fetchEnd, merging covers the rest.
const (
	fetchStart = 5.0
	fetchEnd   = 95.0
)

// opObserver feeds fetcher events into an operation's record and progress.
type opObserver struct {
	op  *Operation
	log *slog.Logger
}

func (ob *opObserver) SegmentStarted(seg domain.Segment, done, total int) {
	ob.op.publish(func(p *Progress) {
		p.Phase = domain.PhaseFetching
		p.Step, p.TotalSteps = done, total
		p.Percent = segmentPercent(done, total)
		p.Segment = &seg
		p.Message = fmt.Sprintf("fetching segment %d/%d %s", done+1, total, seg)
	})
}

func (ob *opObserver) SegmentRetry(seg domain.Segment, attempt int, err error, wait time.Duration) {
	ob.op.publish(func(p *Progress) {
		p.Segment = &seg
		p.Message = fmt.Sprintf("attempt %d failed (%v), retrying in %s", attempt, err, wait)
	})
}

func (ob *opObserver) SegmentFinished(out SegmentOutcome, done, total int) {
	ob.op.update(func(st *Status) {
		if i := out.Segment.Priority; i >= 0 && i < len(st.Segments) {
			st.Segments[i] = out
		}
		st.BarsFetched += out.Bars
		if out.Status == domain.SegmentFailed {
			st.SegmentsFailed++
		}
	})
	fetched := ob.op.Status().BarsFetched
	ob.op.publish(func(p *Progress) {
		p.Phase = domain.PhaseFetching
		p.Step, p.TotalSteps = done, total
		p.Percent = segmentPercent(done, total)
		p.BarsFetched = fetched
		p.Message = fmt.Sprintf("segment %d/%d %s", done, total, out.Status)
	})
}

func (ob *opObserver) Saved(bars int, err error) {
	if err != nil {
		ob.op.warn(fmt.Sprintf("periodic save of %d bars failed: %v", bars, err))
		return
	}
	ob.op.update(func(st *Status) { st.BarsSaved += bars })
	ob.log.Debug("periodic save", "bars", bars)
}

func segmentPercent(done, total int) float64 {
	if total == 0 {
		return fetchEnd
	}
	return fetchStart + (fetchEnd-fetchStart)*float64(done)/float64(total)
}
