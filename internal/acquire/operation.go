package acquire

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"marketcache/internal/domain"
	"marketcache/internal/store"
)

// Request describes one acquisition. Zero Start or End means omitted: Start
// defaults to the earliest available timestamp and End to now.
type Request struct {
	Symbol    string           `json:"symbol"`
	Timeframe domain.Timeframe `json:"timeframe"`
	Mode      domain.Mode      `json:"mode"`
	Start     time.Time        `json:"start,omitzero"`
	End       time.Time        `json:"end,omitzero"`
}

// Progress is an immutable progress snapshot. A new value is published for
// every change; published values are never modified.
type Progress struct {
	OperationID string                 `json:"operation_id"`
	Step        int                    `json:"step"`
	TotalSteps  int                    `json:"total_steps"`
	Percent     float64                `json:"percent"`
	Phase       domain.Phase           `json:"phase"`
	Status      domain.OperationStatus `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Segment     *domain.Segment        `json:"segment,omitempty"`
	BarsFetched int                    `json:"bars_fetched"`
	Warnings    int                    `json:"warnings"`
	Time        time.Time              `json:"time"`
}

// Status is the externally visible record of an operation.
type Status struct {
	ID             string                 `json:"id"`
	Symbol         string                 `json:"symbol"`
	Timeframe      domain.Timeframe       `json:"timeframe"`
	Mode           domain.Mode            `json:"mode"`
	Status         domain.OperationStatus `json:"status"`
	Phase          domain.Phase           `json:"phase"`
	RequestedStart time.Time              `json:"requested_start,omitzero"`
	RequestedEnd   time.Time              `json:"requested_end,omitzero"`
	Start          time.Time              `json:"start,omitzero"`
	End            time.Time              `json:"end,omitzero"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	FinishedAt     time.Time              `json:"finished_at,omitzero"`
	Gaps           []domain.Gap           `json:"gaps,omitempty"`
	Segments       []SegmentOutcome       `json:"segments,omitempty"`
	FailedSegments []SegmentOutcome       `json:"failed_segments"`
	SegmentsTotal  int                    `json:"segments_total"`
	SegmentsFailed int                    `json:"segments_failed"`
	BarsFetched    int                    `json:"bars_fetched"`
	BarsSaved      int                    `json:"bars_saved"`
	Cached         *domain.SeriesRange    `json:"cached,omitempty"`
	Warnings       []string               `json:"warnings"`
	Error          string                 `json:"error,omitempty"`
	Progress       *Progress              `json:"progress,omitempty"`
}

// Operation is one download operation. The worker goroutine is the only
// writer of its state; readers go through Status and Progress.
type Operation struct {
	id      string
	req     Request
	key     store.Key
	cancel  context.CancelFunc
	done    chan struct{}
	now     func() time.Time

	progress atomic.Pointer[Progress]

	mu       sync.Mutex
	status   Status
	terminal bool

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Progress
	closed    bool
}

func newOperation(id string, req Request, key store.Key, cancel context.CancelFunc, now func() time.Time) *Operation {
	created := now()
	op := &Operation{
		id:      id,
		req:     req,
		key:     key,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     now,
		subs:    make(map[int]chan Progress),
		status: Status{
			ID:             id,
			Symbol:         key.Symbol,
			Timeframe:      key.Timeframe,
			Mode:           req.Mode,
			Status:         domain.StatusRunning,
			Phase:          domain.PhaseCreated,
			RequestedStart: req.Start,
			RequestedEnd:   req.End,
			CreatedAt:      created,
			UpdatedAt:      created,
		},
	}
	op.progress.Store(&Progress{
		OperationID: id,
		Phase:       domain.PhaseCreated,
		Status:      domain.StatusRunning,
		Message:     "operation created",
		Time:        created,
	})
	return op
}

// ID returns the operation ID.
func (o *Operation) ID() string { return o.id }

// Key returns the cache key the operation writes.
func (o *Operation) Key() store.Key { return o.key }

// Done is closed once the operation reached a terminal status and released
// its key.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Progress returns the latest snapshot.
func (o *Operation) Progress() Progress { return *o.progress.Load() }

// Status returns a copy of the operation record with the latest snapshot.
func (o *Operation) Status() Status {
	o.mu.Lock()
	st := o.status
	st.Gaps = append([]domain.Gap(nil), st.Gaps...)
	st.Segments = append([]SegmentOutcome(nil), st.Segments...)
	st.Warnings = append([]string{}, st.Warnings...)
	o.mu.Unlock()

	st.FailedSegments = []SegmentOutcome{}
	for _, s := range st.Segments {
		if s.Status == domain.SegmentFailed {
			st.FailedSegments = append(st.FailedSegments, s)
		}
	}
	st.Progress = o.progress.Load()
	return st
}

// update mutates the record under the lock. Updates after the terminal
// transition are ignored.
func (o *Operation) update(fn func(st *Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminal {
		return
	}
	fn(&o.status)
	o.status.UpdatedAt = o.now()
}

// warn records a recoverable condition on the operation. Warnings are kept
// even after the terminal transition.
func (o *Operation) warn(msg string) {
	o.mu.Lock()
	o.status.Warnings = append(o.status.Warnings, msg)
	o.status.UpdatedAt = o.now()
	o.mu.Unlock()
}

// setPhase moves the state machine forward and publishes a snapshot.
func (o *Operation) setPhase(phase domain.Phase, msg string) {
	o.update(func(st *Status) { st.Phase = phase })
	o.publish(func(p *Progress) {
		p.Phase = phase
		p.Message = msg
		if phase == domain.PhaseMerging {
			p.Percent = fetchEnd
		}
	})
}

// finished reports whether the terminal status has been set.
func (o *Operation) finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal
}

// publish stores a new snapshot derived from the current one and fans it out
// to subscribers.
func (o *Operation) publish(fn func(p *Progress)) Progress {
	o.mu.Lock()
	warnings := len(o.status.Warnings)
	o.mu.Unlock()

	p := *o.progress.Load()
	p.Segment = nil
	p.Message = ""
	fn(&p)
	p.Warnings = warnings
	p.Time = o.now()
	o.progress.Store(&p)
	o.broadcast(p)
	return p
}

// finish sets the terminal status exactly once. It reports whether this call
// made the transition.
func (o *Operation) finish(status domain.OperationStatus, errMsg string) bool {
	o.mu.Lock()
	if o.terminal {
		o.mu.Unlock()
		return false
	}
	t := o.now()
	o.status.Status = status
	o.status.Phase = domain.PhaseDone
	o.status.Error = errMsg
	o.status.FinishedAt = t
	o.status.UpdatedAt = t
	o.terminal = true
	o.mu.Unlock()

	msg := "operation " + string(status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	o.publish(func(p *Progress) {
		p.Phase = domain.PhaseDone
		p.Status = status
		p.Message = msg
		if status == domain.StatusCompleted || status == domain.StatusPartiallyCompleted {
			p.Percent = 100
			p.Step = p.TotalSteps
		}
	})
	o.closeSubscribers()
	return true
}

// record converts the operation into its persisted form.
func (o *Operation) record() (store.OperationRecord, error) {
	st := o.Status()
	payload, err := json.Marshal(st)
	if err != nil {
		return store.OperationRecord{}, err
	}
	return store.OperationRecord{
		ID:        st.ID,
		Symbol:    st.Symbol,
		Timeframe: string(st.Timeframe),
		Mode:      st.Mode.String(),
		Status:    string(st.Status),
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
		Payload:   payload,
	}, nil
}

// statusFromRecord decodes a persisted operation.
func statusFromRecord(rec store.OperationRecord) (Status, error) {
	var st Status
	if err := json.Unmarshal(rec.Payload, &st); err != nil {
		return Status{}, err
	}
	if st.FailedSegments == nil {
		st.FailedSegments = []SegmentOutcome{}
	}
	if st.Warnings == nil {
		st.Warnings = []string{}
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// subscribe registers a progress channel. The current snapshot is delivered
// first. On a finished operation the channel is closed right after it.
func (o *Operation) subscribe(bufSize int) (int, <-chan Progress) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan Progress, bufSize)

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	ch <- *o.progress.Load()
	if o.closed {
		close(ch)
		return -1, ch
	}
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = ch
	return id, ch
}

// unsubscribe removes a subscriber and closes its channel.
func (o *Operation) unsubscribe(id int) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if ch, ok := o.subs[id]; ok {
		delete(o.subs, id)
		close(ch)
	}
}

// broadcast sends p to every subscriber, dropping it for slow consumers.
func (o *Operation) broadcast(p Progress) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (o *Operation) closeSubscribers() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}
