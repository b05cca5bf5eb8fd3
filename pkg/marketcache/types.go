package marketcache

import "time"

// Bar is one OHLCV bar.
type Bar struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// Series is the bars cached for one symbol and timeframe.
type Series struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Bars      []Bar  `json:"bars"`
}

// Range summarises a cached series.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// Key identifies a cached series.
type Key struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// AcquireRequest starts an acquisition. Mode is "tail", "backfill" or
// "full". Zero Start and End let the server choose.
type AcquireRequest struct {
	Symbol    string
	Timeframe string
	Mode      string
	Start     time.Time
	End       time.Time
}

// Segment is one planned download window.
type Segment struct {
	Index    int       `json:"index"`
	Priority int       `json:"priority"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// SegmentOutcome reports how a segment finished.
type SegmentOutcome struct {
	Segment    Segment `json:"segment"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	Bars       int     `json:"bars"`
	Error      string  `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
}

// Progress is a point-in-time view of a running operation.
type Progress struct {
	OperationID string    `json:"operation_id"`
	Step        int       `json:"step"`
	TotalSteps  int       `json:"total_steps"`
	Percent     float64   `json:"percent"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Segment     *Segment  `json:"segment,omitempty"`
	BarsFetched int       `json:"bars_fetched"`
	Warnings    int       `json:"warnings"`
	Time        time.Time `json:"time"`
}

// Operation is the server's record of an acquisition.
type Operation struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Timeframe      string           `json:"timeframe"`
	Mode           string           `json:"mode"`
	Status         string           `json:"status"`
	Phase          string           `json:"phase"`
	Start          time.Time        `json:"start,omitzero"`
	End            time.Time        `json:"end,omitzero"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	FinishedAt     time.Time        `json:"finished_at,omitzero"`
	Segments       []SegmentOutcome `json:"segments,omitempty"`
	FailedSegments []SegmentOutcome `json:"failed_segments"`
	SegmentsTotal  int              `json:"segments_total"`
	SegmentsFailed int              `json:"segments_failed"`
	BarsFetched    int              `json:"bars_fetched"`
	BarsSaved      int              `json:"bars_saved"`
	Cached         *Range           `json:"cached,omitempty"`
	Warnings       []string         `json:"warnings"`
	Error          string           `json:"error,omitempty"`
	Progress       *Progress        `json:"progress,omitempty"`
}

// Terminal reports whether the operation has finished.
func (o Operation) Terminal() bool {
	switch o.Status {
	case "completed", "partially-completed", "failed", "cancelled":
		return true
	}
	return false
}

// Health is the server health document.
type Health struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Latency  string `json:"latency,omitempty"`
}
