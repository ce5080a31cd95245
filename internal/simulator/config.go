package simulator

import "time"

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL         string        // Base URL of the service
	Respondents     int           // Number of sessions to drive
	Workers         int           // Concurrent respondents
	Timeout         time.Duration // HTTP request timeout
	Width           int           // Stimulus width
	Height          int           // Stimulus height
	DurationMs      int64         // Tracking window; zero uses the server default
	SamplesPerBatch int           // Gaze predictions per POST
	BatchInterval   time.Duration // Pause between gaze batches
	PollInterval    time.Duration // Pause between state polls
	Fixations       int           // Fixation centres per respondent
	NoDetectionRate float64       // Share of frames reported without a face
	ResendEvery     int           // Resend every Nth batch to exercise dedupe; zero disables
	Seed            uint64        // Generator seed
	OutputDir       string        // Where heatmaps are written; empty skips writing
	Verbose         bool          // Enable verbose logging
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Respondents <= 0 {
		c.Respondents = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.SamplesPerBatch <= 0 {
		c.SamplesPerBatch = DefaultSamplesPerBatch
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Fixations <= 0 {
		c.Fixations = DefaultFixations
	}
}

// Session mirrors the session view returned by the API.
type Session struct {
	ID      string   `json:"id"`
	State   string   `json:"state"`
	Reason  string   `json:"reason"`
	Targets []Target `json:"targets"`
	Samples int      `json:"samples"`

	HeatmapName   string `json:"heatmap_name"`
	HeatmapStored bool   `json:"heatmap_stored"`
}

// Target mirrors one calibration target.
type Target struct {
	ID             int     `json:"id"`
	XPercent       float64 `json:"x_percent"`
	YPercent       float64 `json:"y_percent"`
	ClicksRequired int     `json:"clicks_required"`
	ClicksReceived int     `json:"clicks_received"`
	Visible        bool    `json:"visible"`
}

// Sample is one gaze prediction; nil encodes a frame without a detection.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

// GazeAck is the response to a gaze batch.
type GazeAck struct {
	Status    string `json:"status"`
	Accepted  int    `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

// Result is the outcome for one respondent.
type Result struct {
	SessionID     string
	State         string
	Reason        string
	Batches       int
	Duplicates    int
	Accepted      int
	Samples       int
	HeatmapBytes  int
	HeatmapWidth  int
	HeatmapHeight int
	Err           error

	heatmap []byte
}

// Stats holds run statistics.
type Stats struct {
	Sessions   int
	Completed  int
	Failed     int
	Errored    int
	Batches    int
	Duplicates int
	Accepted   int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
}
