package ingest

import (
	"fmt"
	"time"
)

// State is the terminal state of one run.
type State string

// Terminal states.
const (
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Stage names the step a run failed in.
type Stage string

// Run stages, in order.
const (
	StageLoad    Stage = "load"
	StageCrawl   Stage = "crawl"
	StageParse   Stage = "parse"
	StageDeliver Stage = "deliver"
	StageCommit  Stage = "commit"
)

// SyncError reports an aborted run. The watermark for Root is unchanged.
type SyncError struct {
	Root  string
	Stage Stage
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Root, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Result summarizes one run.
type Result struct {
	RunID string `json:"run_id"`
	Root  string `json:"root"`
	State State  `json:"state"`
	// Threshold is nil when the root had no stored mark.
	Threshold *time.Time `json:"threshold,omitempty"`
	// Watermark is the committed mark; zero for aborted runs.
	Watermark  time.Time `json:"watermark"`
	Discovered int       `json:"discovered"`
	Skipped    int       `json:"skipped"`
	Ingested   int       `json:"ingested"`
	Malformed  int       `json:"malformed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// IngestEvent is published once per delivered slide.
type IngestEvent struct {
	RunID       string            `json:"run_id"`
	Root        string            `json:"root"`
	URL         string            `json:"url"`
	ModTime     time.Time         `json:"modified_time"`
	Barcode     string            `json:"barcode"`
	SlideType   string            `json:"slide_type"`
	GroupKey    string            `json:"group_key"`
	ItemKey     string            `json:"item_key"`
	ContainerID string            `json:"container_id"`
	RecordID    string            `json:"record_id"`
	Metadata    map[string]string `json:"metadata"`
	IngestedAt  time.Time         `json:"ingested_at"`
}
