package models

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Job represents a single end-to-end transcription request.
type Job struct {
	ID         string     `json:"job_id" gorm:"primaryKey;type:varchar(10)"`
	SourceKind SourceKind `json:"source_kind" gorm:"type:varchar(10);not null"`
	SourceRef  string     `json:"source_ref" gorm:"type:text"`
	WebhookURL string     `json:"webhook_url,omitempty" gorm:"type:text"`

	Status   JobStatus `json:"status" gorm:"type:varchar(20);not null;default:'queued';index"`
	Stage    string    `json:"stage" gorm:"type:varchar(30);not null;default:'queued'"`
	Progress int       `json:"progress" gorm:"type:int;not null;default:0"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"index"`

	Error JobError `json:"-" gorm:"embedded;embeddedPrefix:error_"`

	DurationSeconds *float64 `json:"duration_seconds,omitempty" gorm:"type:real"`

	// Language is the decode language; empty selects the server
	// default (Japanese). Translate constrains decoding to English
	// output. Both are set only by the compatible surface.
	Language  string `json:"-" gorm:"type:varchar(10)"`
	Translate bool   `json:"-" gorm:"type:boolean;default:false"`

	// Temperature overrides the tuned decoder temperature when set.
	Temperature *float64 `json:"-" gorm:"type:real"`

	// ResultFormats is a comma-joined list of produced artifact formats.
	ResultFormats string `json:"-" gorm:"type:text"`
}

// JobStatus is one node in the pipeline DAG.
type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusDownloading  JobStatus = "downloading"
	StatusExtracting   JobStatus = "extracting"
	StatusTranscribing JobStatus = "transcribing"
	StatusFormatting   JobStatus = "formatting"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
)

// SourceKind identifies where the input media came from.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceUpload SourceKind = "upload"
)

// JobError is the classified failure attached to a failed job.
type JobError struct {
	Type    string `json:"type" gorm:"type:varchar(40)"`
	Message string `json:"message" gorm:"type:text"`
	Details string `json:"details,omitempty" gorm:"type:text"`
}

// Error taxonomy. Stage failures carry a short operator message plus a
// longer details blob when the underlying tool produced one.
const (
	ErrValidation        = "validation_error"
	ErrDuplicateID       = "duplicate_id"
	ErrPayloadTooLarge   = "payload_too_large"
	ErrQueueFull         = "queue_full"
	ErrNotFound          = "not_found"
	ErrIllegalTransition = "illegal_transition"
	ErrDownload          = "download_error"
	ErrExtract           = "extract_error"
	ErrTranscription     = "transcription_error"
	ErrFormat            = "format_error"
	ErrModelUnavailable  = "model_unavailable"
	ErrTimeout           = "timeout"
	ErrStaleStorage      = "stale_storage"
	ErrInternal          = "internal_error"
)

// Output artifact formats, in the order they are produced and advertised.
const (
	FormatJSON = "json"
	FormatTXT  = "txt"
	FormatSRT  = "srt"
	FormatVTT  = "vtt"
	FormatMD   = "md"
)

// AllFormats lists every artifact format the formatter produces.
func AllFormats() []string {
	return []string{FormatJSON, FormatTXT, FormatSRT, FormatVTT, FormatMD}
}

// transitions maps each status to the statuses reachable from it.
// failed is reachable from every non-terminal node; there are no
// backward edges.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:       {StatusDownloading, StatusFailed},
	StatusDownloading:  {StatusExtracting, StatusFailed},
	StatusExtracting:   {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusFormatting, StatusFailed},
	StatusFormatting:   {StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {},
}

// CanTransition reports whether moving from to next is a legal edge in
// the status DAG. Staying on the same non-terminal status is allowed so
// progress can be bumped within a stage.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorInfo returns the classified failure, or nil when the job has
// not failed.
func (j *Job) ErrorInfo() *JobError {
	if j.Error.Type == "" {
		return nil
	}
	e := j.Error
	return &e
}

// Formats returns the produced artifact formats as a slice.
func (j *Job) Formats() []string {
	if j.ResultFormats == "" {
		return nil
	}
	return strings.Split(j.ResultFormats, ",")
}

// SetFormats stores the produced artifact formats.
func (j *Job) SetFormats(formats []string) {
	j.ResultFormats = strings.Join(formats, ",")
}

// HasFormat reports whether the given artifact format was produced.
func (j *Job) HasFormat(format string) bool {
	for _, f := range j.Formats() {
		if f == format {
			return true
		}
	}
	return false
}

const jobIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewJobID generates an id of the form JOB- followed by 6 uniformly
// random uppercase alphanumerics. It does not check for collisions;
// admission retries with a fresh id when one is already taken.
func NewJobID() (string, error) {
	// Rejection sampling keeps the alphabet selection unbiased.
	const limit = 252 // largest multiple of len(jobIDAlphabet) below 256
	id := make([]byte, 0, 6)
	buf := make([]byte, 1)
	for len(id) < 6 {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate job id: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		id = append(id, jobIDAlphabet[int(buf[0])%len(jobIDAlphabet)])
	}
	return "JOB-" + string(id), nil
}
