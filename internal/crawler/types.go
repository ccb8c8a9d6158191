package crawler

import (
	"net/http"
	"sort"
	"time"
)

// DefaultBulletinType labels records whose feed entry carries no type name.
const DefaultBulletinType = "其他公告"

// Record describes one disclosed bulletin document as listed by the discovery feed.
type Record struct {
	DocumentURL  string `json:"document_url"`
	Title        string `json:"title"`
	Date         string `json:"date"`
	BulletinType string `json:"bulletin_type"`
}

// PageResult is one parsed page of the discovery feed.
type PageResult struct {
	PageNumber int
	TotalPages int
	Records    []Record
}

// PageQuery captures the parameters of a single discovery request.
type PageQuery struct {
	SecurityCode string
	PageNumber   int
	StartDate    string
	EndDate      string
}

// VerificationCookie is the credential derived from a challenge token.
type VerificationCookie struct {
	Name   string
	Value  string
	Domain string
}

// OutcomeStatus is the terminal state of one attempted record.
type OutcomeStatus string

// Outcome status values.
const (
	StatusSkipped   OutcomeStatus = "skipped"
	StatusSucceeded OutcomeStatus = "succeeded"
	StatusFailed    OutcomeStatus = "failed"
)

// Outcome is the result of attempting one record. It is never mutated after creation.
type Outcome struct {
	Record     Record        `json:"record"`
	Status     OutcomeStatus `json:"status"`
	SizeBytes  int64         `json:"size_bytes"`
	Kind       ErrorKind     `json:"kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Path       string        `json:"path,omitempty"`
	SHA256     string        `json:"sha256,omitempty"`
	MirrorURI  string        `json:"mirror_uri,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Skipped builds an outcome for a record already present on disk.
func Skipped(rec Record, path string) Outcome {
	return Outcome{Record: rec, Status: StatusSkipped, Path: path}
}

// Failed builds a failed outcome from err, classifying it by kind.
func Failed(rec Record, err error) Outcome {
	out := Outcome{Record: rec, Status: StatusFailed, Kind: KindOf(err)}
	if err != nil {
		out.Reason = err.Error()
	}
	return out
}

// PageFailure records a discovery page that could not be processed.
type PageFailure struct {
	Page   int       `json:"page"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// Report aggregates everything that happened during one crawl run.
type Report struct {
	RunID          string        `json:"run_id"`
	SecurityCode   string        `json:"security_code"`
	Range          Range         `json:"range"`
	TotalPages     int           `json:"total_pages"`
	PagesProcessed []int         `json:"pages_processed"`
	PageFailures   []PageFailure `json:"page_failures,omitempty"`
	Outcomes       []Outcome     `json:"outcomes"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
	Aborted        bool          `json:"aborted"`
	AbortReason    string        `json:"abort_reason,omitempty"`
}

// Counts tallies outcomes by status.
type Counts struct {
	Skipped   int   `json:"skipped"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Bytes     int64 `json:"bytes"`
}

// Counts summarizes the report's outcomes.
func (r Report) Counts() Counts {
	var c Counts
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSkipped:
			c.Skipped++
		case StatusSucceeded:
			c.Succeeded++
			c.Bytes += o.SizeBytes
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// HasFailures reports whether any page or document failed.
func (r Report) HasFailures() bool {
	return len(r.PageFailures) > 0 || r.Counts().Failed > 0
}

// BulletinTypes lists the distinct bulletin types seen in the run, sorted.
func (r Report) BulletinTypes() []string {
	seen := make(map[string]struct{})
	for _, o := range r.Outcomes {
		seen[o.Record.BulletinType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Exit codes distinguishing the ways a run can end.
const (
	ExitOK           = 0
	ExitAborted      = 1
	ExitWithFailures = 2
)

// ExitCode maps the report onto a process exit status.
func (r Report) ExitCode() int {
	switch {
	case r.Aborted && r.TotalPages == 0:
		return ExitAborted
	case r.Aborted || r.HasFailures():
		return ExitWithFailures
	default:
		return ExitOK
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}
