package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Fetcher performs a single HTTP GET and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// MetadataSource fetches one page of the discovery feed.
type MetadataSource interface {
	FetchPage(ctx context.Context, query PageQuery) (PageResult, error)
}

// DocumentFetcher retrieves a single document, resolving challenges through sess.
type DocumentFetcher interface {
	Fetch(ctx context.Context, documentURL string, sess Session) ([]byte, error)
}

// DocumentStore persists downloaded documents for a security code.
type DocumentStore interface {
	Exists(code string, rec Record) (string, bool)
	Save(ctx context.Context, code string, rec Record, data []byte) Outcome
}

// Session is the cookie-bearing HTTP session shared by all requests of a run.
type Session interface {
	Jar() http.CookieJar
	Install(targetURL string, cookie VerificationCookie) error
	Solve(solve func() (VerificationCookie, error)) (VerificationCookie, error)
}

// Pacer spaces requests out; implementations must honor ctx.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RetryPolicy decides whether and when a transport failure is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// OutcomeRecorder persists outcomes, e.g. to a ledger used for manual retries.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, runID, code string, outcome Outcome) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
