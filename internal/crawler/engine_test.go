package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	total   int
	perPage int
	fail    map[int]error
	queries []PageQuery
}

func (s *fakeSource) FetchPage(_ context.Context, q PageQuery) (PageResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if err := s.fail[q.PageNumber]; err != nil {
		return PageResult{}, err
	}
	recs := make([]Record, 0, s.perPage)
	for i := 0; i < s.perPage; i++ {
		recs = append(recs, Record{
			DocumentURL:  fmt.Sprintf("https://static.sse.com.cn/p%d/%d.pdf", q.PageNumber, i),
			Title:        fmt.Sprintf("T%d-%d", q.PageNumber, i),
			Date:         "2024-01-01",
			BulletinType: "X",
		})
	}
	return PageResult{PageNumber: q.PageNumber, TotalPages: s.total, Records: recs}, nil
}

func (s *fakeSource) pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q.PageNumber)
	}
	return out
}

type fakeDocuments struct {
	fail     map[string]error
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (d *fakeDocuments) Fetch(ctx context.Context, url string, sess Session) ([]byte, error) {
	d.calls.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if sess == nil {
		return nil, errors.New("no session")
	}
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch: %w", ctx.Err())
		case <-time.After(d.delay):
		}
	}
	if err := d.fail[url]; err != nil {
		return nil, err
	}
	return []byte("%PDF " + url), nil
}

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore { return &memStore{files: map[string][]byte{}} }

func (s *memStore) key(code string, rec Record) string { return code + "/" + rec.Date + "_" + rec.Title + ".pdf" }

func (s *memStore) Exists(code string, rec Record) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(code, rec)
	_, ok := s.files[k]
	return k, ok
}

func (s *memStore) Save(_ context.Context, code string, rec Record, data []byte) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(code, rec)
	if _, ok := s.files[k]; ok {
		return Skipped(rec, k)
	}
	s.files[k] = data
	return Outcome{Record: rec, Status: StatusSucceeded, SizeBytes: int64(len(data)), Path: k}
}

type fakeSession struct{ jar *cookiejar.Jar }

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &fakeSession{jar: jar}
}

func (s *fakeSession) Jar() http.CookieJar { return s.jar }
func (s *fakeSession) Install(string, VerificationCookie) error { return nil }
func (s *fakeSession) Solve(fn func() (VerificationCookie, error)) (VerificationCookie, error) {
	return fn()
}

type countingPacer struct{ waits atomic.Int32 }

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits.Add(1)
	return ctx.Err()
}

type blockingPacer struct{}

func (blockingPacer) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, payload any) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

type recordingRecorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRecorder) RecordOutcome(_ context.Context, runID, _ string, _ Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
	return nil
}

type recordingMirror struct {
	mu    sync.Mutex
	names []string
}

func (m *recordingMirror) PutObject(_ context.Context, name, contentType string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name+"|"+contentType)
	return "gs://bucket/" + name, nil
}

func newTestEngine(t *testing.T, cfg EngineConfig, deps Deps) *Engine {
	t.Helper()
	if deps.Store == nil {
		deps.Store = newMemStore()
	}
	if deps.Session == nil {
		deps.Session = newFakeSession(t)
	}
	if deps.Documents == nil {
		deps.Documents = &fakeDocuments{}
	}
	deps.IDs = fixedIDs{}
	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	return e
}

func mustPages(t *testing.T, start, end int) Range {
	t.Helper()
	r, err := PageRange(start, end)
	require.NoError(t, err)
	return r
}

func TestRunBoundsPagesByTotal(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 4, perPage: 2}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 2, 10))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, src.pages())
	assert.Equal(t, []int{2, 3, 4}, rep.PagesProcessed)
	assert.Equal(t, 4, rep.TotalPages)
	assert.Equal(t, 6, rep.Counts().Succeeded)
	assert.Equal(t, ExitOK, rep.ExitCode())
	assert.Equal(t, "run-1", rep.RunID)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestRunReusesDiscoveryPage(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 3, perPage: 1}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, src.pages())
	assert.Equal(t, []int{1, 2, 3}, rep.PagesProcessed)
	assert.Len(t, rep.Outcomes, 3)
}

func TestRunStopsAtRequestedEnd(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 9, perPage: 1}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rep.PagesProcessed)
}

func TestRunToleratesPageFailures(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 3, perPage: 1, fail: map[int]error{
		2: Errorf(KindParseFailure, "decode", "bad json"),
	}}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, rep.PagesProcessed)
	require.Len(t, rep.PageFailures, 1)
	assert.Equal(t, PageFailure{Page: 2, Kind: KindParseFailure, Reason: "decode: parse_failure: bad json"}, rep.PageFailures[0])
	assert.Equal(t, ExitWithFailures, rep.ExitCode())
}

func TestRunAbortsWhenDiscoveryFails(t *testing.T) {
	t.Parallel()

	src := &fakeSource{fail: map[int]error{1: Errorf(KindSchemaChanged, "decode", "pageCount missing")}}
	docs := &fakeDocuments{}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src, Documents: docs})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Equal(t, KindSchemaChanged, KindOf(err))
	assert.True(t, rep.Aborted)
	assert.Equal(t, ExitAborted, rep.ExitCode())
	assert.Empty(t, rep.Outcomes)
	assert.Zero(t, docs.calls.Load())
}

func TestRunRejectsInvalidSecurityCode(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})

	for _, code := range []string{"123", "60051", "60051a"} {
		rep, err := e.Run(context.Background(), code, mustPages(t, 1, 0))
		require.Error(t, err, code)
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Equal(t, ExitAborted, rep.ExitCode())
	}
	assert.Empty(t, src.pages())
}

func TestRunRecordsDocumentFailuresAndContinues(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1, perPage: 3}
	docs := &fakeDocuments{fail: map[string]error{
		"https://static.sse.com.cn/p1/1.pdf": Errorf(KindChallengeUnsolved, "solve", "no token"),
	}}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src, Documents: docs})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	counts := rep.Counts()
	assert.Equal(t, 2, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, ExitWithFailures, rep.ExitCode())

	var failed Outcome
	for _, o := range rep.Outcomes {
		if o.Status == StatusFailed {
			failed = o
		}
	}
	assert.Equal(t, KindChallengeUnsolved, failed.Kind)
	assert.Equal(t, "T1-1", failed.Record.Title)
	assert.False(t, failed.FinishedAt.IsZero())
}

func TestRunSkipsExistingWithoutFetching(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1, perPage: 2}
	store := newMemStore()
	docs := &fakeDocuments{}
	docPacer := &countingPacer{}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src, Documents: docs, Store: store, DocPacer: docPacer})

	first, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Counts().Succeeded)
	assert.Equal(t, int32(2), docs.calls.Load())
	assert.Equal(t, int32(1), docPacer.waits.Load())

	second, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Counts().Skipped)
	assert.Equal(t, int32(2), docs.calls.Load(), "existing documents are not fetched again")
	assert.Equal(t, int32(1), docPacer.waits.Load(), "skips are not paced")
	assert.Equal(t, ExitOK, second.ExitCode())
}

func TestRunPacesPages(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 3, perPage: 0}
	pagePacer := &countingPacer{}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src, PagePacer: pagePacer})

	_, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(2), pagePacer.waits.Load())
}

func TestRunDateRangePassesDates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 2, perPage: 0}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})
	r, err := DateRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)

	rep, err := e.Run(context.Background(), "600519", r)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rep.PagesProcessed)
	for _, q := range src.queries {
		assert.Equal(t, "2024-01-01", q.StartDate)
		assert.Equal(t, "2024-01-31", q.EndDate)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1, perPage: 12}
	docs := &fakeDocuments{delay: 20 * time.Millisecond}
	e := newTestEngine(t, EngineConfig{DownloadWorkers: 3}, Deps{Source: src, Documents: docs})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Counts().Succeeded)
	assert.LessOrEqual(t, docs.maxSeen.Load(), int32(3))
	assert.GreaterOrEqual(t, docs.maxSeen.Load(), int32(2))
}

func TestRunDeadlineReturnsPartialReport(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 5, perPage: 1}
	e := newTestEngine(t, EngineConfig{RunTimeout: 50 * time.Millisecond}, Deps{Source: src, PagePacer: blockingPacer{}})

	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)
	assert.True(t, rep.Aborted)
	assert.Equal(t, "run deadline exceeded", rep.AbortReason)
	assert.Equal(t, []int{1}, rep.PagesProcessed)
	assert.Len(t, rep.Outcomes, 1)
	assert.Equal(t, ExitWithFailures, rep.ExitCode())
}

func TestRunInvokesHooks(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1, perPage: 2}
	recorder := &recordingRecorder{}
	mirror := &recordingMirror{}
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev OutcomeEvent) bool {
		return ev.RunID == "run-1" && ev.SecurityCode == "600519" && ev.Outcome.MirrorURI != ""
	})).Return("msg-1", nil).Twice()

	e := newTestEngine(t, EngineConfig{}, Deps{Source: src, Recorder: recorder, Mirror: mirror, Publisher: pub})
	rep, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"run-1", "run-1"}, recorder.runs)
	assert.Len(t, mirror.names, 2)
	assert.Contains(t, mirror.names[0], "|application/pdf")
	for _, o := range rep.Outcomes {
		assert.Contains(t, o.MirrorURI, "gs://bucket/600519/")
	}
	pub.AssertExpectations(t)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	src := &fakeSource{total: 1, perPage: 1}
	e := newTestEngine(t, EngineConfig{}, Deps{Source: src})
	_, err := e.Run(context.Background(), "600519", mustPages(t, 1, 0))
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Outcomes, 1)
	snap.Outcomes[0].Status = StatusFailed
	assert.Equal(t, StatusSucceeded, e.Snapshot().Outcomes[0].Status)
}

func TestNewEngineRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineConfig{}, Deps{})
	require.Error(t, err)
}
