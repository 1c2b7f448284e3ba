package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/ports/adapters/timestamps"
	"github.com/forPelevin/subsync/internal/types"
)

const waitTimeout = 2 * time.Second

type result struct {
	tr  types.Transcript
	err error
}

// scriptedSource answers Fetch calls from a script; the last entry repeats.
type scriptedSource struct {
	mu     sync.Mutex
	calls  int
	script []result
	hits   chan int
}

func newScripted(script ...result) *scriptedSource {
	return &scriptedSource{script: script, hits: make(chan int, 256)}
}

func (s *scriptedSource) Fetch(context.Context) (types.Transcript, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	i := n - 1
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	r := s.script[i]
	s.mu.Unlock()
	s.hits <- n
	return r.tr, r.err
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func notReady() result { return result{err: ports.ErrNotReady} }

func ready() result {
	return result{tr: types.Transcript{Segments: []types.Segment{{Words: []types.Word{
		{Word: "b", Start: 1, End: 1.5},
		{Word: "a", Start: 0, End: 0.5},
	}}}}}
}

func quietOptions(fc *clocktesting.FakeClock) Options {
	return Options{
		Interval:    time.Second,
		MaxAttempts: DefaultMaxAttempts,
		Clock:       fc,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func stepAndWait(t *testing.T, fc *clocktesting.FakeClock, hits <-chan int) int {
	t.Helper()
	fc.Step(time.Second)
	select {
	case n := <-hits:
		return n
	case <-time.After(waitTimeout):
		t.Fatalf("no fetch after advancing the clock")
		return 0
	}
}

func waitDone(t *testing.T, h *Handle) State {
	t.Helper()
	select {
	case <-h.Done():
		return h.State()
	case <-time.After(waitTimeout):
		t.Fatalf("acquisition did not finish, state=%+v", h.State())
		return State{}
	}
}

func expectNoFetch(t *testing.T, fc *clocktesting.FakeClock, hits <-chan int) {
	t.Helper()
	for i := 0; i < 3; i++ {
		fc.Step(time.Second)
	}
	select {
	case n := <-hits:
		t.Fatalf("unexpected fetch #%d after acquisition finished", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStart_ReadyAfterTwoNotReady(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := newScripted(notReady(), notReady(), ready())

	h := Start(context.Background(), src, quietOptions(fc))
	defer h.Cancel()

	for i := 1; i <= 3; i++ {
		if n := stepAndWait(t, fc, src.hits); n != i {
			t.Fatalf("fetch #%d reported as %d", i, n)
		}
	}
	st := waitDone(t, h)
	if st.Phase != PhaseReady {
		t.Fatalf("expected ready, got %v (%v)", st.Phase, st.Err)
	}
	if st.Attempts != 3 || h.Attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", st.Attempts)
	}
	if st.Prepared == nil || len(st.Prepared.Words) != 2 || st.Prepared.Words[0].Word != "a" {
		t.Fatalf("expected a prepared, sorted index: %+v", st.Prepared)
	}

	expectNoFetch(t, fc, src.hits)
	if got := src.Calls(); got != 3 {
		t.Fatalf("expected 3 fetches in total, got %d", got)
	}
}

func TestStart_TimesOutAfterBudget(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := newScripted(notReady())

	h := Start(context.Background(), src, quietOptions(fc))
	defer h.Cancel()

	for i := 0; i < DefaultMaxAttempts; i++ {
		stepAndWait(t, fc, src.hits)
	}
	st := waitDone(t, h)
	if st.Phase != PhaseFailed {
		t.Fatalf("expected failure, got %v", st.Phase)
	}
	if !errors.Is(st.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", st.Err)
	}
	if !strings.Contains(st.Message(), "60 seconds") {
		t.Fatalf("message should mention the wait: %q", st.Message())
	}

	expectNoFetch(t, fc, src.hits)
	if got := src.Calls(); got != DefaultMaxAttempts {
		t.Fatalf("expected exactly %d fetches, got %d", DefaultMaxAttempts, got)
	}
}

func TestStart_ServerErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	hits := make(chan int, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		http.Error(w, "transcription crashed", http.StatusInternalServerError)
		hits <- int(n)
	}))
	defer srv.Close()

	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	h := Start(context.Background(), timestamps.New(srv.URL), quietOptions(fc))
	defer h.Cancel()

	stepAndWait(t, fc, hits)
	st := waitDone(t, h)
	if st.Phase != PhaseFailed {
		t.Fatalf("expected failure, got %v", st.Phase)
	}
	if errors.Is(st.Err, ErrTimeout) {
		t.Fatalf("server error must not be reported as a timeout: %v", st.Err)
	}
	if !strings.Contains(st.Message(), "500") || !strings.Contains(st.Message(), "transcription crashed") {
		t.Fatalf("message should carry status and body: %q", st.Message())
	}

	expectNoFetch(t, fc, hits)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
}

func TestStart_TransportErrorIsTerminal(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := newScripted(result{err: errors.New("connection refused")})

	h := Start(context.Background(), src, quietOptions(fc))
	defer h.Cancel()

	stepAndWait(t, fc, src.hits)
	st := waitDone(t, h)
	if st.Phase != PhaseFailed || !strings.Contains(st.Message(), "connection refused") {
		t.Fatalf("unexpected state: %+v", st)
	}
	expectNoFetch(t, fc, src.hits)
}

func TestCancel_StopsPolling(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := newScripted(notReady())

	h := Start(context.Background(), src, quietOptions(fc))
	stepAndWait(t, fc, src.hits)
	h.Cancel()
	h.Cancel()

	st := waitDone(t, h)
	if st.Phase != PhaseCanceled {
		t.Fatalf("expected canceled, got %v", st.Phase)
	}
	expectNoFetch(t, fc, src.hits)
	if got := src.Calls(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestCancel_ParentContext(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := newScripted(notReady())
	ctx, cancel := context.WithCancel(context.Background())

	h := Start(ctx, src, quietOptions(fc))
	cancel()
	if st := waitDone(t, h); st.Phase != PhaseCanceled {
		t.Fatalf("expected canceled, got %v", st.Phase)
	}
	expectNoFetch(t, fc, src.hits)
}

// blockingSource holds every fetch until released and records how many
// fetches ran at the same time.
type blockingSource struct {
	release  chan struct{}
	hits     chan int
	inflight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (b *blockingSource) Fetch(ctx context.Context) (types.Transcript, error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	b.hits <- int(b.calls.Add(1))
	select {
	case <-b.release:
	case <-ctx.Done():
		return types.Transcript{}, ctx.Err()
	}
	return types.Transcript{}, ports.ErrNotReady
}

func TestStart_SlowFetchDoesNotOverlap(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	src := &blockingSource{release: make(chan struct{}), hits: make(chan int, 16)}

	h := Start(context.Background(), src, quietOptions(fc))
	defer h.Cancel()

	stepAndWait(t, fc, src.hits)
	for i := 0; i < 5; i++ {
		fc.Step(time.Second)
	}
	select {
	case n := <-src.hits:
		t.Fatalf("fetch #%d started while the first was in flight", n)
	case <-time.After(50 * time.Millisecond):
	}

	src.release <- struct{}{}
	select {
	case <-src.hits:
	case <-time.After(waitTimeout):
		t.Fatalf("expected the coalesced tick to trigger one more fetch")
	}
	if p := src.peak.Load(); p != 1 {
		t.Fatalf("expected at most one fetch in flight, saw %d", p)
	}
}

func TestPhaseString(t *testing.T) {
	tests := map[Phase]string{
		PhaseLoading:  "loading",
		PhaseReady:    "ready",
		PhaseFailed:   "error",
		PhaseCanceled: "canceled",
		Phase(9):      "phase(9)",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Fatalf("Phase(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}
