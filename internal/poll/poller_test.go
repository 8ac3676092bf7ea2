package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/provana/cascata/internal/api"
)

// scriptedSource returns running=true for the first n progress calls, then
// running=false. Report and agent fetches are counted.
type scriptedSource struct {
	mu            sync.Mutex
	runningTicks  int
	progressCalls int
	progressErrs  map[int]error // 1-based call index -> error
	reportCalls   int
	reportErrs    int // fail this many report calls before succeeding
	agentCalls    int
}

func (s *scriptedSource) GetProgress(ctx context.Context) (*api.CascadeProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCalls++
	if err := s.progressErrs[s.progressCalls]; err != nil {
		return nil, err
	}
	if s.progressCalls <= s.runningTicks {
		return &api.CascadeProgress{Running: true, Progress: float64(s.progressCalls * 10)}, nil
	}
	return &api.CascadeProgress{Running: false, Progress: 100}, nil
}

func (s *scriptedSource) GetReport(ctx context.Context) (api.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportCalls++
	if s.reportCalls <= s.reportErrs {
		return nil, errors.New("report not ready")
	}
	return api.Report(`{"report_id": "NCR-1"}`), nil
}

func (s *scriptedSource) ListAgents(ctx context.Context) ([]api.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentCalls++
	return []api.AgentInfo{{ID: "procurement-01"}}, nil
}

func (s *scriptedSource) counts() (progress, report, agents int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressCalls, s.reportCalls, s.agentCalls
}

// recordingSink records everything the poller installs.
type recordingSink struct {
	mu         sync.Mutex
	progress   []api.CascadeProgress
	report     api.Report
	agents     []api.AgentInfo
	ensures    int
	reportedCh chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{reportedCh: make(chan struct{}, 1)}
}

func (r *recordingSink) SetProgress(p api.CascadeProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingSink) SetReport(rep api.Report) {
	r.mu.Lock()
	r.report = rep
	r.mu.Unlock()
	select {
	case r.reportedCh <- struct{}{}:
	default:
	}
}

func (r *recordingSink) SetAgents(agents []api.AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = agents
}

func (r *recordingSink) EnsureStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensures++
}

func (r *recordingSink) waitReport(t *testing.T) {
	t.Helper()
	select {
	case <-r.reportedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SetReport")
	}
}

func TestPollerTerminatesOnCompletion(t *testing.T) {
	source := &scriptedSource{runningTicks: 3}
	sink := newRecordingSink()
	poller := New(source, sink,
		WithInterval(5*time.Millisecond),
		WithReportRetryDelay(5*time.Millisecond))

	poller.Start(context.Background())
	sink.waitReport(t)

	// The loop must be gone: no further progress polls after completion.
	progressBefore, _, _ := source.counts()
	time.Sleep(50 * time.Millisecond)
	progressAfter, reportCalls, agentCalls := source.counts()

	if progressAfter != progressBefore {
		t.Errorf("progress polls continued after completion: %d -> %d", progressBefore, progressAfter)
	}
	if progressAfter != 4 {
		t.Errorf("progress polls = %d, want 4 (3 running + 1 terminal)", progressAfter)
	}
	if reportCalls != 1 {
		t.Errorf("report fetches = %d, want exactly 1", reportCalls)
	}
	if agentCalls != 1 {
		t.Errorf("agent fetches = %d, want 1", agentCalls)
	}
	if poller.Active() {
		t.Error("poller still active after completion")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) != 4 {
		t.Errorf("SetProgress calls = %d, want 4", len(sink.progress))
	}
	if sink.progress[len(sink.progress)-1].Running {
		t.Error("final installed progress still running")
	}
	if sink.ensures != 3 {
		t.Errorf("EnsureStream calls = %d, want 3 (one per running tick)", sink.ensures)
	}
	if len(sink.agents) != 1 {
		t.Errorf("agents = %+v, want 1 entry", sink.agents)
	}
}

func TestPollerSwallowsTransientErrors(t *testing.T) {
	source := &scriptedSource{
		runningTicks: 3,
		progressErrs: map[int]error{2: errors.New("connection refused")},
	}
	sink := newRecordingSink()
	poller := New(source, sink,
		WithInterval(5*time.Millisecond),
		WithReportRetryDelay(5*time.Millisecond))

	poller.Start(context.Background())
	sink.waitReport(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// The failed tick installed nothing but did not kill the loop: two
	// running installs, then the terminal one.
	if len(sink.progress) != 3 {
		t.Errorf("SetProgress calls = %d, want 3", len(sink.progress))
	}
	if sink.progress[len(sink.progress)-1].Running {
		t.Error("final installed progress still running")
	}
}

func TestPollerRetriesReportOnce(t *testing.T) {
	source := &scriptedSource{runningTicks: 1, reportErrs: 1}
	sink := newRecordingSink()
	poller := New(source, sink,
		WithInterval(5*time.Millisecond),
		WithReportRetryDelay(5*time.Millisecond))

	poller.Start(context.Background())
	sink.waitReport(t)

	_, reportCalls, _ := source.counts()
	if reportCalls != 2 {
		t.Errorf("report fetches = %d, want 2 (initial + one retry)", reportCalls)
	}
}

func TestPollerGivesUpAfterRetry(t *testing.T) {
	source := &scriptedSource{runningTicks: 1, reportErrs: 10}
	sink := newRecordingSink()
	poller := New(source, sink,
		WithInterval(5*time.Millisecond),
		WithReportRetryDelay(5*time.Millisecond))

	poller.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for poller.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if poller.Active() {
		t.Fatal("poller did not terminate")
	}

	_, reportCalls, agentCalls := source.counts()
	if reportCalls != 2 {
		t.Errorf("report fetches = %d, want 2", reportCalls)
	}
	if agentCalls != 0 {
		t.Errorf("agent fetches = %d, want 0 after giving up", agentCalls)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.report != nil {
		t.Error("SetReport was called despite fetch failures")
	}
}

func TestStartStopsPreviousLoop(t *testing.T) {
	source := &scriptedSource{runningTicks: 1000}
	sink := newRecordingSink()
	poller := New(source, sink, WithInterval(5*time.Millisecond))

	ctx := context.Background()
	poller.Start(ctx)
	poller.Start(ctx)
	defer poller.Stop()

	if !poller.Active() {
		t.Fatal("poller not active after Start")
	}

	// With two concurrent loops the poll count would roughly double.
	time.Sleep(60 * time.Millisecond)
	progress, _, _ := source.counts()
	if progress > 16 {
		t.Errorf("progress polls = %d, looks like two concurrent loops", progress)
	}
}

func TestStopIsSafeWhenIdle(t *testing.T) {
	poller := New(&scriptedSource{}, newRecordingSink())
	poller.Stop()
	poller.Stop()
	if poller.Active() {
		t.Error("idle poller reports active")
	}
}
