// Package state holds the cascade store: the single owner of cascade state
// within one execution context. It composes the snapshot client, the stream
// client and the persistence substrate, bounds the live event buffer,
// persists every transition, and converges with other contexts through
// substrate change notifications.
package state

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/provana/cascata/internal/api"
	"github.com/provana/cascata/internal/persist"
	"github.com/provana/cascata/internal/poll"
)

const (
	// DefaultCapacity bounds the live event buffer. When an append would
	// exceed it, the oldest entries are dropped.
	DefaultCapacity = 120

	defaultPersistDelay = 50 * time.Millisecond
)

// Remote is the request/response surface of the cascade backend the store
// depends on. api.Client satisfies it.
type Remote interface {
	TriggerCascade(ctx context.Context, req *api.TriggerRequest) (*api.TriggerResponse, error)
	poll.Source
}

// StreamDialer opens one push connection and reports its lifecycle.
// stream.Client satisfies it.
type StreamDialer interface {
	Connect(ctx context.Context, onEvent func(api.LiveEvent), onDown func(error)) (io.Closer, error)
}

// TriggerError is the one failure class the store surfaces: the start call
// itself failed. Infrastructure noise after a successful start is absorbed.
type TriggerError struct {
	Err error
}

func (e *TriggerError) Error() string { return "trigger cascade: " + e.Err.Error() }
func (e *TriggerError) Unwrap() error { return e.Err }

// Phase is the derived cascade lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
)

// View is a consistent read of store state handed to consumers.
type View struct {
	Phase     Phase
	Progress  api.CascadeProgress
	Report    api.Report
	Messages  []api.LiveEvent
	Controls  persist.Controls
	Agents    []api.AgentInfo
	Connected bool
}

// ControlsPatch shallow-merges into the stored controls; nil fields are
// left untouched.
type ControlsPatch struct {
	ProductID           *string
	Quantity            *int
	BudgetEUR           *float64
	DesiredDeliveryDate *string
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCapacity overrides the event buffer capacity.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithPollInterval sets the progress poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		s.pollInterval = d
	}
}

// WithReportRetryDelay sets the delay before the terminal report fetch is
// retried.
func WithReportRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.reportRetryDelay = d
	}
}

// WithPersistDelay sets the debounce window for substrate writes.
func WithPersistDelay(d time.Duration) Option {
	return func(s *Store) {
		s.persistDelay = d
	}
}

// Store is the synchronization core. All mutation flows through its
// operations; no other component writes cascade state directly.
type Store struct {
	remote    Remote
	dialer    StreamDialer
	substrate persist.Substrate
	poller    *poll.Poller
	logger    *slog.Logger

	capacity         int
	pollInterval     time.Duration
	reportRetryDelay time.Duration
	persistDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	progress     api.CascadeProgress
	report       api.Report
	messages     []api.LiveEvent
	controls     persist.Controls
	agents       []api.AgentInfo
	connected    bool
	conn         io.Closer
	gen          uint64 // connection generation; stale callbacks are ignored
	persistTimer *time.Timer
	subs         map[int]func(View)
	nextSub      int

	stopWatch func()
}

// New builds a store, rehydrating from the substrate if a snapshot exists
// and subscribing to externally-originated changes. Call Start to resume a
// still-running cascade, and Close to tear everything down.
func New(remote Remote, dialer StreamDialer, substrate persist.Substrate, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		remote:       remote,
		dialer:       dialer,
		substrate:    substrate,
		logger:       slog.Default(),
		capacity:     DefaultCapacity,
		persistDelay: defaultPersistDelay,
		ctx:          ctx,
		cancel:       cancel,
		controls:     persist.Controls{Quantity: 1, BudgetEUR: 500000},
		subs:         make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(s)
	}

	pollOpts := []poll.Option{poll.WithLogger(s.logger)}
	if s.pollInterval > 0 {
		pollOpts = append(pollOpts, poll.WithInterval(s.pollInterval))
	}
	if s.reportRetryDelay > 0 {
		pollOpts = append(pollOpts, poll.WithReportRetryDelay(s.reportRetryDelay))
	}
	s.poller = poll.New(remote, s, pollOpts...)

	if snap := substrate.Read(); snap != nil {
		normalize(snap)
		s.progress = snap.Progress
		s.report = snap.Report
		s.messages = append([]api.LiveEvent(nil), snap.Messages...)
		s.controls = snap.Controls
	}

	s.stopWatch = substrate.Watch(s.adoptExternal)

	return s
}

// Start resumes mirroring a cascade that the rehydrated snapshot reports as
// still running. A no-op otherwise.
func (s *Store) Start() {
	s.mu.Lock()
	running := s.progress.Running
	s.mu.Unlock()

	if running {
		s.connectStream()
		s.poller.Start(s.ctx)
	}
}

// Close stops the watcher, the poller and the stream, and flushes any
// pending substrate write.
func (s *Store) Close() error {
	s.cancel()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.poller.Stop()

	s.mu.Lock()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.connected = false
	pending := s.persistTimer != nil
	if pending {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if pending {
		s.substrate.Write(snap)
	}
	return nil
}

// Trigger starts a new cascade run: prior report and messages are cleared,
// the start call is issued, and on success the store enters running,
// opens the stream and starts the poller. On failure state reverts to idle
// and the error is surfaced as a TriggerError.
func (s *Store) Trigger(ctx context.Context, req api.TriggerRequest) error {
	// A re-trigger must not leave a second polling loop behind.
	s.poller.Stop()

	s.mu.Lock()
	s.report = nil
	s.messages = nil
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)

	if _, err := s.remote.TriggerCascade(ctx, &req); err != nil {
		s.mu.Lock()
		s.progress = api.CascadeProgress{}
		s.persistSoonLocked()
		view, subs = s.viewLocked()
		s.mu.Unlock()
		fanout(view, subs)
		return &TriggerError{Err: err}
	}

	s.mu.Lock()
	s.progress = api.CascadeProgress{Running: true, Progress: 0}
	s.persistSoonLocked()
	view, subs = s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)

	s.connectStream()
	s.poller.Start(s.ctx)
	return nil
}

// AppendEvent inserts evt at the end of the bounded buffer, evicting the
// oldest entries beyond capacity. Events whose message_id is already in the
// buffer are dropped; a resumed stream may replay delivered events.
func (s *Store) AppendEvent(evt api.LiveEvent) {
	s.mu.Lock()
	if evt.MessageID != "" {
		for _, m := range s.messages {
			if m.MessageID == evt.MessageID {
				s.mu.Unlock()
				return
			}
		}
	}

	s.messages = append(s.messages, evt)
	if over := len(s.messages) - s.capacity; over > 0 {
		copy(s.messages, s.messages[over:])
		s.messages = s.messages[:len(s.messages)-over]
	}
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// ClearMessages empties the event buffer.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// SetControls shallow-merges the patch into the stored controls.
func (s *Store) SetControls(patch ControlsPatch) {
	s.mu.Lock()
	if patch.ProductID != nil {
		s.controls.ProductID = *patch.ProductID
	}
	if patch.Quantity != nil {
		s.controls.Quantity = *patch.Quantity
	}
	if patch.BudgetEUR != nil {
		s.controls.BudgetEUR = *patch.BudgetEUR
	}
	if patch.DesiredDeliveryDate != nil {
		s.controls.DesiredDeliveryDate = *patch.DesiredDeliveryDate
	}
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// SetProgress installs a pulled progress snapshot.
func (s *Store) SetProgress(p api.CascadeProgress) {
	s.mu.Lock()
	s.progress = p
	if p.Running {
		// A report only exists for a completed cascade.
		s.report = nil
	}
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// SetReport installs the final report and marks the cascade completed.
func (s *Store) SetReport(r api.Report) {
	s.mu.Lock()
	s.report = r
	s.progress.Running = false
	s.persistSoonLocked()
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// SetAgents refreshes the in-memory agent directory. Not persisted; the
// read model is re-fetched on the next completion.
func (s *Store) SetAgents(agents []api.AgentInfo) {
	s.mu.Lock()
	s.agents = agents
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

// EnsureStream reopens the push connection if the cascade is running and
// the connection has dropped. Called by the poller on every tick.
func (s *Store) EnsureStream() {
	s.mu.Lock()
	need := s.progress.Running && !s.connected
	s.mu.Unlock()

	if need {
		s.connectStream()
	}
}

// Connected reports whether a stream connection is currently open.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// View returns a consistent copy of the current state.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOnlyLocked()
}

// Subscribe registers fn to be called after every state change. The
// returned cancel function is idempotent.
func (s *Store) Subscribe(fn func(View)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Flush forces any pending substrate write out immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.substrate.Write(snap)
}

// adoptExternal merges a snapshot written by another execution context:
// whole-snapshot last-writer-wins, per the substrate's eventual-consistency
// contract. The adopted snapshot is not written back, so contexts never
// echo each other.
func (s *Store) adoptExternal(snap *persist.Snapshot) {
	normalize(snap)

	s.mu.Lock()
	if s.equalLocked(snap) {
		s.mu.Unlock()
		return
	}
	s.progress = snap.Progress
	s.report = snap.Report
	s.messages = append([]api.LiveEvent(nil), snap.Messages...)
	s.controls = snap.Controls
	resume := s.progress.Running
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)

	// Another tab started a cascade; this context mirrors it too.
	if resume && !s.poller.Active() {
		s.poller.Start(s.ctx)
	}
}

func (s *Store) connectStream() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	prior := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	conn, err := s.dialer.Connect(s.ctx, s.AppendEvent, func(cause error) {
		s.onStreamDown(gen, cause)
	})
	if err != nil {
		// Absorbed: the poller retries while the cascade stays running.
		s.logger.Debug("stream connect failed", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		// Superseded while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	view, subs := s.viewLocked()
	s.mu.Unlock()
	fanout(view, subs)
}

func (s *Store) onStreamDown(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		s.logger.Debug("stream connection lost", slog.String("error", cause.Error()))
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	view, subs := s.viewLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	fanout(view, subs)
}

// persistSoonLocked schedules a trailing-edge substrate write. Writes are
// debounced, but the write that fires always carries the latest state, so
// any read after it reflects every prior mutation.
func (s *Store) persistSoonLocked() {
	if s.persistTimer != nil {
		return
	}
	delay := s.persistDelay
	if delay < 0 {
		delay = 0
	}
	s.persistTimer = time.AfterFunc(delay, s.flushPersist)
}

func (s *Store) flushPersist() {
	s.mu.Lock()
	s.persistTimer = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.substrate.Write(snap)
}

func (s *Store) snapshotLocked() *persist.Snapshot {
	return &persist.Snapshot{
		Progress: s.progress,
		Report:   s.report,
		Messages: append([]api.LiveEvent(nil), s.messages...),
		Controls: s.controls,
	}
}

func (s *Store) equalLocked(snap *persist.Snapshot) bool {
	cur, err1 := persist.Encode(s.snapshotLocked())
	in, err2 := persist.Encode(snap)
	return err1 == nil && err2 == nil && bytes.Equal(cur, in)
}

func (s *Store) viewOnlyLocked() View {
	return View{
		Phase:     phaseOf(s.progress, s.report),
		Progress:  s.progress,
		Report:    s.report,
		Messages:  append([]api.LiveEvent(nil), s.messages...),
		Controls:  s.controls,
		Agents:    append([]api.AgentInfo(nil), s.agents...),
		Connected: s.connected,
	}
}

func (s *Store) viewLocked() (View, []func(View)) {
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return s.viewOnlyLocked(), subs
}

func fanout(view View, subs []func(View)) {
	for _, fn := range subs {
		fn(view)
	}
}

// normalize enforces the state machine invariant on snapshots from outside
// the store: a report implies a completed cascade, even when the stored
// value claims otherwise.
func normalize(snap *persist.Snapshot) {
	if len(snap.Report) > 0 {
		snap.Progress.Running = false
	}
}

func phaseOf(progress api.CascadeProgress, report api.Report) Phase {
	switch {
	case progress.Running:
		return PhaseRunning
	case len(report) > 0:
		return PhaseCompleted
	default:
		return PhaseIdle
	}
}
