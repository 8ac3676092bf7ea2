// Package poll runs the timed loop that pulls progress snapshots while a
// cascade is running, and fetches the final report once the remote process
// reports completion. Poll failures are transient by definition: they are
// swallowed and the next tick tries again.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/provana/cascata/internal/api"
)

const (
	defaultInterval         = time.Second
	defaultReportRetryDelay = 2 * time.Second
)

// Source pulls snapshots from the remote cascade.
type Source interface {
	GetProgress(ctx context.Context) (*api.CascadeProgress, error)
	GetReport(ctx context.Context) (api.Report, error)
	ListAgents(ctx context.Context) ([]api.AgentInfo, error)
}

// Sink receives pulled state. The cascade store implements it.
type Sink interface {
	SetProgress(p api.CascadeProgress)
	SetReport(r api.Report)
	SetAgents(agents []api.AgentInfo)
	// EnsureStream reopens the push connection if it has dropped while the
	// cascade is still running.
	EnsureStream()
}

// Option configures the poller.
type Option func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithReportRetryDelay sets how long to wait before the single retry of the
// terminal report fetch.
func WithReportRetryDelay(d time.Duration) Option {
	return func(p *Poller) {
		p.reportRetryDelay = d
	}
}

// WithLogger sets the logger for absorbed poll failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// Poller is the progress polling loop. At most one loop runs per Poller;
// starting a new one tears down the previous loop first.
type Poller struct {
	source           Source
	sink             Sink
	interval         time.Duration
	reportRetryDelay time.Duration
	logger           *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller over the given source and sink.
func New(source Source, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		source:           source,
		sink:             sink,
		interval:         defaultInterval,
		reportRetryDelay: defaultReportRetryDelay,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. Any previous loop is stopped first, so a re-trigger
// never leaves two concurrent loops behind.
func (p *Poller) Start(ctx context.Context) {
	p.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(loopCtx, done)
}

// Active reports whether a polling loop is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Stop tears down the active loop, if any, and waits for it to exit. An
// in-flight poll is not aborted but its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		close(done)
		p.mu.Lock()
		if p.done == done {
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		prog, err := p.source.GetProgress(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("progress poll failed", slog.String("error", err.Error()))
			continue
		}

		if ctx.Err() != nil {
			return
		}

		p.sink.SetProgress(*prog)

		if !prog.Running {
			p.finish(ctx)
			return
		}

		p.sink.EnsureStream()
	}
}

// finish retrieves the final report (one retry after a fixed delay, then
// give up silently) and refreshes the dependent read models.
func (p *Poller) finish(ctx context.Context) {
	report, err := p.source.GetReport(ctx)
	if err != nil {
		p.logger.Debug("report fetch failed, retrying once", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.reportRetryDelay):
		}
		report, err = p.source.GetReport(ctx)
		if err != nil {
			p.logger.Warn("report fetch failed after retry", slog.String("error", err.Error()))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	p.sink.SetReport(report)

	agents, err := p.source.ListAgents(ctx)
	if err != nil {
		p.logger.Debug("agent directory refresh failed", slog.String("error", err.Error()))
		return
	}
	p.sink.SetAgents(agents)
}
