// Package sim is a scripted stand-in for the cascade backend. It runs one
// procurement cascade at a time through the real phase sequence (intent,
// discovery, quotes, negotiation, compliance, logistics, reporting),
// streaming live events and advancing progress through the same checkpoints
// the production backend uses. It exists so the client is runnable and
// end-to-end testable without the real agent mesh.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/provana/cascata/internal/api"
)

// ErrBusy is returned when a trigger arrives while a cascade is running.
var ErrBusy = errors.New("cascade already running")

var (
	buyer     = api.AgentRef{ID: "procurement-01", Label: "Procurement"}
	directory = api.AgentRef{ID: "registry", Label: "Agent Registry"}
	logistics = api.AgentRef{ID: "logistics-01", Label: "Logistics Planner"}
)

// Option configures the engine.
type Option func(*Engine)

// WithEventRate paces event emission (events per second). Tests crank this
// up to run a full cascade in milliseconds.
func WithEventRate(limit rate.Limit) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(limit, 1)
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine drives one scripted cascade at a time.
type Engine struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	progress float64
	report   api.Report
	subs     map[int]chan api.LiveEvent
	nextSub  int
	cancel   context.CancelFunc
}

// New creates an idle engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		subs:    make(map[int]chan api.LiveEvent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger starts a cascade run in the background. Returns ErrBusy while a
// run is in flight.
func (e *Engine) Trigger(req api.TriggerRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.running = true
	e.progress = 0
	e.report = nil

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx, req)
	return nil
}

// Stop aborts a running cascade, leaving it incomplete.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress returns the poll snapshot.
func (e *Engine) Progress() api.CascadeProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return api.CascadeProgress{Running: e.running, Progress: e.progress}
}

// Report returns the final report of the last completed run.
func (e *Engine) Report() (api.Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report, e.report != nil
}

// Subscribe attaches a live event listener. Slow listeners lose events
// rather than stalling the cascade.
func (e *Engine) Subscribe() (<-chan api.LiveEvent, func()) {
	ch := make(chan api.LiveEvent, 64)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

type scriptStep struct {
	progress float64
	events   []api.LiveEvent
}

func script(req api.TriggerRequest) []scriptStep {
	product := req.ProductID
	if product == "" {
		product = "carbon-ceramic brake kit"
	}
	supplier := api.AgentRef{ID: "supplier-brakes-01", Label: "Alpine Brakes SpA"}
	backup := api.AgentRef{ID: "supplier-brakes-02", Label: "Nordwerk Friction GmbH"}

	return []scriptStep{
		{progress: 5, events: []api.LiveEvent{
			{From: buyer, To: directory, Type: "intent", Icon: "target",
				Summary: fmt.Sprintf("Resolving intent for %s", product)},
		}},
		{progress: 15, events: []api.LiveEvent{
			{From: buyer, To: directory, Type: "discovery", Icon: "search",
				Summary: fmt.Sprintf("Searching suppliers for %s", product)},
			{From: directory, To: buyer, Type: "discovery", Icon: "list",
				Summary: "2 qualified suppliers found, 1 disqualified on trust score"},
		}},
		{progress: 30, events: []api.LiveEvent{
			{From: buyer, To: supplier, Type: "quote_request", Icon: "mail",
				Summary: fmt.Sprintf("Requesting quote: %d units", max(req.Quantity, 1))},
			{From: supplier, To: buyer, Type: "quote", Icon: "tag",
				Summary: "Quote received: EUR 1840/unit, lead time 21 days"},
			{From: backup, To: buyer, Type: "quote", Icon: "tag",
				Summary: "Quote received: EUR 1975/unit, lead time 14 days"},
		}},
		{progress: 45, events: []api.LiveEvent{
			{From: buyer, To: supplier, Type: "negotiation", Icon: "scale",
				Summary: "Counter-offer: EUR 1760/unit against volume commitment"},
			{From: supplier, To: buyer, Type: "negotiation", Icon: "handshake",
				Summary: "Accepted EUR 1790/unit, payment Net 45"},
		}},
		{progress: 60, events: []api.LiveEvent{
			{From: buyer, To: supplier, Type: "order", Icon: "check",
				Summary: "Purchase order issued", Color: "#4CAF50"},
		}},
		{progress: 72, events: []api.LiveEvent{
			{From: buyer, To: supplier, Type: "compliance", Icon: "shield",
				Summary: "Compliance check passed: IATF 16949 active, sanctions clear"},
		}},
		{progress: 82, events: []api.LiveEvent{
			{From: buyer, To: logistics, Type: "logistics", Icon: "truck",
				Summary: "Planning route Modena <- Turin, 2 day transit"},
		}},
		{progress: 90, events: []api.LiveEvent{
			{From: logistics, To: buyer, Type: "logistics", Icon: "map",
				Summary: "Logistics plan confirmed, insurance bound"},
		}},
		{progress: 96, events: []api.LiveEvent{
			{From: buyer, To: directory, Type: "reputation", Icon: "star",
				Summary: "Reputation scores updated for 2 suppliers"},
		}},
	}
}

func (e *Engine) run(ctx context.Context, req api.TriggerRequest) {
	start := time.Now()
	e.logger.Info("cascade started",
		slog.String("product", req.ProductID),
		slog.Float64("budget", req.Budget))

	for _, step := range script(req) {
		for _, evt := range step.events {
			if err := e.limiter.Wait(ctx); err != nil {
				e.finishAborted()
				return
			}
			e.emit(evt)
		}
		e.setProgress(step.progress)
	}

	report := e.buildReport(req, start)

	e.mu.Lock()
	e.running = false
	e.progress = 100
	e.report = report
	e.cancel = nil
	e.mu.Unlock()

	e.logger.Info("cascade completed", slog.Duration("took", time.Since(start)))
}

func (e *Engine) finishAborted() {
	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.mu.Unlock()
	e.logger.Info("cascade aborted")
}

func (e *Engine) setProgress(p float64) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

func (e *Engine) emit(evt api.LiveEvent) {
	evt.MessageID = "msg-" + ulid.Make().String()
	evt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if evt.Color == "" {
		evt.Color = "#2196F3"
	}

	e.mu.Lock()
	chans := make([]chan api.LiveEvent, 0, len(e.subs))
	for _, ch := range e.subs {
		chans = append(chans, ch)
	}
	e.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (e *Engine) buildReport(req api.TriggerRequest, start time.Time) api.Report {
	quantity := max(req.Quantity, 1)
	unitPrice := 1790.0
	report := map[string]any{
		"report_id":  "NCR-" + ulid.Make().String(),
		"intent":     req.Intent,
		"status":     "completed",
		"started_at": start.UTC().Format(time.RFC3339),
		"ended_at":   time.Now().UTC().Format(time.RFC3339),
		"budget_eur": req.Budget,
		"orders": []map[string]any{
			{
				"supplier":       "Alpine Brakes SpA",
				"product_id":     req.ProductID,
				"quantity":       quantity,
				"unit_price_eur": unitPrice,
				"total_eur":      unitPrice * float64(quantity),
				"payment_terms":  "Net 45",
			},
		},
		"compliance_summary": map[string]any{"checks": 3, "passed": 3},
		"logistics_plan": map[string]any{
			"route":        "Turin -> Modena",
			"transit_days": 2,
		},
	}

	blob, err := json.Marshal(report)
	if err != nil {
		e.logger.Error("failed to marshal report", slog.String("error", err.Error()))
		return api.Report(`{"status":"completed"}`)
	}
	return api.Report(blob)
}
