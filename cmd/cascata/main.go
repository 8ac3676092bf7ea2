// Command cascata is a console client for the procurement cascade backend.
// It keeps a locally persisted, live-updating mirror of one cascade run and
// shares that mirror with every other cascata process of the same user
// through a SQLite substrate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/provana/cascata/internal/api"
	"github.com/provana/cascata/internal/config"
	"github.com/provana/cascata/internal/persist/sqlite"
	"github.com/provana/cascata/internal/state"
	"github.com/provana/cascata/internal/stream"
	"github.com/provana/cascata/internal/telemetry"
)

var (
	app        = kingpin.New("cascata", "Console client for the procurement cascade backend.")
	configFile = app.Flag("config", "Config file path.").Default("config.yaml").String()
	debug      = app.Flag("debug", "Enable debug logging.").Bool()

	triggerCmd      = app.Command("trigger", "Start a new cascade run and follow it to completion.")
	triggerIntent   = triggerCmd.Flag("intent", "Free-form procurement intent.").String()
	triggerProduct  = triggerCmd.Flag("product", "Product ID from the catalogue.").Action(markSet("product")).String()
	triggerQuantity = triggerCmd.Flag("quantity", "Units to order.").Action(markSet("quantity")).Default("1").Int()
	triggerBudget   = triggerCmd.Flag("budget", "Budget ceiling in EUR.").Action(markSet("budget")).Default("500000").Float64()
	triggerDelivery = triggerCmd.Flag("delivery-date", "Desired delivery date (YYYY-MM-DD).").Action(markSet("delivery-date")).String()

	// Flags the user passed explicitly; defaults must not clobber persisted
	// controls.
	flagsSet = map[string]bool{}

	watchCmd = app.Command("watch", "Mirror the current cascade and print its live feed.")

	statusCmd = app.Command("status", "Print the current progress snapshot.")

	reportCmd = app.Command("report", "Print the last completed cascade report.")
)

func main() {
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := runCommand(command, cfg, logger); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runCommand(command string, cfg *config.Config, logger *slog.Logger) error {
	snapshots := api.NewClient(cfg.API.BaseURL,
		api.WithHTTPClient(&http.Client{
			Timeout:   cfg.API.Timeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}))

	switch command {
	case statusCmd.FullCommand():
		return printStatus(snapshots)
	case reportCmd.FullCommand():
		return printReport(snapshots)
	case triggerCmd.FullCommand():
		return runMirror(cfg, logger, snapshots, true)
	case watchCmd.FullCommand():
		return runMirror(cfg, logger, snapshots, false)
	}
	return fmt.Errorf("unknown command %q", command)
}

func printStatus(snapshots *api.Client) error {
	prog, err := snapshots.GetProgress(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("running=%t progress=%.0f%%\n", prog.Running, prog.Progress)
	return nil
}

func printReport(snapshots *api.Client) error {
	report, err := snapshots.GetReport(context.Background())
	if err != nil {
		return err
	}
	var buf map[string]any
	if err := json.Unmarshal(report, &buf); err != nil {
		return fmt.Errorf("unreadable report: %w", err)
	}
	pretty, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(pretty))
	return nil
}

// runMirror builds the store, optionally triggers a run, and follows the
// live feed until a signal (watch) or completion (trigger).
func runMirror(cfg *config.Config, logger *slog.Logger, snapshots *api.Client, trigger bool) error {
	shutdownTracer, err := telemetry.InitTracer("cascata", os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	substrate, err := sqlite.New(cfg.Persist.Path,
		sqlite.WithWatchInterval(cfg.Persist.WatchInterval()),
		sqlite.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open substrate: %w", err)
	}
	defer substrate.Close()

	streams := stream.NewClient(cfg.API.BaseURL, stream.WithLogger(logger))

	st := state.New(snapshots, streams, substrate,
		state.WithLogger(logger),
		state.WithCapacity(cfg.Buffer.Capacity),
		state.WithPollInterval(cfg.Poll.Interval()),
		state.WithReportRetryDelay(cfg.Poll.ReportRetry()))
	defer st.Close()

	completed := make(chan struct{})
	var completeOnce sync.Once
	printer := newFeedPrinter()
	unsubscribe := st.Subscribe(func(v state.View) {
		printer.print(v)
		if v.Phase == state.PhaseCompleted {
			completeOnce.Do(func() { close(completed) })
		}
	})
	defer unsubscribe()

	st.Start()
	printer.print(st.View())

	if trigger {
		st.SetControls(triggerPatch(flagsSet))
		controls := st.View().Controls
		err := st.Trigger(context.Background(), api.TriggerRequest{
			Intent:              *triggerIntent,
			Budget:              controls.BudgetEUR,
			ProductID:           controls.ProductID,
			Quantity:            controls.Quantity,
			DesiredDeliveryDate: controls.DesiredDeliveryDate,
		})
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	if trigger {
		g.Add(func() error {
			select {
			case <-completed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	if _, ok := err.(run.SignalError); ok || err == nil || err == context.Canceled {
		return nil
	}
	return err
}

func markSet(name string) kingpin.Action {
	return func(*kingpin.ParseContext) error {
		flagsSet[name] = true
		return nil
	}
}

// triggerPatch maps the trigger flags the user actually set onto a controls
// patch; omitted flags leave the persisted values alone.
func triggerPatch(set map[string]bool) state.ControlsPatch {
	var patch state.ControlsPatch
	if set["product"] {
		patch.ProductID = triggerProduct
	}
	if set["quantity"] {
		patch.Quantity = triggerQuantity
	}
	if set["budget"] {
		patch.BudgetEUR = triggerBudget
	}
	if set["delivery-date"] {
		patch.DesiredDeliveryDate = triggerDelivery
	}
	return patch
}

// feedPrinter prints each live event once and phase changes as they happen.
type feedPrinter struct {
	mu    sync.Mutex
	seen  map[string]bool
	phase state.Phase
}

func newFeedPrinter() *feedPrinter {
	return &feedPrinter{seen: make(map[string]bool)}
}

func (p *feedPrinter) print(v state.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Phase != p.phase {
		p.phase = v.Phase
		fmt.Printf("-- cascade %s (%.0f%%)\n", v.Phase, v.Progress.Progress)
	}

	for _, m := range v.Messages {
		if p.seen[m.MessageID] {
			continue
		}
		p.seen[m.MessageID] = true
		fmt.Printf("%s  %-12s %s -> %s  %s\n",
			m.Timestamp, m.Type, m.From.Label, m.To.Label, m.Summary)
	}
}
