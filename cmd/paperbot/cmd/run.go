package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/metrics"
	"github.com/rustyeddy/paperbot/readiness"
	sig "github.com/rustyeddy/paperbot/signal"
	"github.com/rustyeddy/paperbot/sim"
	"github.com/rustyeddy/paperbot/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured account under the supervisor",
	Long: `Run starts one worker per account, watches their heartbeats, restarts
crashed workers with exponential backoff and emits a daily summary per
account at each UTC day boundary. Stop it with SIGINT or SIGTERM.

Example:
  paperbot run -f paperbot.yaml --db paperbot.db`,
	RunE: runRun,
}

var noMetrics bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve Prometheus metrics")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger(cfg)

	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg.Supervisor, j, log)
	if err != nil {
		return err
	}
	sup.SetNotifier(supervisor.LogNotifier{Log: log})
	eval := readiness.NewEvaluator(j, cfg.Readiness, log)

	if err := register(ctx, cfg, j, sup, eval, log); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if !noMetrics && cfg.MetricsAddr != "" {
		srv := metrics.Server(cfg.MetricsAddr)
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info().Int("accounts", len(cfg.Accounts)).Int("venues", len(cfg.Venues)).Msg("paperbot started")
	err = g.Wait()
	log.Info().Msg("paperbot stopped")
	return err
}

// register records venues and accounts in the ledger and adds one worker
// per account. Accounts that fail validation still get a worker so the
// refusal is visible in worker state.
func register(ctx context.Context, cfg *config.Config, j *journal.SQLite, sup *supervisor.Supervisor,
	eval *readiness.Evaluator, log zerolog.Logger) error {

	feeds := make(map[string]market.Feed, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if err := j.UpsertVenue(ctx, v.Venue); err != nil {
			return fmt.Errorf("venue %s: %w", v.ID, err)
		}
		f, err := v.NewFeed(log)
		if err != nil {
			return err
		}
		feeds[v.ID] = f
	}

	for _, a := range cfg.Accounts {
		if err := cfg.ValidateAccount(a); err == nil {
			if _, err := j.EnsureAccount(ctx, journal.Account{
				ID:             a.ID,
				VenueID:        a.Venue,
				StartingEquity: a.StartingEquity,
				Currency:       a.Currency,
				RiskProfile:    string(a.Profile),
			}); err != nil {
				return fmt.Errorf("account %s: %w", a.ID, err)
			}
		}

		w := &worker{cfg: cfg, account: a, feed: feeds[a.Venue], store: j, eval: eval, log: log}
		if err := sup.Add(ctx, supervisor.Spec{AccountID: a.ID, VenueID: a.Venue, Build: w.build}); err != nil {
			return err
		}
	}
	return nil
}

// worker builds pipelines for one account. The cursor outlives each
// pipeline so restarts pick up after the last processed candle.
type worker struct {
	cfg     *config.Config
	account config.AccountConfig
	feed    market.Feed
	store   *journal.SQLite
	eval    *readiness.Evaluator
	log     zerolog.Logger

	cursor map[string]time.Time
}

func (w *worker) build() (supervisor.Runner, error) {
	a := w.account
	if err := w.cfg.ValidateAccount(a); err != nil {
		return nil, err
	}
	if w.feed == nil {
		return nil, fmt.Errorf("account %s: no feed for venue %q", a.ID, a.Venue)
	}
	v, _ := w.cfg.Venue(a.Venue)

	signals, err := sig.NewEngine(a.ID, a.Strategy.Config, w.log)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	exec, err := sim.NewEngine(sim.Config{AccountID: a.ID, Venue: v.Venue, Policy: a.Policy}, w.store, w.log)
	if err != nil {
		return nil, err
	}
	exec.OnClose(w.eval.OnClose)

	if w.cursor == nil {
		c, err := resumeCursor(context.Background(), w.store, a.ID, a.Strategy.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("account %s: resume: %w", a.ID, err)
		}
		w.cursor = c
	}

	return &supervisor.Pipeline{
		Symbols:        a.Strategy.Symbols,
		Timeframe:      a.Strategy.Timeframe,
		Interval:       a.Strategy.PollInterval,
		// Polls may be a whole timeframe apart; beats must land well
		// inside the supervisor's timeout.
		HeartbeatEvery: w.cfg.Supervisor.HeartbeatTimeout / 3,
		Feed:           w.feed,
		Signals:        signals,
		Exec:           exec,
		Log:            w.log.With().Str("account", a.ID).Str("venue", a.Venue).Logger(),
		Cursor:         w.cursor,
	}, nil
}

// resumeCursor rebuilds the per-symbol cursor from the ledger: the open
// time of the latest candle that created an order or closed a trade.
func resumeCursor(ctx context.Context, j *journal.SQLite, accountID string, tf market.Timeframe) (map[string]time.Time, error) {
	cursor := make(map[string]time.Time)
	bump := func(sym string, closeTime time.Time) {
		open := closeTime.Add(-tf.Duration())
		if open.After(cursor[sym]) {
			cursor[sym] = open
		}
	}

	orders, err := j.ListOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		bump(o.Symbol, o.CreatedAt)
	}
	trades, err := j.ListTrades(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, t := range trades {
		if t.ClosedAt != nil {
			bump(t.Symbol, *t.ClosedAt)
		}
	}
	return cursor, nil
}
