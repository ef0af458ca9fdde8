// Package job runs the recurring sweeps that move work forward when no
// request does: expired proposal rounds, stuck pending deliveries and
// post-commit effects that never finished.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"delivery-dispatch/internal/metrics"
)

// Sweep processes one batch and reports how many records it handled.
type Sweep func(ctx context.Context) (int, error)

// Manager schedules sweeps on a single cron. A sweep whose previous run is
// still going is skipped, never stacked.
type Manager struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
	names   []string
}

// NewManager builds a manager whose runs are each bounded by timeout.
func NewManager(timeout time.Duration) *Manager {
	logger := slog.Default().With("component", "jobs")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
}

// Add registers sweep under name. An empty schedule disables it.
func (m *Manager) Add(name, schedule string, sweep Sweep) error {
	if schedule == "" {
		m.logger.Info("job disabled", slog.String("job", name))
		return nil
	}
	_, err := m.cron.AddFunc(schedule, func() { m.run(name, sweep) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	m.names = append(m.names, name)
	return nil
}

func (m *Manager) run(name string, sweep Sweep) {
	ctx := m.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	n, err := sweep(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		m.logger.ErrorContext(ctx, "job failed", slog.String("job", name), slog.String("error", err.Error()))
		return
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		metrics.JobItems.WithLabelValues(name).Add(float64(n))
		m.logger.InfoContext(ctx, "job processed records", slog.String("job", name), slog.Int("count", n))
	}
}

func (m *Manager) Start() {
	m.cron.Start()
	m.logger.Info("jobs started", slog.Any("jobs", m.names))
}

// Stop cancels running sweeps and waits for them to return or for ctx to end.
func (m *Manager) Stop(ctx context.Context) {
	m.cancel()
	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("jobs stopped")
	case <-ctx.Done():
		m.logger.Warn("jobs still running at shutdown")
	}
}

// cronLogger routes robfig/cron's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
