package quizd

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizfund/core/payout"
	"quizfund/storage"
)

// ErrSchedulerStopped is returned once the supervising loop has exited.
var ErrSchedulerStopped = errors.New("quizd: scheduler stopped")

// Key identifies a scheduled distribution.
type Key struct {
	UserID string
	QuizID uuid.UUID
}

// Entry is a pending distribution timer.
type Entry struct {
	Key Key       `json:"key"`
	At  time.Time `json:"at"`
}

// QuizSource lists quizzes that need a distribution timer.
type QuizSource interface {
	ActiveQuizzes(ctx context.Context) ([]storage.Quiz, error)
	OverdueQuizzes(ctx context.Context, now time.Time) ([]storage.Quiz, error)
}

// DistributeFunc runs one distribution.
type DistributeFunc func(ctx context.Context, quizID uuid.UUID) (*payout.Report, error)

// SchedulerConfig configures the distribution scheduler.
type SchedulerConfig struct {
	Distribute DistributeFunc
	Quizzes    QuizSource
	// ReconcileInterval is the period of the overdue sweep.
	ReconcileInterval time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

type command struct {
	schedule *Entry
	cancel   *Key
	pending  chan []Entry
}

// Scheduler fires distributions at quiz end times. The registry is owned by the
// goroutine running Start; other goroutines talk to it over channels.
type Scheduler struct {
	distribute DistributeFunc
	quizzes    QuizSource
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cmds     chan command
	finished chan uuid.UUID
	stopped  chan struct{}
	runs     sync.WaitGroup

	// owned by the Start goroutine
	registry map[Key]time.Time
	inflight map[uuid.UUID]struct{}
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		distribute: cfg.Distribute,
		quizzes:    cfg.Quizzes,
		interval:   interval,
		logger:     logger.With(slog.String("component", "scheduler")),
		now:        now,
		cmds:       make(chan command),
		finished:   make(chan uuid.UUID),
		stopped:    make(chan struct{}),
		registry:   make(map[Key]time.Time),
		inflight:   make(map[uuid.UUID]struct{}),
	}
}

// Schedule registers (or moves) the timer for key.
func (s *Scheduler) Schedule(ctx context.Context, key Key, at time.Time) error {
	return s.send(ctx, command{schedule: &Entry{Key: key, At: at}})
}

// Cancel removes the timer for key if present.
func (s *Scheduler) Cancel(ctx context.Context, key Key) error {
	return s.send(ctx, command{cancel: &key})
}

// Pending lists registered timers ordered by fire time.
func (s *Scheduler) Pending(ctx context.Context) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	if err := s.send(ctx, command{pending: reply}); err != nil {
		return nil, err
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) send(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.stopped:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start reconciles timers from persisted Active quizzes and runs the loop until ctx
// is cancelled. Distributions already running are allowed to finish.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.distribute == nil {
		return
	}
	defer func() {
		close(s.stopped)
		s.drain()
	}()
	s.reconcile(ctx)
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		timer, wake := s.nextWake()
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case cmd := <-s.cmds:
			s.apply(cmd)
		case id := <-s.finished:
			delete(s.inflight, id)
		case <-wake:
			s.fireDue(ctx)
		case <-ticker.C:
			s.sweep(ctx)
		}
		stopTimer(timer)
	}
}

// drain waits for running distributions while still accepting their completions.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	for {
		select {
		case <-s.finished:
		case <-done:
			return
		}
	}
}

func (s *Scheduler) apply(cmd command) {
	switch {
	case cmd.schedule != nil:
		s.registry[cmd.schedule.Key] = cmd.schedule.At
		s.logger.Info("distribution scheduled",
			slog.String("quiz_id", cmd.schedule.Key.QuizID.String()),
			slog.String("user_id", cmd.schedule.Key.UserID),
			slog.Time("at", cmd.schedule.At))
	case cmd.cancel != nil:
		delete(s.registry, *cmd.cancel)
	case cmd.pending != nil:
		entries := make([]Entry, 0, len(s.registry))
		for key, at := range s.registry {
			entries = append(entries, Entry{Key: key, At: at})
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].At.Equal(entries[j].At) {
				return entries[i].At.Before(entries[j].At)
			}
			return entries[i].Key.QuizID.String() < entries[j].Key.QuizID.String()
		})
		cmd.pending <- entries
	}
}

func (s *Scheduler) nextWake() (*time.Timer, <-chan time.Time) {
	if len(s.registry) == 0 {
		return nil, nil
	}
	var next time.Time
	for _, at := range s.registry {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	return timer, timer.C
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	for key, at := range s.registry {
		if at.After(now) {
			continue
		}
		delete(s.registry, key)
		s.trigger(ctx, key.QuizID, "timer")
	}
}

// reconcile re-registers every Active quiz with an end time so timers survive
// restarts.
func (s *Scheduler) reconcile(ctx context.Context) {
	if s.quizzes == nil {
		return
	}
	quizzes, err := s.quizzes.ActiveQuizzes(ctx)
	if err != nil {
		s.logger.Error("load active quizzes", slog.Any("error", err))
		return
	}
	for _, q := range quizzes {
		if q.EndTime == nil {
			continue
		}
		s.registry[Key{UserID: q.CreatorUserID, QuizID: q.ID}] = *q.EndTime
	}
	s.logger.Info("scheduler reconciled", slog.Int("timers", len(s.registry)))
}

// sweep triggers Active quizzes whose end time passed, covering late, lost or
// duplicate timer firings.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.quizzes == nil {
		return
	}
	overdue, err := s.quizzes.OverdueQuizzes(ctx, s.now())
	if err != nil {
		s.logger.Error("load overdue quizzes", slog.Any("error", err))
		return
	}
	for _, q := range overdue {
		delete(s.registry, Key{UserID: q.CreatorUserID, QuizID: q.ID})
		s.trigger(ctx, q.ID, "sweep")
	}
}

func (s *Scheduler) trigger(ctx context.Context, quizID uuid.UUID, source string) {
	if _, running := s.inflight[quizID]; running {
		return
	}
	s.inflight[quizID] = struct{}{}
	s.runs.Add(1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.runs.Done()
		defer func() { s.finished <- quizID }()
		report, err := s.distribute(runCtx, quizID)
		attrs := []any{slog.String("quiz_id", quizID.String()), slog.String("source", source)}
		switch {
		case errors.Is(err, payout.ErrWrongState):
			s.logger.Info("distribution skipped, quiz not active", attrs...)
		case errors.Is(err, payout.ErrPaused), errors.Is(err, payout.ErrDistributionInProgress):
			s.logger.Warn("distribution deferred", append(attrs, slog.Any("error", err))...)
		case err != nil:
			s.logger.Error("distribution failed", append(attrs, slog.Any("error", err))...)
		default:
			s.logger.Info("distribution finished", append(attrs,
				slog.Int("transfers", len(report.Transfers)),
				slog.Int("succeeded", report.Succeeded()),
				slog.Bool("replayed", report.Replayed))...)
		}
	}()
}
