package quizd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"quizfund/core/payout"
	"quizfund/storage"
)

type recordingDistributor struct {
	mu    sync.Mutex
	calls []uuid.UUID
	block chan struct{}
}

func (r *recordingDistributor) Distribute(_ context.Context, quizID uuid.UUID) (*payout.Report, error) {
	r.mu.Lock()
	r.calls = append(r.calls, quizID)
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	return &payout.Report{QuizID: quizID}, nil
}

func (r *recordingDistributor) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

type staticQuizzes struct {
	active  []storage.Quiz
	overdue []storage.Quiz
}

func (s *staticQuizzes) ActiveQuizzes(context.Context) ([]storage.Quiz, error) {
	return s.active, nil
}

func (s *staticQuizzes) OverdueQuizzes(context.Context, time.Time) ([]storage.Quiz, error) {
	return s.overdue, nil
}

func startScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestScheduledDistributionFiresAndLeavesRegistry(t *testing.T) {
	dist := &recordingDistributor{}
	s := startScheduler(t, SchedulerConfig{Distribute: dist.Distribute, ReconcileInterval: time.Hour})
	ctx := context.Background()
	quizID := uuid.New()

	require.NoError(t, s.Schedule(ctx, Key{UserID: "creator", QuizID: quizID}, time.Now().Add(20*time.Millisecond)))
	require.Eventually(t, func() bool { return dist.count(quizID) == 1 }, 2*time.Second, 5*time.Millisecond)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCancelRemovesTimer(t *testing.T) {
	dist := &recordingDistributor{}
	s := startScheduler(t, SchedulerConfig{Distribute: dist.Distribute, ReconcileInterval: time.Hour})
	ctx := context.Background()
	key := Key{UserID: "creator", QuizID: uuid.New()}

	require.NoError(t, s.Schedule(ctx, key, time.Now().Add(time.Hour)))
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []Entry{{Key: key, At: pending[0].At}}, pending)

	require.NoError(t, s.Cancel(ctx, key))
	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReconcileRestoresTimersAndSweepsOverdue(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Minute)
	waiting := storage.Quiz{ID: uuid.New(), CreatorUserID: "alice", EndTime: &future}
	late := storage.Quiz{ID: uuid.New(), CreatorUserID: "bob", EndTime: &past}
	unbounded := storage.Quiz{ID: uuid.New(), CreatorUserID: "carol"}
	quizzes := &staticQuizzes{
		active:  []storage.Quiz{waiting, late, unbounded},
		overdue: []storage.Quiz{late},
	}
	dist := &recordingDistributor{}
	s := startScheduler(t, SchedulerConfig{Distribute: dist.Distribute, Quizzes: quizzes, ReconcileInterval: time.Hour})

	require.Eventually(t, func() bool { return dist.count(late.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	pending, err := s.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, Key{UserID: "alice", QuizID: waiting.ID}, pending[0].Key)
	require.Zero(t, dist.count(unbounded.ID))
}

func TestSweepDoesNotDuplicateRunningDistribution(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	late := storage.Quiz{ID: uuid.New(), CreatorUserID: "bob", EndTime: &past}
	dist := &recordingDistributor{block: make(chan struct{})}
	startScheduler(t, SchedulerConfig{
		Distribute:        dist.Distribute,
		Quizzes:           &staticQuizzes{overdue: []storage.Quiz{late}},
		ReconcileInterval: 5 * time.Millisecond,
	})
	defer close(dist.block)

	require.Eventually(t, func() bool { return dist.count(late.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	// Several sweeps pass while the first run is still blocked.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, dist.count(late.ID))
}

func TestScheduleAfterStopFails(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Distribute: (&recordingDistributor{}).Distribute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()
	cancel()
	<-done
	err := s.Schedule(context.Background(), Key{UserID: "u", QuizID: uuid.New()}, time.Now())
	require.ErrorIs(t, err, ErrSchedulerStopped)
}
