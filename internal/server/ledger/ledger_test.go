package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/server/database"
	"mediagate/internal/server/history"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, *database.MemoryStore, *fakeClock) {
	t.Helper()
	store := database.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	_, err := store.CreateUser(context.Background(), &database.User{ID: "u1", Tier: database.TierFree})
	require.NoError(t, err)

	l := New(store, history.NewRecorder(store))
	l.now = clock.Now
	return l, store, clock
}

func mustCreate(t *testing.T, l *Ledger, user string) string {
	t.Helper()
	id, err := l.CreateJob(context.Background(), user, FileRef{FileID: "f", FileName: "clip.mp4", Size: 2048, InputRef: "inputs/clip.mp4"}, database.CategoryVideo, "mute")
	require.NoError(t, err)
	return id
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLedger(t)

	id := mustCreate(t, l, "u1")
	assert.NotEmpty(t, id)

	job, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, job.Status)
	assert.Equal(t, clock.Now(), job.StartedAt)
	assert.Nil(t, job.EndedAt)
	assert.Equal(t, "inputs/clip.mp4", job.InputRef)

	other := mustCreate(t, l, "u1")
	assert.NotEqual(t, id, other)
}

func TestTransitionLifecycle(t *testing.T) {
	ctx := context.Background()
	l, store, clock := newTestLedger(t)
	id := mustCreate(t, l, "u1")

	job, err := l.Transition(ctx, id, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	assert.Equal(t, database.StatusProcessing, job.Status)
	assert.Nil(t, job.EndedAt)

	clock.Advance(90 * time.Second)
	job, err = l.Transition(ctx, id, database.StatusCompleted, Outcome{OutputRef: "outputs/x/clip.mp4"})
	require.NoError(t, err)
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, 90*time.Second, job.Duration)
	assert.Equal(t, "outputs/x/clip.mp4", job.OutputRef)

	entries, err := store.ListHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, database.StatusCompleted, entries[0].Status)
	assert.InDelta(t, 90.0, entries[0].ProcessingSeconds, 0.001)

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalFiles)
	assert.Equal(t, int64(2048), u.TotalSize)
}

func TestInvalidTransitionsLeaveJobUnchanged(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup []database.JobStatus
		to    database.JobStatus
	}{
		{"pending to completed", nil, database.StatusCompleted},
		{"pending to pending", nil, database.StatusPending},
		{"processing to pending", []database.JobStatus{database.StatusProcessing}, database.StatusPending},
		{"completed to processing", []database.JobStatus{database.StatusProcessing, database.StatusCompleted}, database.StatusProcessing},
		{"failed to completed", []database.JobStatus{database.StatusFailed}, database.StatusCompleted},
		{"completed to failed", []database.JobStatus{database.StatusProcessing, database.StatusCompleted}, database.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newTestLedger(t)
			id := mustCreate(t, l, "u1")
			for _, s := range tt.setup {
				_, err := l.Transition(ctx, id, s, Outcome{Error: "boom"})
				require.NoError(t, err)
			}
			before, err := l.Get(ctx, id)
			require.NoError(t, err)

			_, err = l.Transition(ctx, id, tt.to, Outcome{OutputRef: "should-not-stick"})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			after, err := l.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Transition(context.Background(), "missing", database.StatusProcessing, Outcome{})
	assert.ErrorIs(t, err, database.ErrJobNotFound)
}

func TestConcurrentCompletionSucceedsOnce(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, first, second *Ledger, store database.Store, id string) {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, l := range []*Ledger{first, second} {
			wg.Add(1)
			go func(i int, l *Ledger) {
				defer wg.Done()
				_, errs[i] = l.Transition(ctx, id, database.StatusCompleted, Outcome{OutputRef: "out"})
			}(i, l)
		}
		wg.Wait()

		successes, invalid := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidTransition):
				invalid++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, 1, invalid)

		entries, err := store.ListHistory(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}

	t.Run("same ledger", func(t *testing.T) {
		l, store, _ := newTestLedger(t)
		id := mustCreate(t, l, "u1")
		_, err := l.Transition(ctx, id, database.StatusProcessing, Outcome{})
		require.NoError(t, err)
		run(t, l, l, store, id)
	})

	t.Run("two ledgers sharing a store", func(t *testing.T) {
		l, store, _ := newTestLedger(t)
		other := New(store, history.NewRecorder(store))
		id := mustCreate(t, l, "u1")
		_, err := l.Transition(ctx, id, database.StatusProcessing, Outcome{})
		require.NoError(t, err)
		run(t, l, other, store, id)
	})
}

func TestObservedStatusesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "u1")

	rank := map[database.JobStatus]int{
		database.StatusPending:    0,
		database.StatusProcessing: 1,
		database.StatusCompleted:  2,
		database.StatusFailed:     2,
	}

	stop := make(chan struct{})
	observed := make(chan database.JobStatus, 1024)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(observed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			job, err := l.Get(ctx, id)
			if err == nil {
				select {
				case observed <- job.Status:
				default:
				}
			}
		}
	}()

	_, err := l.Transition(ctx, id, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	_, err = l.Transition(ctx, id, database.StatusFailed, Outcome{Error: "tool exited 1"})
	require.NoError(t, err)
	close(stop)
	wg.Wait()

	last := -1
	for s := range observed {
		assert.GreaterOrEqual(t, rank[s], last, "status regressed to %s", s)
		last = rank[s]
	}
}

func TestActiveCountReadsCommittedTransitions(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	a := mustCreate(t, l, "u1")
	b := mustCreate(t, l, "u1")
	mustCreate(t, l, "u2")

	n, err := l.ActiveCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.Transition(ctx, a, database.StatusFailed, Outcome{Error: "cancelled"})
	require.NoError(t, err)
	n, err = l.ActiveCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Transition(ctx, b, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	n, err = l.ActiveCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMostRecentCompletedIgnoresFailed(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLedger(t)

	last, err := l.MostRecentCompleted(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, last)

	failed := mustCreate(t, l, "u1")
	_, err = l.Transition(ctx, failed, database.StatusFailed, Outcome{Error: "bad input"})
	require.NoError(t, err)

	last, err = l.MostRecentCompleted(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, last, "failed jobs never count as completed")

	done := mustCreate(t, l, "u1")
	_, err = l.Transition(ctx, done, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Transition(ctx, done, database.StatusCompleted, Outcome{})
	require.NoError(t, err)

	later := mustCreate(t, l, "u1")
	clock.Advance(time.Minute)
	_, err = l.Transition(ctx, later, database.StatusFailed, Outcome{Error: "x"})
	require.NoError(t, err)

	last, err = l.MostRecentCompleted(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, done, last.ID)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t)

	pending := mustCreate(t, l, "u1")
	processing := mustCreate(t, l, "u1")
	_, err := l.Transition(ctx, processing, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	finished := mustCreate(t, l, "u1")
	_, err = l.Transition(ctx, finished, database.StatusProcessing, Outcome{})
	require.NoError(t, err)
	_, err = l.Transition(ctx, finished, database.StatusCompleted, Outcome{})
	require.NoError(t, err)

	n, err := l.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{pending, processing} {
		job, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, database.StatusFailed, job.Status)
		assert.Equal(t, RestartDetail, job.Error)
	}

	active, err := l.ActiveCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, active)

	entries, err := store.ListHistory(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
