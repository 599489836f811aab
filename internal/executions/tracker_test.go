package executions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testTracker(t *testing.T) (*Tracker, *Store) {
	t.Helper()
	store := NewStore(testDB(t))
	return NewTracker(store, NewFeed(), 24*time.Hour), store
}

func start(fn string) Start {
	return Start{FunctionID: fn, FunctionVersion: "1.0.0", Input: map[string]any{"name": "Developer"}}
}

func TestRecordStartIsHiddenUntilFinished(t *testing.T) {
	tracker, store := testTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	raw, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, raw.Status)
	require.Equal(t, TriggerDirect, raw.TriggerType)
	require.JSONEq(t, `{"name":"Developer"}`, string(raw.Input))

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got, "pending records are not externally visible")

	list, err := tracker.ListByFunction(ctx, "hello", 0, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRecordFinishDuration(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)

	began := time.Now()
	ended := began.Add(1234*time.Millisecond + 567*time.Microsecond)

	rec, err := tracker.RecordFinish(ctx, id, Outcome{
		Status:     StatusSucceeded,
		Output:     map[string]any{"message": "Hello, Developer!"},
		StartedAt:  began,
		FinishedAt: ended,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1234), *rec.DurationMs)

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Nil(t, got.Error)
	require.JSONEq(t, `{"message":"Hello, Developer!"}`, string(got.Output))
	require.Equal(t, got.FinishedAt.Sub(got.StartedAt).Milliseconds(), *got.DurationMs)
	require.True(t, got.StartedAt.Equal(began.Round(0)))
}

func TestRecordFinishExactlyOnce(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordStart(ctx, start("slow"))
	require.NoError(t, err)

	_, err = tracker.RecordFinish(ctx, id, Outcome{
		Status: StatusTimedOut,
		Error:  &ErrorInfo{Kind: "TimeoutError", Message: "execution exceeded timeout of 1s"},
	})
	require.NoError(t, err)

	// A late completion must not overwrite the timeout.
	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusSucceeded, Output: "late"})
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, got.Status)
	require.Nil(t, got.Output)
	require.Equal(t, "TimeoutError", got.Error.Kind)
}

func TestRecordFinishConcurrent(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordStart(ctx, start("race"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tracker.RecordFinish(ctx, id, Outcome{Status: StatusSucceeded, Output: i})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyFinalized):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestRecordFinishErrors(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordFinish(ctx, "missing", Outcome{Status: StatusSucceeded})
	require.ErrorIs(t, err, ErrNotFound)

	id, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)

	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusPending})
	require.Error(t, err)

	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusFailed})
	require.ErrorContains(t, err, "requires an error")

	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusSucceeded, Error: &ErrorInfo{Kind: "HandlerError"}})
	require.Error(t, err)

	// Invalid outcomes leave the record pending and finalizable.
	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusRejected, Error: &ErrorInfo{Kind: "ValidationError", Message: "bad input"}})
	require.NoError(t, err)
}

func TestExecutionIDsAreTimeOrdered(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := tracker.RecordStart(ctx, start("hello"))
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	require.True(t, sort.StringsAreSorted(ids))
}

func TestListByFunctionOrder(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := tracker.RecordStart(ctx, start("hello"))
		require.NoError(t, err)
		_, err = tracker.RecordFinish(ctx, id, Outcome{
			Status:     StatusSucceeded,
			Output:     i,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	other, err := tracker.RecordStart(ctx, start("other"))
	require.NoError(t, err)
	_, err = tracker.RecordFinish(ctx, other, Outcome{Status: StatusSucceeded})
	require.NoError(t, err)

	list, err := tracker.ListByFunction(ctx, "hello", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, ids[2], list[0].ExecutionID)
	require.Equal(t, ids[1], list[1].ExecutionID)
	require.Equal(t, ids[0], list[2].ExecutionID)

	page, err := tracker.ListByFunction(ctx, "hello", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[1], page[0].ExecutionID)

	failed, err := tracker.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestAbandonPending(t *testing.T) {
	tracker, _ := testTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordStart(ctx, start("crashy"))
	require.NoError(t, err)

	n, err := tracker.AbandonPending(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "SandboxSetupError", got.Error.Kind)
}

func TestCleanup(t *testing.T) {
	store := NewStore(testDB(t))
	tracker := NewTracker(store, nil, time.Hour)
	ctx := context.Background()

	old, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)
	longAgo := time.Now().Add(-48 * time.Hour)
	_, err = tracker.RecordFinish(ctx, old, Outcome{Status: StatusSucceeded, StartedAt: longAgo, FinishedAt: longAgo.Add(time.Second)})
	require.NoError(t, err)

	recent, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)
	_, err = tracker.RecordFinish(ctx, recent, Outcome{Status: StatusSucceeded})
	require.NoError(t, err)

	pending, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)

	deleted, err := tracker.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	got, err := store.Get(ctx, pending)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = store.Get(ctx, old)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFeedReceivesFinalizedRecords(t *testing.T) {
	feed := NewFeed()
	tracker := NewTracker(NewStore(testDB(t)), feed, 0)
	ctx := context.Background()

	all, cancelAll := feed.Subscribe("")
	defer cancelAll()
	onlyOther, cancelOther := feed.Subscribe("other")

	id, err := tracker.RecordStart(ctx, start("hello"))
	require.NoError(t, err)
	_, err = tracker.RecordFinish(ctx, id, Outcome{Status: StatusSucceeded, Output: map[string]any{"ok": true}})
	require.NoError(t, err)

	select {
	case rec := <-all:
		require.Equal(t, id, rec.ExecutionID)
		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Output, &out))
		require.Equal(t, true, out["ok"])
	case <-time.After(time.Second):
		t.Fatal("expected record on feed")
	}

	select {
	case rec := <-onlyOther:
		t.Fatalf("unexpected record for filtered subscriber: %v", rec.ExecutionID)
	default:
	}

	cancelOther()
	cancelOther()
	require.Equal(t, 1, feed.Len())
}

func TestFeedDropsForSlowSubscribers(t *testing.T) {
	feed := NewFeed()
	ch, cancel := feed.Subscribe("")
	defer cancel()

	for i := 0; i < feedBufferSize+10; i++ {
		feed.Publish(&Record{ExecutionID: "x", FunctionID: "f"})
	}
	require.Len(t, ch, feedBufferSize)
}
