package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"barnehage/presence/internal/event"
	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

func newTestProjector(store Store, bus *event.Bus) *Projector {
	return NewProjector(store, bus, fallback.NewResolver(time.Second, time.Second, time.Second))
}

func ts(t *testing.T, offset time.Duration) *time.Time {
	t.Helper()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := base.Add(offset)
	return &v
}

func TestMergeDescending(t *testing.T) {
	transitions := []model.TransitionLogEntry{
		{ID: "t1", Action: model.ActionCheckIn, Timestamp: ts(t, 15*time.Minute)},
		{ID: "t2", Action: model.ActionCheckOut, Timestamp: ts(t, 5*time.Minute)},
	}
	activities := []model.ActivityEntry{
		{ID: "a1", ActivityType: "meal", Timestamp: ts(t, 10*time.Minute)},
	}

	merged := Merge(transitions, activities)
	want := []string{"t1", "a1", "t2"}
	if len(merged) != len(want) {
		t.Fatalf("merged %d entries, want %d", len(merged), len(want))
	}
	for i, id := range want {
		if merged[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, merged[i].ID, id)
		}
	}
}

func TestMergeUnstampedRowsSortLast(t *testing.T) {
	transitions := []model.TransitionLogEntry{
		{ID: "pending", Action: model.ActionCheckIn},
		{ID: "old", Action: model.ActionCheckOut, Timestamp: ts(t, -24*time.Hour)},
	}
	activities := []model.ActivityEntry{
		{ID: "a1", ActivityType: "nap", Timestamp: ts(t, 0)},
	}

	merged := Merge(transitions, activities)
	if merged[len(merged)-1].ID != "pending" {
		t.Fatalf("last entry = %s, want pending", merged[len(merged)-1].ID)
	}
	if merged[0].ID != "a1" {
		t.Fatalf("first entry = %s, want a1", merged[0].ID)
	}
}

func TestMergeTieBreakIsDeterministic(t *testing.T) {
	when := ts(t, 0)
	transitions := []model.TransitionLogEntry{
		{ID: "t1", Action: model.ActionCheckIn, Timestamp: when},
	}
	activities := []model.ActivityEntry{
		{ID: "a1", ActivityType: "meal", Timestamp: when},
	}

	for i := 0; i < 5; i++ {
		merged := Merge(transitions, activities)
		if merged[0].ID != "t1" || merged[1].ID != "a1" {
			t.Fatalf("run %d: order %s,%s, want t1,a1", i, merged[0].ID, merged[1].ID)
		}
	}
}

type fakeLogStore struct {
	mu          sync.Mutex
	transitions []model.TransitionLogEntry
	activities  []model.ActivityEntry
	listErr     error
}

func (f *fakeLogStore) ListTransitions(_ context.Context, childID string) ([]model.TransitionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.TransitionLogEntry
	for _, e := range f.transitions {
		if childID == "" || e.ChildID == childID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogStore) ListActivities(_ context.Context, childID string) ([]model.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.ActivityEntry
	for _, e := range f.activities {
		if childID == "" || e.ChildID == childID {
			out = append(out, e)
		}
	}
	return out, nil
}

func waitFeed(t *testing.T, ch <-chan []Entry) []Entry {
	t.Helper()
	select {
	case entries, ok := <-ch:
		if !ok {
			t.Fatalf("feed closed")
		}
		return entries
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for feed")
	}
	return nil
}

type blockingLogStore struct{}

func (blockingLogStore) ListTransitions(ctx context.Context, _ string) ([]model.TransitionLogEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingLogStore) ListActivities(ctx context.Context, _ string) ([]model.ActivityEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSnapshotBoundedWhenStoreBlocks(t *testing.T) {
	p := NewProjector(blockingLogStore{}, event.NewBus(nil),
		fallback.NewResolver(20*time.Millisecond, time.Second, time.Second))

	start := time.Now()
	_, err := p.Snapshot(context.Background(), "c1")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("snapshot took %v against an unreachable store", elapsed)
	}

	var failure *fallback.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *fallback.Failure", err)
	}
	if failure.Kind != fallback.Timeout {
		t.Fatalf("kind = %s, want timeout", failure.Kind)
	}
}

func TestSubscribeEmitsOnChange(t *testing.T) {
	store := &fakeLogStore{
		transitions: []model.TransitionLogEntry{
			{ID: "t1", ChildID: "c1", Action: model.ActionCheckIn, Timestamp: ts(t, 0)},
		},
	}
	bus := event.NewBus(nil)
	p := newTestProjector(store, bus)

	feed, cancel := p.Subscribe(context.Background(), "c1")
	defer cancel()

	first := waitFeed(t, feed)
	if len(first) != 1 || first[0].ID != "t1" {
		t.Fatalf("initial feed = %+v", first)
	}

	store.mu.Lock()
	store.activities = append(store.activities, model.ActivityEntry{
		ID: "a1", ChildID: "c1", ActivityType: "meal", Timestamp: ts(t, time.Minute),
	})
	store.mu.Unlock()
	bus.Publish(event.Event{Topic: event.TopicActivities, ChildID: "c1"})

	second := waitFeed(t, feed)
	if len(second) != 2 || second[0].ID != "a1" {
		t.Fatalf("updated feed = %+v", second)
	}
}

func TestSubscribeIgnoresOtherChildren(t *testing.T) {
	store := &fakeLogStore{}
	bus := event.NewBus(nil)
	p := newTestProjector(store, bus)

	feed, cancel := p.Subscribe(context.Background(), "c1")
	defer cancel()

	if got := waitFeed(t, feed); len(got) != 0 {
		t.Fatalf("initial feed = %+v, want empty", got)
	}

	bus.Publish(event.Event{Topic: event.TopicActivities, ChildID: "c2"})
	select {
	case entries := <-feed:
		t.Fatalf("unexpected emit for other child: %+v", entries)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeKeepsFeedOnRecomputeFailure(t *testing.T) {
	store := &fakeLogStore{
		transitions: []model.TransitionLogEntry{
			{ID: "t1", ChildID: "c1", Action: model.ActionCheckIn, Timestamp: ts(t, 0)},
		},
	}
	bus := event.NewBus(nil)
	p := newTestProjector(store, bus)

	feed, cancel := p.Subscribe(context.Background(), "c1")
	defer cancel()
	waitFeed(t, feed)

	store.mu.Lock()
	store.listErr = errors.New("store unreachable")
	store.mu.Unlock()
	bus.Publish(event.Event{Topic: event.TopicTransitionLogs, ChildID: "c1"})

	select {
	case entries, ok := <-feed:
		if ok {
			t.Fatalf("unexpected emit after failed recompute: %+v", entries)
		}
		t.Fatalf("feed closed after failed recompute")
	case <-time.After(100 * time.Millisecond):
	}

	store.mu.Lock()
	store.listErr = nil
	store.transitions = append(store.transitions, model.TransitionLogEntry{
		ID: "t2", ChildID: "c1", Action: model.ActionCheckOut, Timestamp: ts(t, time.Minute),
	})
	store.mu.Unlock()
	bus.Publish(event.Event{Topic: event.TopicTransitionLogs, ChildID: "c1"})

	recovered := waitFeed(t, feed)
	if len(recovered) != 2 || recovered[0].ID != "t2" {
		t.Fatalf("recovered feed = %+v", recovered)
	}
}
