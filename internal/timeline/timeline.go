// Package timeline merges a child's transition log and activity log into one
// reverse-chronological feed and keeps it live as either stream changes.
package timeline

import (
	"context"
	"log"
	"sort"
	"time"

	"barnehage/presence/internal/event"
	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

// Source tells which log an entry came from.
type Source string

const (
	SourceTransition Source = "transition"
	SourceActivity   Source = "activity"
)

// Entry is one row of the merged feed.
type Entry struct {
	ID        string
	ChildID   string
	ActorID   string
	Source    Source
	Kind      string
	Notes     string
	Timestamp *time.Time
}

func fromTransition(e model.TransitionLogEntry) Entry {
	return Entry{
		ID:        e.ID,
		ChildID:   e.ChildID,
		ActorID:   e.ActorID,
		Source:    SourceTransition,
		Kind:      string(e.Action),
		Notes:     e.Notes,
		Timestamp: e.Timestamp,
	}
}

func fromActivity(e model.ActivityEntry) Entry {
	return Entry{
		ID:        e.ID,
		ChildID:   e.ChildID,
		ActorID:   e.ActorID,
		Source:    SourceActivity,
		Kind:      e.ActivityType,
		Notes:     e.Notes,
		Timestamp: e.Timestamp,
	}
}

// Merge interleaves both logs newest first. Rows the store has not stamped
// yet sort after every stamped row. Equal timestamps keep transitions before
// activities so the ordering is stable across recomputes.
func Merge(transitions []model.TransitionLogEntry, activities []model.ActivityEntry) []Entry {
	merged := make([]Entry, 0, len(transitions)+len(activities))
	for _, e := range transitions {
		merged = append(merged, fromTransition(e))
	}
	for _, e := range activities {
		merged = append(merged, fromActivity(e))
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Timestamp, merged[j].Timestamp
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return merged[i].Source == SourceTransition && merged[j].Source == SourceActivity
		}
	})
	return merged
}

// Store is the slice of the document store the projector reads from.
type Store interface {
	ListTransitions(ctx context.Context, childID string) ([]model.TransitionLogEntry, error)
	ListActivities(ctx context.Context, childID string) ([]model.ActivityEntry, error)
}

// Projector serves one-shot snapshots and live subscriptions of the merged
// feed.
type Projector struct {
	store    Store
	bus      *event.Bus
	resolver *fallback.Resolver
}

func NewProjector(store Store, bus *event.Bus, resolver *fallback.Resolver) *Projector {
	return &Projector{store: store, bus: bus, resolver: resolver}
}

// Snapshot fetches both logs and merges them. Pass childID "" for the
// facility-wide feed. Both reads run under the critical policy so an
// unreachable store surfaces a bounded failure instead of hanging the feed.
func (p *Projector) Snapshot(ctx context.Context, childID string) ([]Entry, error) {
	var transitions []model.TransitionLogEntry
	err := p.resolver.Do(ctx, fallback.Site{Name: "timeline.list_transitions", Policy: fallback.Critical}, func(ctx context.Context) error {
		var err error
		transitions, err = p.store.ListTransitions(ctx, childID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var activities []model.ActivityEntry
	err = p.resolver.Do(ctx, fallback.Site{Name: "timeline.list_activities", Policy: fallback.Critical}, func(ctx context.Context) error {
		var err error
		activities, err = p.store.ListActivities(ctx, childID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return Merge(transitions, activities), nil
}

// Subscribe emits the current merged feed immediately, then re-emits after
// each change to either underlying log. A failed recompute keeps the last
// good projection; the next change retries. The returned cancel must be
// called to release the bus subscriptions.
func (p *Projector) Subscribe(ctx context.Context, childID string) (<-chan []Entry, func()) {
	out := make(chan []Entry, 1)
	transitionCh, cancelTransitions := p.bus.Subscribe(event.TopicTransitionLogs)
	activityCh, cancelActivities := p.bus.Subscribe(event.TopicActivities)

	subCtx, cancelCtx := context.WithCancel(ctx)
	cancel := func() {
		cancelTransitions()
		cancelActivities()
		cancelCtx()
	}

	go func() {
		defer close(out)

		emit := func() {
			entries, err := p.Snapshot(subCtx, childID)
			if err != nil {
				log.Printf("timeline recompute for %q failed, keeping previous projection: %v", childID, err)
				return
			}
			select {
			case out <- entries:
			case <-subCtx.Done():
			default:
				// Drop the stale snapshot and queue the fresh one.
				select {
				case <-out:
				default:
				}
				select {
				case out <- entries:
				default:
				}
			}
		}

		emit()
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-transitionCh:
				if !ok {
					return
				}
				if childID == "" || ev.ChildID == childID {
					emit()
				}
			case ev, ok := <-activityCh:
				if !ok {
					return
				}
				if childID == "" || ev.ChildID == childID {
					emit()
				}
			}
		}
	}()

	return out, cancel
}
