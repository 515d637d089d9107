// Package activity appends and deletes free-form activity log entries and
// holds the duplicate-entry guard for repeated identical appends.
package activity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

var (
	ErrPermission = errors.New("actor not authorized for activity operation")

	// ErrDuplicateSuspected is returned when the new entry is identical to
	// the actor's recent run of entries and the caller has not confirmed the
	// append. Resubmitting with confirmation writes it.
	ErrDuplicateSuspected = errors.New("entry repeats the actor's recent run")
)

// recentWindow is how many of the actor's latest entries the guard compares
// against. A run of this length plus the incoming entry is what counts as
// suspicious.
const recentWindow = 3

// Store is the slice of the document store the engine writes through.
type Store interface {
	InsertActivity(ctx context.Context, entry model.ActivityEntry) error
	RecentActivitiesByActor(ctx context.Context, actorID string, limit int) ([]model.ActivityEntry, error)
	GetActivity(ctx context.Context, activityID string) (model.ActivityEntry, error)
	DeleteActivity(ctx context.Context, activityID, childID string) error
}

type Request struct {
	ChildID      string
	ActivityType string
	Notes        string
	Actor        model.Principal

	// Confirmed bypasses the duplicate guard on resubmission.
	Confirmed bool
}

type Engine struct {
	store    Store
	resolver *fallback.Resolver
}

func NewEngine(store Store, resolver *fallback.Resolver) *Engine {
	return &Engine{store: store, resolver: resolver}
}

// Append writes one activity entry. Before writing, the actor's recent
// entries are checked for an identical run; a suspected duplicate is
// rejected until the caller confirms it. The guard read is advisory: if the
// lookup fails the append proceeds rather than blocking staff on a degraded
// store.
func (e *Engine) Append(ctx context.Context, req Request) (model.ActivityEntry, error) {
	if req.Actor.Role != model.RoleAdmin && req.Actor.Role != model.RoleEmployee {
		return model.ActivityEntry{}, ErrPermission
	}

	if !req.Confirmed {
		var recent []model.ActivityEntry
		err := e.resolver.Do(ctx, fallback.Site{Name: "activity.duplicate_guard", Policy: fallback.AuthGating}, func(ctx context.Context) error {
			var err error
			recent, err = e.store.RecentActivitiesByActor(ctx, req.Actor.ID, recentWindow)
			return err
		})
		if err == nil && isRepeatedRun(req, recent) {
			return model.ActivityEntry{}, ErrDuplicateSuspected
		}
	}

	entry := model.ActivityEntry{
		ID:           uuid.NewString(),
		ChildID:      req.ChildID,
		ActorID:      req.Actor.ID,
		ActivityType: req.ActivityType,
		Notes:        req.Notes,
	}
	err := e.resolver.Do(ctx, fallback.Site{Name: "activity.append", Policy: fallback.Critical}, func(ctx context.Context) error {
		return e.store.InsertActivity(ctx, entry)
	})
	if err != nil {
		return model.ActivityEntry{}, err
	}
	return entry, nil
}

// isRepeatedRun reports whether every one of the actor's recentWindow latest
// entries already matches the incoming one. Only type and notes are
// compared: a staffer pasting the same entry across different children is
// the same slip. Fewer than recentWindow entries can never form a
// suspicious run.
func isRepeatedRun(req Request, recent []model.ActivityEntry) bool {
	if len(recent) < recentWindow {
		return false
	}
	for _, prev := range recent[:recentWindow] {
		if prev.ActivityType != req.ActivityType || prev.Notes != req.Notes {
			return false
		}
	}
	return true
}

// Delete removes one entry. Only administrators may delete; the entry is
// loaded first so the delete is scoped to the child it belongs to.
func (e *Engine) Delete(ctx context.Context, activityID string, actor model.Principal) error {
	if actor.Role != model.RoleAdmin {
		return ErrPermission
	}

	var entry model.ActivityEntry
	err := e.resolver.Do(ctx, fallback.Site{Name: "activity.get", Policy: fallback.Critical}, func(ctx context.Context) error {
		var err error
		entry, err = e.store.GetActivity(ctx, activityID)
		return err
	})
	if err != nil {
		return err
	}

	return e.resolver.Do(ctx, fallback.Site{Name: "activity.delete", Policy: fallback.Critical}, func(ctx context.Context) error {
		return e.store.DeleteActivity(ctx, activityID, entry.ChildID)
	})
}
