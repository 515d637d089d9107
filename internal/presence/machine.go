// Package presence owns the lifecycle of a child's attendance status. Every
// accepted transition appends exactly one audit row; rejected transitions
// write nothing.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

var (
	ErrPermission        = errors.New("actor not authorized for action")
	ErrInvalidAction     = errors.New("unknown action")
	ErrInvalidTransition = errors.New("action not valid for current status")

	// ErrStateWriteFailed means the audit row was appended but the child's
	// state document could not be updated. The log is authoritative; the
	// state row is reconciled by the next accepted transition.
	ErrStateWriteFailed = errors.New("transition logged but state update failed")
)

// Next resolves the transition table: current status x action -> next
// status. Re-applying the current status is a rejection, not a no-op write.
func Next(current model.Status, action model.Action) (model.Status, error) {
	switch action {
	case model.ActionCheckIn:
		if current == model.StatusNotCheckedIn || current == model.StatusCheckedOut {
			return model.StatusCheckedIn, nil
		}
	case model.ActionCheckOut:
		if current == model.StatusCheckedIn {
			return model.StatusCheckedOut, nil
		}
	case model.ActionMarkedSick, model.ActionAbsenceReported:
		if current != model.StatusSick {
			return model.StatusSick, nil
		}
	case model.ActionSickCleared:
		if current == model.StatusSick {
			return model.StatusNotCheckedIn, nil
		}
	default:
		return "", ErrInvalidAction
	}
	return "", fmt.Errorf("%w: %s while %s", ErrInvalidTransition, action, current)
}

// Store is the slice of the document store the state machine writes through.
type Store interface {
	GetChild(ctx context.Context, childID string) (model.Child, error)
	AppendTransition(ctx context.Context, entry model.TransitionLogEntry) error
	UpdateChildStatus(ctx context.Context, childID string, status model.Status, absenceReason *string) error
}

type Request struct {
	ChildID string
	Action  model.Action
	Reason  string
	Actor   model.Principal
}

type Machine struct {
	store    Store
	resolver *fallback.Resolver

	transitions *prometheus.CounterVec
}

func NewMachine(store Store, resolver *fallback.Resolver, reg prometheus.Registerer) *Machine {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Machine{
		store:    store,
		resolver: resolver,
		transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Transition requests by action and outcome.",
		}, []string{"action", "outcome"}),
	}
}

// Apply validates and executes one transition. On success exactly one log
// row has been appended and the child's status row updated. The two writes
// are intentionally independent: the log row is the audit trail and is kept
// even when the state update fails afterwards (ErrStateWriteFailed).
func (m *Machine) Apply(ctx context.Context, req Request) (model.TransitionLogEntry, error) {
	// Client input only becomes a metric label once it has parsed; unknown
	// actions share one label to keep cardinality bounded.
	if _, ok := model.ParseAction(string(req.Action)); !ok {
		m.transitions.WithLabelValues("invalid", "rejected").Inc()
		return model.TransitionLogEntry{}, ErrInvalidAction
	}
	if err := authorize(req.Actor.Role, req.Action); err != nil {
		m.transitions.WithLabelValues(string(req.Action), "rejected").Inc()
		return model.TransitionLogEntry{}, err
	}

	var child model.Child
	err := m.resolver.Do(ctx, fallback.Site{Name: "presence.get_child", Policy: fallback.Critical}, func(ctx context.Context) error {
		var err error
		child, err = m.store.GetChild(ctx, req.ChildID)
		return err
	})
	if err != nil {
		m.transitions.WithLabelValues(string(req.Action), "failed").Inc()
		return model.TransitionLogEntry{}, err
	}

	if req.Actor.Role == model.RoleParent && !child.HasGuardian(req.Actor.ID) {
		m.transitions.WithLabelValues(string(req.Action), "rejected").Inc()
		return model.TransitionLogEntry{}, ErrPermission
	}

	next, err := Next(child.Status, req.Action)
	if err != nil {
		m.transitions.WithLabelValues(string(req.Action), "rejected").Inc()
		return model.TransitionLogEntry{}, err
	}

	entry := model.TransitionLogEntry{
		ID:      uuid.NewString(),
		ChildID: req.ChildID,
		ActorID: req.Actor.ID,
		Action:  req.Action,
		Notes:   logNotes(req),
	}
	err = m.resolver.Do(ctx, fallback.Site{Name: "presence.append_log", Policy: fallback.Critical}, func(ctx context.Context) error {
		return m.store.AppendTransition(ctx, entry)
	})
	if err != nil {
		m.transitions.WithLabelValues(string(req.Action), "failed").Inc()
		return model.TransitionLogEntry{}, err
	}

	err = m.resolver.Do(ctx, fallback.Site{Name: "presence.update_state", Policy: fallback.Critical}, func(ctx context.Context) error {
		return m.store.UpdateChildStatus(ctx, req.ChildID, next, absenceReason(req))
	})
	if err != nil {
		m.transitions.WithLabelValues(string(req.Action), "failed").Inc()
		return entry, fmt.Errorf("%w: %v", ErrStateWriteFailed, err)
	}

	m.transitions.WithLabelValues(string(req.Action), "accepted").Inc()
	return entry, nil
}

// authorize gates actions by role before any document is read. Parents are
// additionally restricted to their own children, checked against the loaded
// child's guardian set.
func authorize(role model.Role, action model.Action) error {
	switch role {
	case model.RoleAdmin, model.RoleEmployee:
		return nil
	case model.RoleParent:
		if action == model.ActionAbsenceReported || action == model.ActionSickCleared {
			return nil
		}
		return ErrPermission
	default:
		return ErrPermission
	}
}

func logNotes(req Request) string {
	if req.Action == model.ActionAbsenceReported {
		return req.Reason
	}
	return ""
}

func absenceReason(req Request) *string {
	if req.Action == model.ActionAbsenceReported && req.Reason != "" {
		reason := req.Reason
		return &reason
	}
	return nil
}
