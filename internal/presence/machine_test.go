package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

type fakeStore struct {
	children map[string]model.Child
	logRows  []model.TransitionLogEntry

	getErr    error
	appendErr error
	updateErr error
}

func (f *fakeStore) GetChild(_ context.Context, childID string) (model.Child, error) {
	if f.getErr != nil {
		return model.Child{}, f.getErr
	}
	c, ok := f.children[childID]
	if !ok {
		return model.Child{}, errors.New("not found")
	}
	return c, nil
}

func (f *fakeStore) AppendTransition(_ context.Context, entry model.TransitionLogEntry) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.logRows = append(f.logRows, entry)
	return nil
}

func (f *fakeStore) UpdateChildStatus(_ context.Context, childID string, status model.Status, reason *string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	c := f.children[childID]
	c.Status = status
	c.AbsenceReason = reason
	f.children[childID] = c
	return nil
}

func newTestMachine(store *fakeStore) *Machine {
	return NewMachine(store, fallback.NewResolver(time.Second, time.Second, time.Second), nil)
}

func employee() model.Principal {
	return model.Principal{ID: "staff-1", Role: model.RoleEmployee}
}

func TestApplyCheckInAppendsOneRow(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusNotCheckedIn},
	}}
	m := newTestMachine(store)

	entry, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionCheckIn, Actor: employee()})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(store.logRows) != 1 {
		t.Fatalf("log rows = %d, want 1", len(store.logRows))
	}
	if entry.Action != model.ActionCheckIn || entry.ChildID != "c1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got := store.children["c1"].Status; got != model.StatusCheckedIn {
		t.Fatalf("status = %s, want checked_in", got)
	}
}

func TestApplyRejectsRedundantCheckIn(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusCheckedIn},
	}}
	m := newTestMachine(store)

	_, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionCheckIn, Actor: employee()})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(store.logRows) != 0 {
		t.Fatalf("log rows = %d, want 0", len(store.logRows))
	}
	if got := store.children["c1"].Status; got != model.StatusCheckedIn {
		t.Fatalf("status changed to %s", got)
	}
}

func TestApplySickClearedRequiresSick(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusCheckedIn},
	}}
	m := newTestMachine(store)

	_, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionSickCleared, Actor: employee()})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestApplySickClearedResetsReason(t *testing.T) {
	reason := "fever"
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusSick, AbsenceReason: &reason, GuardianIDs: []string{"p1"}},
	}}
	m := newTestMachine(store)

	actor := model.Principal{ID: "p1", Role: model.RoleParent}
	if _, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionSickCleared, Actor: actor}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	c := store.children["c1"]
	if c.Status != model.StatusNotCheckedIn {
		t.Fatalf("status = %s, want not_checked_in", c.Status)
	}
	if c.AbsenceReason != nil {
		t.Fatalf("absence reason = %q, want cleared", *c.AbsenceReason)
	}
}

func TestApplyAbsenceReportedSetsReason(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusCheckedOut, GuardianIDs: []string{"p1"}},
	}}
	m := newTestMachine(store)

	actor := model.Principal{ID: "p1", Role: model.RoleParent}
	entry, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionAbsenceReported, Reason: "dentist", Actor: actor})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if entry.Notes != "dentist" {
		t.Fatalf("entry notes = %q, want dentist", entry.Notes)
	}
	c := store.children["c1"]
	if c.Status != model.StatusSick {
		t.Fatalf("status = %s, want sick", c.Status)
	}
	if c.AbsenceReason == nil || *c.AbsenceReason != "dentist" {
		t.Fatalf("absence reason = %v, want dentist", c.AbsenceReason)
	}
}

func TestApplyParentCannotCheckIn(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusNotCheckedIn, GuardianIDs: []string{"p1"}},
	}}
	m := newTestMachine(store)

	actor := model.Principal{ID: "p1", Role: model.RoleParent}
	_, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionCheckIn, Actor: actor})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
	if len(store.logRows) != 0 {
		t.Fatalf("log rows = %d, want 0", len(store.logRows))
	}
}

func TestApplyParentNeedsGuardianship(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{
		"c1": {ID: "c1", Status: model.StatusCheckedIn, GuardianIDs: []string{"other"}},
	}}
	m := newTestMachine(store)

	actor := model.Principal{ID: "p1", Role: model.RoleParent}
	_, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionAbsenceReported, Actor: actor})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

func TestApplyUnknownAction(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{"c1": {ID: "c1"}}}
	m := newTestMachine(store)

	_, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: "nap_time", Actor: employee()})
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("err = %v, want ErrInvalidAction", err)
	}
}

func TestApplyUnknownActionLabelIsBounded(t *testing.T) {
	store := &fakeStore{children: map[string]model.Child{"c1": {ID: "c1"}}}
	reg := prometheus.NewRegistry()
	m := NewMachine(store, fallback.NewResolver(time.Second, time.Second, time.Second), reg)

	if _, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: "nap_time", Actor: employee()}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("err = %v, want ErrInvalidAction", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "action" && label.GetValue() == "nap_time" {
					t.Fatalf("raw client input recorded as metric label")
				}
				if label.GetName() == "action" && label.GetValue() == "invalid" {
					return
				}
			}
		}
	}
	t.Fatalf("no metric recorded for the rejected unknown action")
}

func TestApplyStateWriteFailureKeepsLogRow(t *testing.T) {
	store := &fakeStore{
		children:  map[string]model.Child{"c1": {ID: "c1", Status: model.StatusNotCheckedIn}},
		updateErr: errors.New("write refused"),
	}
	m := newTestMachine(store)

	entry, err := m.Apply(context.Background(), Request{ChildID: "c1", Action: model.ActionCheckIn, Actor: employee()})
	if !errors.Is(err, ErrStateWriteFailed) {
		t.Fatalf("err = %v, want ErrStateWriteFailed", err)
	}
	if len(store.logRows) != 1 {
		t.Fatalf("log rows = %d, want 1", len(store.logRows))
	}
	if entry.ID == "" {
		t.Fatalf("expected logged entry to be returned")
	}
}

func TestNextTable(t *testing.T) {
	cases := []struct {
		current model.Status
		action  model.Action
		next    model.Status
		ok      bool
	}{
		{model.StatusNotCheckedIn, model.ActionCheckIn, model.StatusCheckedIn, true},
		{model.StatusCheckedOut, model.ActionCheckIn, model.StatusCheckedIn, true},
		{model.StatusCheckedIn, model.ActionCheckOut, model.StatusCheckedOut, true},
		{model.StatusNotCheckedIn, model.ActionCheckOut, "", false},
		{model.StatusCheckedIn, model.ActionMarkedSick, model.StatusSick, true},
		{model.StatusSick, model.ActionMarkedSick, "", false},
		{model.StatusSick, model.ActionAbsenceReported, "", false},
		{model.StatusSick, model.ActionSickCleared, model.StatusNotCheckedIn, true},
		{model.StatusCheckedOut, model.ActionSickCleared, "", false},
	}
	for _, tc := range cases {
		next, err := Next(tc.current, tc.action)
		if tc.ok {
			if err != nil {
				t.Fatalf("%s/%s: %v", tc.current, tc.action, err)
			}
			if next != tc.next {
				t.Fatalf("%s/%s = %s, want %s", tc.current, tc.action, next, tc.next)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s/%s err = %v, want ErrInvalidTransition", tc.current, tc.action, err)
		}
	}
}
