package model

import "time"

// Status is a child's current attendance state. It is a projection of the
// transition log; history is never read back from it.
type Status string

const (
	StatusNotCheckedIn Status = "not_checked_in"
	StatusCheckedIn    Status = "checked_in"
	StatusCheckedOut   Status = "checked_out"
	StatusSick         Status = "sick"
)

func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusNotCheckedIn, StatusCheckedIn, StatusCheckedOut, StatusSick:
		return Status(value), true
	default:
		return "", false
	}
}

// Action is an attendance transition recorded in the check-in/out log.
type Action string

const (
	ActionCheckIn         Action = "check_in"
	ActionCheckOut        Action = "check_out"
	ActionMarkedSick      Action = "marked_sick"
	ActionSickCleared     Action = "sick_cleared"
	ActionAbsenceReported Action = "absence_reported"
)

func ParseAction(value string) (Action, bool) {
	switch Action(value) {
	case ActionCheckIn, ActionCheckOut, ActionMarkedSick, ActionSickCleared, ActionAbsenceReported:
		return Action(value), true
	default:
		return "", false
	}
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleParent   Role = "parent"
)

func ParseRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleAdmin, RoleEmployee, RoleParent:
		return Role(value), true
	default:
		return "", false
	}
}

type Child struct {
	ID            string
	Name          string
	Department    string
	Status        Status
	AbsenceReason *string
	GuardianIDs   []string
	Allergies     string
	Notes         string
	ImageRef      *string
	UpdatedAt     time.Time
}

// HasGuardian reports whether userID is listed as a guardian. Guardian order
// is irrelevant.
func (c Child) HasGuardian(userID string) bool {
	for _, id := range c.GuardianIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TransitionLogEntry is an append-only audit row. Timestamp is assigned by
// the store and is nil until the server clock has been applied.
type TransitionLogEntry struct {
	ID        string
	ChildID   string
	ActorID   string
	Action    Action
	Notes     string
	Timestamp *time.Time
}

// ActivityEntry is an append-only free-form log row, deletable by an
// administrator only.
type ActivityEntry struct {
	ID           string
	ChildID      string
	ActorID      string
	ActivityType string
	Notes        string
	Timestamp    *time.Time
}

// RoleSource records how a principal's role was determined at session
// start. The email heuristic only applies when the profile store is
// unreachable or the profile is missing.
type RoleSource string

const (
	RoleSourceProfile   RoleSource = "profile-lookup"
	RoleSourceHeuristic RoleSource = "email-heuristic"
)

// Principal is an authenticated actor with its resolved role. Tokens carry
// identity only; the role is resolved per session.
type Principal struct {
	ID     string
	Email  string
	Role   Role
	Source RoleSource
}

type User struct {
	ID         string
	Email      string
	Role       Role
	Department *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
