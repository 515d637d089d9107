package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"barnehage/presence/internal/event"
	"barnehage/presence/internal/model"
)

// Transition log (append-only)

func scanTransition(row pgx.Row) (model.TransitionLogEntry, error) {
	var entry model.TransitionLogEntry
	err := row.Scan(&entry.ID, &entry.ChildID, &entry.ActorID, &entry.Action, &entry.Notes, &entry.Timestamp)
	return entry, err
}

func (s *Store) AppendTransition(ctx context.Context, entry model.TransitionLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO check_in_out_logs (id, child_id, actor_id, action, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.ChildID, entry.ActorID, entry.Action, entry.Notes, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicTransitionLogs, entry.ChildID)
	return nil
}

// ListTransitions returns log rows for one child, or the full facility log
// when childID is empty. Newest first; rows without an assigned server
// timestamp come last.
func (s *Store) ListTransitions(ctx context.Context, childID string) ([]model.TransitionLogEntry, error) {
	query := `
		SELECT id, child_id, actor_id, action, notes, created_at
		FROM check_in_out_logs
		ORDER BY created_at DESC NULLS LAST
	`
	args := []any{}
	if childID != "" {
		query = `
			SELECT id, child_id, actor_id, action, notes, created_at
			FROM check_in_out_logs
			WHERE child_id = $1
			ORDER BY created_at DESC NULLS LAST
		`
		args = append(args, childID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.TransitionLogEntry
	for rows.Next() {
		entry, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Activities (append-only, admin delete only)

func scanActivity(row pgx.Row) (model.ActivityEntry, error) {
	var entry model.ActivityEntry
	err := row.Scan(&entry.ID, &entry.ChildID, &entry.ActorID, &entry.ActivityType, &entry.Notes, &entry.Timestamp)
	return entry, err
}

func (s *Store) InsertActivity(ctx context.Context, entry model.ActivityEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO child_activities (id, child_id, actor_id, activity_type, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.ChildID, entry.ActorID, entry.ActivityType, entry.Notes, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicActivities, entry.ChildID)
	return nil
}

func (s *Store) ListActivities(ctx context.Context, childID string) ([]model.ActivityEntry, error) {
	query := `
		SELECT id, child_id, actor_id, activity_type, notes, created_at
		FROM child_activities
		ORDER BY created_at DESC NULLS LAST
	`
	args := []any{}
	if childID != "" {
		query = `
			SELECT id, child_id, actor_id, activity_type, notes, created_at
			FROM child_activities
			WHERE child_id = $1
			ORDER BY created_at DESC NULLS LAST
		`
		args = append(args, childID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ActivityEntry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecentActivitiesByActor returns the actor's newest entries across all
// children, for the duplicate guard.
func (s *Store) RecentActivitiesByActor(ctx context.Context, actorID string, limit int) ([]model.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, child_id, actor_id, activity_type, notes, created_at
		FROM child_activities
		WHERE actor_id = $1
		ORDER BY created_at DESC NULLS LAST
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ActivityEntry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) GetActivity(ctx context.Context, activityID string) (model.ActivityEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, child_id, actor_id, activity_type, notes, created_at
		FROM child_activities
		WHERE id = $1
	`, activityID)
	return scanActivity(row)
}

func (s *Store) DeleteActivity(ctx context.Context, activityID, childID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM child_activities WHERE id = $1`, activityID)
	if err != nil {
		return err
	}
	s.publish(event.TopicActivities, childID)
	return nil
}
