package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barnehage/presence/internal/event"
	"barnehage/presence/internal/model"
)

// Store is the document-store adapter. Write methods publish a change
// notification after the row is committed; read-side projections refetch
// through the same store.
type Store struct {
	pool *pgxpool.Pool
	bus  *event.Bus
}

func NewStore(pool *pgxpool.Pool, bus *event.Bus) *Store {
	return &Store{pool: pool, bus: bus}
}

func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) publish(topic event.Topic, childID string) {
	if s.bus != nil {
		s.bus.Publish(event.Event{Topic: topic, ChildID: childID})
	}
}

// Children

const childColumns = `id, name, department, status, absence_reason, guardian_ids, allergies, notes, image_ref, updated_at`

func scanChild(row pgx.Row) (model.Child, error) {
	var child model.Child
	err := row.Scan(
		&child.ID,
		&child.Name,
		&child.Department,
		&child.Status,
		&child.AbsenceReason,
		&child.GuardianIDs,
		&child.Allergies,
		&child.Notes,
		&child.ImageRef,
		&child.UpdatedAt,
	)
	return child, err
}

func (s *Store) GetChild(ctx context.Context, childID string) (model.Child, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+childColumns+`
		FROM children
		WHERE id = $1
	`, childID)
	return scanChild(row)
}

func (s *Store) ListChildren(ctx context.Context, department string) ([]model.Child, error) {
	query := `SELECT ` + childColumns + ` FROM children ORDER BY name`
	args := []any{}
	if department != "" {
		query = `SELECT ` + childColumns + ` FROM children WHERE department = $1 ORDER BY name`
		args = append(args, department)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []model.Child
	for rows.Next() {
		child, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

func (s *Store) ListChildrenByGuardian(ctx context.Context, guardianID string) ([]model.Child, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+childColumns+`
		FROM children
		WHERE $1 = ANY(guardian_ids)
		ORDER BY name
	`, guardianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []model.Child
	for rows.Next() {
		child, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

func (s *Store) CreateChild(ctx context.Context, child model.Child) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO children (id, name, department, status, absence_reason, guardian_ids, allergies, notes, image_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, child.ID, child.Name, child.Department, child.Status, child.AbsenceReason,
		child.GuardianIDs, child.Allergies, child.Notes, child.ImageRef, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, child.ID)
	return nil
}

func (s *Store) UpdateChildProfile(ctx context.Context, childID, name, department, allergies, notes string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE children
		SET name = $2, department = $3, allergies = $4, notes = $5, updated_at = $6
		WHERE id = $1
	`, childID, name, department, allergies, notes, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, childID)
	return nil
}

func (s *Store) UpdateChildStatus(ctx context.Context, childID string, status model.Status, absenceReason *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE children
		SET status = $2, absence_reason = $3, updated_at = $4
		WHERE id = $1
	`, childID, status, absenceReason, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, childID)
	return nil
}

func (s *Store) UpdateChildImageRef(ctx context.Context, childID, imageRef string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE children
		SET image_ref = $2, updated_at = $3
		WHERE id = $1
	`, childID, imageRef, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, childID)
	return nil
}

func (s *Store) AddGuardian(ctx context.Context, childID, guardianID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE children
		SET guardian_ids = array_append(guardian_ids, $2), updated_at = $3
		WHERE id = $1 AND NOT ($2 = ANY(guardian_ids))
	`, childID, guardianID, time.Now().UTC())
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, childID)
	return nil
}

// DeleteChild removes the child and both of its log streams in one
// transaction, so a half-deleted child never shows up in a merged feed.
func (s *Store) DeleteChild(ctx context.Context, childID string) error {
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM check_in_out_logs WHERE child_id = $1`, childID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM child_activities WHERE child_id = $1`, childID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM children WHERE id = $1`, childID)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(event.TopicChildren, childID)
	s.publish(event.TopicTransitionLogs, childID)
	s.publish(event.TopicActivities, childID)
	return nil
}

// Users

func (s *Store) GetUser(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, role, department, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(&user.ID, &user.Email, &user.Role, &user.Department, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, role, department, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(&user.ID, &user.Email, &user.Role, &user.Department, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, role, department, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.Email, user.Role, user.Department, now, now)
	return err
}
