package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable notification store.
type Store interface {
	// Insert assigns n.ID, n.IsRead and n.CreatedAt. When a row with the same
	// SourceID already exists, n is filled from it and created is false.
	Insert(ctx context.Context, n *Notification) (created bool, err error)
	// ListByUser returns the user's notifications, newest first.
	ListByUser(ctx context.Context, userID string) ([]Notification, error)
	// MarkRead sets is_read on the listed ids owned by userID and returns how
	// many rows matched.
	MarkRead(ctx context.Context, userID string, ids []int64, isRead bool) (int64, error)
	// DeleteOlderThan removes rows created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Deleted, error)
}

// PostgresStore implements Store on the notifications table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const notificationColumns = `id, user_id, message, type, is_read, created_at, source_id`

func (s *PostgresStore) Insert(ctx context.Context, n *Notification) (bool, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, message, type, source_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id) WHERE source_id IS NOT NULL DO NOTHING
		 RETURNING id, is_read, created_at`,
		n.UserID, n.Message, n.Type, n.SourceID,
	).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || n.SourceID == nil {
		return false, err
	}

	// Redelivered message: hand back the row created the first time.
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE source_id = $1`,
		*n.SourceID,
	)
	if err := scanNotification(row, n); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		var n Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID string, ids []int64, isRead bool) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = $3 WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids, isRead,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Deleted, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM notifications WHERE created_at < $1 RETURNING id, user_id`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []Deleted
	for rows.Next() {
		var d Deleted
		if err := rows.Scan(&d.ID, &d.UserID); err != nil {
			return nil, err
		}
		deleted = append(deleted, d)
	}
	return deleted, rows.Err()
}

func scanNotification(row pgx.Row, n *Notification) error {
	return row.Scan(&n.ID, &n.UserID, &n.Message, &n.Type, &n.IsRead, &n.CreatedAt, &n.SourceID)
}
