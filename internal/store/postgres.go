package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/util"
)

// ErrSeqConflict is returned when a replace finds the persisted queue_seq
// moved since the caller last read it. The transaction is rolled back; no
// partial writes survive.
var ErrSeqConflict = errors.New("queue version conflict")

// ErrNotFound is returned for unknown slices and users.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureSlice(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slices (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	if err != nil {
		return fmt.Errorf("ensure slice: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted item tree of a slice and its queue_seq.
func (s *PostgresStore) LoadQueue(ctx context.Context, sliceID string) ([]queue.Item, int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT queue_seq FROM slices WHERE id=$1`, sliceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read slice: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, parent_id, payload
		FROM queue_items
		WHERE slice_id=$1
		ORDER BY parent_id NULLS FIRST, position
	`, sliceID)
	if err != nil {
		return nil, 0, fmt.Errorf("read queue items: %w", err)
	}
	defer rows.Close()

	type row struct {
		id      queue.ItemID
		parent  sql.NullString
		payload []byte
	}
	var flat []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.parent, &r.payload); err != nil {
			return nil, 0, fmt.Errorf("scan queue item: %w", err)
		}
		flat = append(flat, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate queue items: %w", err)
	}

	byParent := make(map[string][]row)
	for _, r := range flat {
		parent := ""
		if r.parent.Valid {
			parent = r.parent.String
		}
		byParent[parent] = append(byParent[parent], r)
	}
	var build func(parent string) []queue.Item
	build = func(parent string) []queue.Item {
		children := byParent[parent]
		if len(children) == 0 {
			return nil
		}
		out := make([]queue.Item, 0, len(children))
		for _, r := range children {
			out = append(out, queue.Item{
				ID:       r.id,
				Payload:  r.payload,
				Children: build(string(r.id)),
			})
		}
		return out
	}
	return build(""), seq, nil
}

// ReplaceQueue transactionally swaps the persisted queue of a slice for
// items and bumps queue_seq. The slice row is locked for the duration; if
// its queue_seq no longer equals expectedSeq the whole replace aborts with
// ErrSeqConflict.
func (s *PostgresStore) ReplaceQueue(ctx context.Context, sliceID string, items []queue.Item, expectedSeq int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT queue_seq FROM slices WHERE id=$1 FOR UPDATE`, sliceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock slice: %w", err)
	}
	if current != expectedSeq {
		return 0, ErrSeqConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE slice_id=$1`, sliceID); err != nil {
		return 0, fmt.Errorf("clear queue items: %w", err)
	}

	var insert func(parent queue.ItemID, siblings []queue.Item) error
	insert = func(parent queue.ItemID, siblings []queue.Item) error {
		for position, item := range siblings {
			parentArg := sql.NullString{String: string(parent), Valid: parent != ""}
			payload := item.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queue_items (slice_id, item_id, parent_id, position, payload)
				VALUES ($1, $2, $3, $4, $5)
			`, sliceID, item.ID, parentArg, position, []byte(payload)); err != nil {
				return fmt.Errorf("insert queue item %s: %w", item.ID, err)
			}
			if err := insert(item.ID, item.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert("", items); err != nil {
		return 0, err
	}

	newSeq := current + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE slices SET queue_seq=$2, updated_at=NOW() WHERE id=$1
	`, sliceID, newSeq); err != nil {
		return 0, fmt.Errorf("bump queue seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return newSeq, nil
}

// QueueSeq reads the persisted queue version without loading items; the
// authority polls it to detect external writers.
func (s *PostgresStore) QueueSeq(ctx context.Context, sliceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT queue_seq FROM slices WHERE id=$1`, sliceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read queue seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, password_hash FROM users WHERE display_name=$1
	`, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, name, role, passwordHash string) (User, error) {
	user := User{
		ID:           util.NewID("usr"),
		DisplayName:  name,
		Role:         role,
		PasswordHash: passwordHash,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.Role, user.PasswordHash); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}
