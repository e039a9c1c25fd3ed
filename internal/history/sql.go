package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/evchat/internal/llm"
)

// maxWriteAttempts bounds optimistic-concurrency retries when another
// process updates the same user's row between our read and write.
const maxWriteAttempts = 8

// ErrWriteConflict is returned when a user's history kept changing under
// concurrent writers for maxWriteAttempts rounds.
var ErrWriteConflict = errors.New("history: concurrent update conflict")

// SQLStore keeps one chat_history row per user.
//
// Writers within this process are serialized by a per-user mutex. The
// row's version column detects writers in other processes sharing the
// database: an update only applies if the version read is still current,
// otherwise the read-modify-write is repeated.
type SQLStore struct {
	db     *sql.DB
	locks  KeyedMutex
	logger *slog.Logger
}

// NewSQLStore creates the chat_history table if needed and returns a store.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate chat history: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_history (
			user_id TEXT PRIMARY KEY,
			history_json TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// Databases created by earlier deployments only have user_id and
	// history_json.
	cols, err := s.columns()
	if err != nil {
		return err
	}
	if !cols["version"] {
		if _, err := s.db.Exec(`ALTER TABLE chat_history ADD COLUMN version INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add version column: %w", err)
		}
	}
	if !cols["updated_at"] {
		if _, err := s.db.Exec(`ALTER TABLE chat_history ADD COLUMN updated_at TIMESTAMP`); err != nil {
			return fmt.Errorf("add updated_at column: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) columns() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('chat_history')`)
	if err != nil {
		return nil, fmt.Errorf("inspect chat_history: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Append adds msg to the end of the user's history.
func (s *SQLStore) Append(ctx context.Context, userID string, msg llm.Message) error {
	msg, err := Normalize(msg.Role, msg)
	if err != nil {
		return err
	}
	var rejected error
	_, err = s.update(ctx, userID, func(msgs []llm.Message) []llm.Message {
		if rejected = checkAppend(msgs, msg); rejected != nil {
			return nil
		}
		return append(msgs, msg)
	})
	if err != nil {
		return err
	}
	return rejected
}

// EnsureSystem prepends a system message if the stored history has none.
func (s *SQLStore) EnsureSystem(ctx context.Context, userID, content string) (bool, error) {
	return s.update(ctx, userID, func(msgs []llm.Message) []llm.Message {
		return withSystem(msgs, content)
	})
}

// History returns the user's stored messages.
func (s *SQLStore) History(ctx context.Context, userID string) ([]llm.Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	msgs, _, _, err := s.read(ctx, userID)
	return msgs, err
}

// Clear removes the user's row.
func (s *SQLStore) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Users lists user ids with a stored history.
func (s *SQLStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM chat_history ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *SQLStore) read(ctx context.Context, userID string) (msgs []llm.Message, version int64, exists bool, err error) {
	var data sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT history_json, version FROM chat_history WHERE user_id = ?`, userID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return []llm.Message{}, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read history: %w", err)
	}
	msgs, err = decode(data.String)
	if err != nil {
		return nil, 0, false, err
	}
	return msgs, version, true, nil
}

// update applies fn to the user's history under the per-user lock and
// writes the result with a version check. fn returns nil to leave the
// history unchanged; update then reports false.
func (s *SQLStore) update(ctx context.Context, userID string, fn func([]llm.Message) []llm.Message) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		msgs, version, exists, err := s.read(ctx, userID)
		if err != nil {
			return false, err
		}

		next := fn(msgs)
		if next == nil {
			return false, nil
		}
		data, err := encode(next)
		if err != nil {
			return false, err
		}

		ok, err := s.write(ctx, userID, data, version, exists)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		s.logger.Debug("chat history changed concurrently, retrying",
			"user_id", userID, "version", version, "attempt", attempt)
	}
	return false, ErrWriteConflict
}

func (s *SQLStore) write(ctx context.Context, userID, data string, version int64, exists bool) (bool, error) {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if exists {
		res, err = s.db.ExecContext(ctx, `
			UPDATE chat_history
			SET history_json = ?, version = version + 1, updated_at = ?
			WHERE user_id = ? AND version = ?
		`, data, now, userID, version)
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO chat_history (user_id, history_json, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, data, now)
	}
	if err != nil {
		return false, fmt.Errorf("write history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write history: %w", err)
	}
	return n == 1, nil
}
