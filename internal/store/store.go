package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"callhub/internal/models"
)

var (
	// ErrInvalidCredentials is returned when no user matches the username and
	// password hash.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownLevel is returned when a user row carries an unrecognised level.
	ErrUnknownLevel = errors.New("unknown user level")
)

// querier is the subset of a pgx pool the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store executes the hub's bookkeeping queries against PostgreSQL.
type Store struct {
	db querier
}

func New(db querier) *Store {
	return &Store{db: db}
}

func (s *Store) CheckUser(ctx context.Context, username, passwordHash string) (models.Account, error) {
	var fullname, level string
	err := s.db.QueryRow(ctx, `
        SELECT COALESCE(fullname, username), level
        FROM users
        WHERE username = $1 AND password_hash = $2
    `, username, passwordHash).Scan(&fullname, &level)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, fmt.Errorf("check user: %w", err)
	}

	lvl, ok := models.ParseLevel(level)
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}

	return models.Account{Username: username, Fullname: fullname, Level: lvl}, nil
}

func (s *Store) Groups(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT "group" FROM group_member WHERE username = $1`, username)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if group != "" {
			groups = append(groups, group)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read groups: %w", err)
	}
	return groups, nil
}

func (s *Store) StartSession(ctx context.Context, username string, start time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
        INSERT INTO user_session_log (username, start)
        VALUES ($1, $2)
        RETURNING id
    `, username, start).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

func (s *Store) FinishSession(ctx context.Context, id int64, finish time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE user_session_log SET finish = $1 WHERE id = $2`, finish, id); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

func (s *Store) StartPause(ctx context.Context, username, reason string, start time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
        INSERT INTO user_pause_log (username, start, reason)
        VALUES ($1, $2, $3)
        RETURNING id
    `, username, start, reason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start pause: %w", err)
	}
	return id, nil
}

func (s *Store) FinishPause(ctx context.Context, id int64, finish time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE user_pause_log SET finish = $1 WHERE id = $2`, finish, id); err != nil {
		return fmt.Errorf("finish pause: %w", err)
	}
	return nil
}

// OpenPause returns the most recent unfinished pause of a user, if any.
func (s *Store) OpenPause(ctx context.Context, username string) (models.PauseLog, bool, error) {
	var p models.PauseLog
	err := s.db.QueryRow(ctx, `
        SELECT id, start, COALESCE(reason, '')
        FROM user_pause_log
        WHERE username = $1 AND finish IS NULL
        ORDER BY start DESC
        LIMIT 1
    `, username).Scan(&p.ID, &p.Start, &p.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PauseLog{}, false, nil
		}
		return models.PauseLog{}, false, fmt.Errorf("open pause: %w", err)
	}
	p.Username = username
	return p, true, nil
}

// LogFilter narrows session and pause log queries.
type LogFilter struct {
	From     *time.Time
	To       *time.Time
	Username string
	OpenOnly bool
	Limit    int
}

func (f LogFilter) clause() (string, []any) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.From != nil {
		where = append(where, "start >= $"+strconv.Itoa(idx))
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where = append(where, "start <= $"+strconv.Itoa(idx))
		args = append(args, *f.To)
		idx++
	}
	if f.Username != "" {
		where = append(where, "username = $"+strconv.Itoa(idx))
		args = append(args, f.Username)
	}
	if f.OpenOnly {
		where = append(where, "finish IS NULL")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var sb strings.Builder
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY start DESC LIMIT ")
	sb.WriteString(strconv.Itoa(limit))
	return sb.String(), args
}

func (s *Store) Sessions(ctx context.Context, f LogFilter) ([]models.SessionLog, error) {
	clause, args := f.clause()
	rows, err := s.db.Query(ctx, "SELECT id, username, start, finish FROM user_session_log"+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	items := []models.SessionLog{}
	for rows.Next() {
		var l models.SessionLog
		if err := rows.Scan(&l.ID, &l.Username, &l.Start, &l.Finish); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (s *Store) Pauses(ctx context.Context, f LogFilter) ([]models.PauseLog, error) {
	clause, args := f.clause()
	rows, err := s.db.Query(ctx, "SELECT id, username, start, finish, COALESCE(reason, '') FROM user_pause_log"+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query pauses: %w", err)
	}
	defer rows.Close()

	items := []models.PauseLog{}
	for rows.Next() {
		var l models.PauseLog
		if err := rows.Scan(&l.ID, &l.Username, &l.Start, &l.Finish, &l.Reason); err != nil {
			return nil, fmt.Errorf("scan pause: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}
