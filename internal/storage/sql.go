package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "tzbot/pkg/logx"
)

// sqlStore holds the queries shared by the sqlite and postgres drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	dollarPH bool
}

func (s *sqlStore) q(query string) string {
	if !s.dollarPH {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites '?' placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ListInUseTimezones(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryStrings(ctx, `SELECT DISTINCT timezone FROM timezones ORDER BY timezone`)
}

func (s *sqlStore) ListUsersInTimezone(ctx context.Context, timezoneID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryStrings(ctx, `SELECT user_id FROM timezones WHERE timezone = ? ORDER BY user_id`, timezoneID)
}

func (s *sqlStore) ListUserPartitions(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryStrings(ctx, `SELECT guild_id FROM memberships WHERE user_id = ? ORDER BY guild_id`, userID)
}

func (s *sqlStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetTimezone(ctx context.Context, userID string) (Assignment, error) {
	if s == nil || s.db == nil {
		return Assignment{}, ErrDisabled
	}
	var (
		a  = Assignment{UserID: userID}
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT timezone, assigned_at FROM timezones WHERE user_id = ?`), userID,
	).Scan(&a.TimezoneID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.AssignedAt = time.UnixMilli(ms)
	return a, nil
}

func (s *sqlStore) SetTimezone(ctx context.Context, userID, timezoneID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO timezones(user_id, timezone, assigned_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET timezone = excluded.timezone, assigned_at = excluded.assigned_at`),
		userID, timezoneID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) ClearTimezone(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM timezones WHERE user_id = ?`), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AddMembership(ctx context.Context, userID, partitionID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO memberships(user_id, guild_id, joined_at) VALUES(?,?,?)
		 ON CONFLICT(user_id, guild_id) DO NOTHING`),
		userID, partitionID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteUserData(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM memberships WHERE user_id = ?`), userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM timezones WHERE user_id = ?`), userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at, request_id, source, user_id, guild_id, guild_name, old_name, new_name)
		 VALUES(?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), nullStr(e.RequestID), e.Source, e.UserID, e.PartitionID,
		nullStr(e.PartitionName), e.OldName, e.NewName,
	)
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT at, COALESCE(request_id, ''), source, user_id, guild_id, COALESCE(guild_name, ''), old_name, new_name
		 FROM audit WHERE user_id = ? ORDER BY id DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ms int64
		)
		if err := rows.Scan(&ms, &e.RequestID, &e.Source, &e.UserID, &e.PartitionID, &e.PartitionName, &e.OldName, &e.NewName); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
