package invitetrack

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresInvitesTableName = "invites"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists invite records in a single invites table with a
// composite primary key on (invitee, server). The key constraint resolves
// the race between live ingestion and bulk reconciliation: whichever path
// inserts first wins, the other insert is a no-op.
type PostgresStore struct {
	dsn       string
	tableName string
	options   StoreOptions
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, options StoreOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresInvitesTableName,
		options:   options,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := `
			CREATE TABLE IF NOT EXISTS ` + postgresQuoteIdentifier(s.tableName) + ` (
				invitee BIGINT NOT NULL,
				inviter BIGINT NOT NULL,
				server BIGINT NOT NULL,
				joined_at TIMESTAMP NOT NULL DEFAULT NOW(),
				PRIMARY KEY (invitee, server)
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) UpsertIfAbsent(ctx context.Context, record InviteRecord) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if record.Invitee == 0 || record.Inviter == 0 || record.Server == 0 {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	joinedAt := record.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO ` + postgresQuoteIdentifier(s.tableName) + ` (invitee, inviter, server, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (invitee, server) DO NOTHING`
	result, err := s.db.ExecContext(ctx, query, int64(record.Invitee), int64(record.Inviter), int64(record.Server), joinedAt)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 1, nil
}

func (s *PostgresStore) KnownInvitees(ctx context.Context, server ServerID) (map[MemberID]struct{}, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := `SELECT DISTINCT invitee FROM ` + postgresQuoteIdentifier(s.tableName) + ` WHERE server = $1`
	rows, err := s.db.QueryContext(ctx, query, int64(server))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := map[MemberID]struct{}{}
	for rows.Next() {
		var invitee int64
		if err := rows.Scan(&invitee); err != nil {
			return nil, err
		}
		known[MemberID(invitee)] = struct{}{}
	}
	return known, rows.Err()
}

func (s *PostgresStore) InviterToInvitees(ctx context.Context, server ServerID) (map[MemberID][]MemberID, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := `
		SELECT inviter, invitee
		FROM ` + postgresQuoteIdentifier(s.tableName) + `
		WHERE server = $1 AND inviter <> $2
		ORDER BY joined_at ASC, invitee ASC`
	rows, err := s.db.QueryContext(ctx, query, int64(server), int64(s.options.LegacyInviter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := map[MemberID][]MemberID{}
	for rows.Next() {
		var inviter, invitee int64
		if err := rows.Scan(&inviter, &invitee); err != nil {
			return nil, err
		}
		grouped[MemberID(inviter)] = append(grouped[MemberID(inviter)], MemberID(invitee))
	}
	return grouped, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
