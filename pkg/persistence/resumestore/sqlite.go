package resumestore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is the durable Store backing real widget deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite resume store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite resume store: db is nil")
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS resume_credentials (
		account TEXT NOT NULL PRIMARY KEY,
		business_line TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		agent_avatar TEXT NOT NULL DEFAULT '',
		saved_at_ms INTEGER NOT NULL
	);`)
	return errors.Wrap(err, "sqlite resume store: migrate")
}

func (s *SQLiteStore) Save(ctx context.Context, cred Credential) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite resume store: db is nil")
	}
	cred.Account = strings.TrimSpace(cred.Account)
	if cred.Account == "" {
		return errors.New("sqlite resume store: account is empty")
	}
	if cred.SavedAtMs <= 0 {
		cred.SavedAtMs = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO resume_credentials
		(account, business_line, agent_name, agent_avatar, saved_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			business_line = excluded.business_line,
			agent_name = excluded.agent_name,
			agent_avatar = excluded.agent_avatar,
			saved_at_ms = excluded.saved_at_ms`,
		cred.Account, cred.BusinessLine, cred.AgentName, cred.AgentAvatar, cred.SavedAtMs)
	return errors.Wrap(err, "sqlite resume store: save")
}

func (s *SQLiteStore) Load(ctx context.Context, account string) (Credential, bool, error) {
	if s == nil || s.db == nil {
		return Credential{}, false, errors.New("sqlite resume store: db is nil")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return Credential{}, false, errors.New("sqlite resume store: account is empty")
	}
	row := s.db.QueryRowContext(ctx, `SELECT account, business_line, agent_name, agent_avatar, saved_at_ms
		FROM resume_credentials WHERE account = ?`, account)
	var cred Credential
	err := row.Scan(&cred.Account, &cred.BusinessLine, &cred.AgentName, &cred.AgentAvatar, &cred.SavedAtMs)
	if err == sql.ErrNoRows {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, errors.Wrap(err, "sqlite resume store: load")
	}
	if !cred.Fresh(s.now()) {
		_ = s.Clear(ctx, account)
		return Credential{}, false, nil
	}
	return cred, true, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, account string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite resume store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_credentials WHERE account = ?`,
		strings.TrimSpace(account))
	return errors.Wrap(err, "sqlite resume store: clear")
}
