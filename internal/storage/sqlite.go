package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "guestcast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	reg   *sqliteRegistry
	audit *sqliteAudit
}

type sqliteRegistry struct{ s *sqliteStore }

type sqliteAudit struct{ s *sqliteStore }

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create db dir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	// SQLite prefers a single writer; every statement here is short.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	st.reg = &sqliteRegistry{s: st}
	st.audit = &sqliteAudit{s: st}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate", err)
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Registry() Registry { return s.reg }
func (s *sqliteStore) Audit() AuditLog    { return s.audit }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (r *sqliteRegistry) Upsert(ctx context.Context, g Guest) error {
	if g.ID == 0 {
		return ErrInvalidID
	}
	_, err := r.s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO guests(user_id, username, first_name, last_name, registered_at, delivered)
		 VALUES(?,?,?,?,?,0)`,
		g.ID, nullStr(g.Username), nullStr(g.FirstName), nullStr(g.LastName), r.s.now().UnixNano(),
	)
	return storageErr("upsert guest", err)
}

func (r *sqliteRegistry) ListAll(ctx context.Context) ([]Guest, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT user_id, username, first_name, last_name, registered_at, delivered
		 FROM guests ORDER BY registered_at, user_id`)
	if err != nil {
		return nil, storageErr("list guests", err)
	}
	defer rows.Close()

	out := []Guest{}
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, storageErr("scan guest", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list guests", err)
	}
	return out, nil
}

func (r *sqliteRegistry) Get(ctx context.Context, id int64) (Guest, bool, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT user_id, username, first_name, last_name, registered_at, delivered
		 FROM guests WHERE user_id = ?`, id)
	g, err := scanGuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Guest{}, false, nil
	}
	if err != nil {
		return Guest{}, false, storageErr("get guest", err)
	}
	return g, true, nil
}

func (r *sqliteRegistry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guests`).Scan(&n); err != nil {
		return 0, storageErr("count guests", err)
	}
	return n, nil
}

func (r *sqliteRegistry) IncrementDelivered(ctx context.Context, id int64) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE guests SET delivered = delivered + 1 WHERE user_id = ?`, id)
	return storageErr("increment delivered", err)
}

func (a *sqliteAudit) Append(ctx context.Context, p PhotoRecord) (int64, error) {
	at := p.SubmittedAt
	if at.IsZero() {
		at = a.s.now()
	}
	res, err := a.s.db.ExecContext(ctx,
		`INSERT INTO photos(file_id, sender_id, submitted_at, caption) VALUES(?,?,?,?)`,
		p.FileID, p.SenderID, at.UnixNano(), nullStr(p.Caption),
	)
	if err != nil {
		return 0, storageErr("append photo", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append photo", err)
	}
	return seq, nil
}

func (a *sqliteAudit) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM photos`).Scan(&n); err != nil {
		return 0, storageErr("count photos", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuest(sc rowScanner) (Guest, error) {
	var (
		g                   Guest
		user, first, last   sql.NullString
		registeredAtNanoSec int64
	)
	if err := sc.Scan(&g.ID, &user, &first, &last, &registeredAtNanoSec, &g.Delivered); err != nil {
		return Guest{}, err
	}
	g.Username = user.String
	g.FirstName = first.String
	g.LastName = last.String
	g.RegisteredAt = time.Unix(0, registeredAtNanoSec)
	return g, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
