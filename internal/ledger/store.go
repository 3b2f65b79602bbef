// Package ledger keeps a local history of processed documents.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/logging"

	_ "modernc.org/sqlite"
)

// Entry is one recorded outcome.
type Entry struct {
	ID          string         `json:"id"`
	File        string         `json:"file"`
	Recipient   string         `json:"recipient"`
	Disposition string         `json:"disposition"`
	Summary     string         `json:"summary"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Channels    []ChannelEntry `json:"channels,omitempty"`
}

type ChannelEntry struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Totals counts outcomes per disposition.
type Totals struct {
	Consumed    int64 `json:"consumed"`
	Quarantined int64 `json:"quarantined"`
}

type Store struct {
	db     *sql.DB
	redact bool
	logger *slog.Logger
}

type Config struct {
	Path   string
	Redact bool // store masked recipients
	Logger *slog.Logger
}

func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create ledger directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return &Store{db: db, redact: cfg.Redact, logger: cfg.Logger}, nil
}

// Record stores one outcome together with its per-channel results.
func (s *Store) Record(ctx context.Context, o domain.Outcome) error {
	recipient := o.Recipient
	if s.redact {
		recipient = logging.MaskRecipient(recipient)
	}
	var errText string
	if o.Err != nil {
		errText = o.Err.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outcomes (id, file, recipient, disposition, summary, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.File, recipient, string(o.Disposition), o.Summary(), errText,
		o.StartedAt.UnixMilli(), o.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	for _, r := range o.Results {
		var kind, msg string
		if !r.OK() {
			kind = string(domain.KindOf(r.Err))
			msg = r.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_results (outcome_id, channel, ok, kind, error) VALUES (?, ?, ?, ?, ?)`,
			o.ID, r.Channel, r.OK(), kind, msg,
		); err != nil {
			return fmt.Errorf("insert channel result: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest outcomes first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file, recipient, disposition, summary, error, started_at, duration_ms
		 FROM outcomes ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	index := make(map[string]int)
	for rows.Next() {
		var e Entry
		var recipient, summary, errText sql.NullString
		var started, durMS int64
		if err := rows.Scan(&e.ID, &e.File, &recipient, &e.Disposition, &summary, &errText, &started, &durMS); err != nil {
			return nil, err
		}
		e.Recipient, e.Summary, e.Error = recipient.String, summary.String, errText.String
		e.StartedAt = time.UnixMilli(started)
		e.Duration = time.Duration(durMS) * time.Millisecond
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT c.outcome_id, c.channel, c.ok, c.kind, c.error
		 FROM channel_results c JOIN outcomes o ON o.id = c.outcome_id
		 WHERE o.id IN (SELECT id FROM outcomes ORDER BY started_at DESC, rowid DESC LIMIT ?)
		 ORDER BY c.rowid`, limit)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var id string
		var c ChannelEntry
		var kind, msg sql.NullString
		if err := crows.Scan(&id, &c.Channel, &c.OK, &kind, &msg); err != nil {
			return nil, err
		}
		c.Kind, c.Error = kind.String, msg.String
		if i, ok := index[id]; ok {
			entries[i].Channels = append(entries[i].Channels, c)
		}
	}
	return entries, crows.Err()
}

// Totals counts recorded outcomes by disposition.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	rows, err := s.db.QueryContext(ctx, `SELECT disposition, COUNT(*) FROM outcomes GROUP BY disposition`)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			return t, err
		}
		switch domain.Disposition(d) {
		case domain.Consumed:
			t.Consumed = n
		case domain.QuarantinedWithError:
			t.Quarantined = n
		}
	}
	return t, rows.Err()
}

// Prune removes outcomes started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Snapshot writes a consistent copy of the ledger to dest, which must not
// exist yet. A running relay may keep writing meanwhile.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}
	return nil
}

// SchemaVersion is the highest migration applied to this ledger.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}
