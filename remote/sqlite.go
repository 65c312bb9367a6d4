package remote

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/itiky/parcel-sync/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultPollInterval = 250 * time.Millisecond
	pollBatchSize       = 500
)

// SQLiteStore is a DocumentStore persisted to a SQLite database.
// Every committed write appends to the changes log which watchers poll,
// so changes made by other processes sharing the file are pushed as well.
type SQLiteStore struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// OpenSQLiteStore creates or opens a SQLite database at the given path.
func OpenSQLiteStore(path string, pollInterval time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%s: empty", "path")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(%s): %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	return &SQLiteStore{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetAll implements DocumentStore interface.
func (s *SQLiteStore) GetAll(ctx context.Context, node string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, doc FROM documents WHERE node = ?", node)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		docs[key] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return docs, nil
}

// Get implements DocumentStore interface.
func (s *SQLiteStore) Get(ctx context.Context, node, key string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM documents WHERE node = ? AND key = ?", node, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query: %w", err)
	}

	return doc, true, nil
}

// Put implements DocumentStore interface.
func (s *SQLiteStore) Put(ctx context.Context, node, key string, doc []byte) error {
	return s.inTx(ctx, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (node, key, doc, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (node, key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
			node, key, doc, now,
		)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}

		return appendChange(ctx, tx, node, key, model.UpsertOperationType, doc, now)
	})
}

// Insert implements DocumentStore interface.
func (s *SQLiteStore) Insert(ctx context.Context, node, key string, doc []byte) error {
	return s.inTx(ctx, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO documents (node, key, doc, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (node, key) DO NOTHING`,
			node, key, doc, now,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rowsAffected: %w", err)
		}
		if affected == 0 {
			return model.ErrKeyExists
		}

		return appendChange(ctx, tx, node, key, model.UpsertOperationType, doc, now)
	})
}

// Delete implements DocumentStore interface.
func (s *SQLiteStore) Delete(ctx context.Context, node, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE node = ? AND key = ?", node, key)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rowsAffected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		return appendChange(ctx, tx, node, key, model.DeleteOperationType, nil, now)
	})
}

// Watch implements DocumentStore interface.
func (s *SQLiteStore) Watch(ctx context.Context, node string) (model.Subscription, error) {
	var lastSeq int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("changes head: %w", err)
	}

	sub := newSubscription(ctx, defaultSubscriptionBufSize, nil)
	go s.poll(node, lastSeq, sub)

	return sub, nil
}

// poll pushes the changes log entries to the subscription until it is closed.
func (s *SQLiteStore) poll(node string, lastSeq int64, sub *subscription) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stopCh:
			return
		case <-ticker.C:
			changes, seq, err := s.readChanges(node, lastSeq)
			if err != nil {
				s.logger.Error("changes poll failed", "node", node, "error", err)
				sub.terminate(err)
				return
			}
			for _, change := range changes {
				if !sub.push(change) {
					return
				}
			}
			lastSeq = seq
		}
	}
}

func (s *SQLiteStore) readChanges(node string, afterSeq int64) ([]model.RawChange, int64, error) {
	rows, err := s.db.Query(
		"SELECT seq, key, op, doc FROM changes WHERE node = ? AND seq > ? ORDER BY seq LIMIT ?",
		node, afterSeq, pollBatchSize,
	)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	lastSeq := afterSeq
	changes := make([]model.RawChange, 0)
	for rows.Next() {
		var seq int64
		var key, op string
		var doc []byte
		if err := rows.Scan(&seq, &key, &op, &doc); err != nil {
			return nil, afterSeq, fmt.Errorf("scan: %w", err)
		}
		changes = append(changes, model.RawChange{
			Type:    model.OperationType(op),
			Path:    node + "/" + key,
			Payload: doc,
		})
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, afterSeq, fmt.Errorf("rows: %w", err)
	}

	return changes, lastSeq, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx, now int64) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(tx, time.Now().UnixNano()); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, node, key string, op model.OperationType, doc []byte, now int64) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO changes (node, key, op, doc, created_at) VALUES (?, ?, ?, ?, ?)",
		node, key, string(op), doc, now,
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}

	return nil
}
