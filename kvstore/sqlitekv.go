package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
)

// SQLiteClient is a reference Client backed by modernc.org/sqlite. It stores
// every table's rows in one generic (table_name, pk) -> attrs blob schema and
// emulates the backing store's per-attribute predicate contract (spec §6) by
// reading the current row and evaluating conditions inside a single SQLite
// transaction before writing, the same "snapshot, validate, write" shape the
// teacher's internal/storage/db.go uses around its own GOB-encoded rows.
//
// It exists to prove the kvstore.Client contract is implementable against a
// real SQL engine, not just an in-process map; production deployments are
// expected to wrap an actual distributed KV store instead.
type SQLiteClient struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed Client at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteClient, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite kv store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: lets us use SQLite transactions as our atomicity boundary
	const schema = `CREATE TABLE IF NOT EXISTS txkv_items (
		table_name TEXT NOT NULL,
		pk TEXT NOT NULL,
		attrs BLOB,
		PRIMARY KEY (table_name, pk)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create txkv_items: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

// Close releases the underlying database handle.
func (c *SQLiteClient) Close() error { return c.db.Close() }

func encodeItem(item Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeItem(b []byte) (Item, error) {
	var item Item
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&item); err != nil {
		return nil, err
	}
	return item, nil
}

func (c *SQLiteClient) readRow(ctx context.Context, tx *sql.Tx, table, pk string) (Item, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT attrs FROM txkv_items WHERE table_name = ? AND pk = ?`, table, pk)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	item, err := decodeItem(blob)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Get implements Client.
func (c *SQLiteClient) Get(ctx context.Context, table string, k key.Key) (Item, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT attrs FROM txkv_items WHERE table_name = ? AND pk = ?`, table, k.String()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapBackingError("get", err)
	}
	item, err := decodeItem(blob)
	if err != nil {
		return nil, false, wrapBackingError("get", err)
	}
	return item, true, nil
}

// Put implements Client.
func (c *SQLiteClient) Put(ctx context.Context, table string, k key.Key, item Item, cond Conditions) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := c.readRow(ctx, tx, table, k.String())
		if err != nil {
			return err
		}
		if err := evalConditions(cond, existing, ok); err != nil {
			return err
		}
		blob, err := encodeItem(item)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO txkv_items(table_name, pk, attrs) VALUES (?, ?, ?)
			ON CONFLICT(table_name, pk) DO UPDATE SET attrs = excluded.attrs`, table, k.String(), blob)
		return err
	})
}

// Update implements Client.
func (c *SQLiteClient) Update(ctx context.Context, table string, k key.Key, actions map[string]Action, cond Conditions) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := c.readRow(ctx, tx, table, k.String())
		if err != nil {
			return err
		}
		if err := evalConditions(cond, existing, ok); err != nil {
			return err
		}
		row := existing.Clone()
		if row == nil {
			row = Item{}
			for attr, v := range k.Attrs() {
				row[attr] = v
			}
		}
		if err := applyActions(row, actions); err != nil {
			return err
		}
		blob, err := encodeItem(row)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO txkv_items(table_name, pk, attrs) VALUES (?, ?, ?)
			ON CONFLICT(table_name, pk) DO UPDATE SET attrs = excluded.attrs`, table, k.String(), blob)
		return err
	})
}

// Delete implements Client.
func (c *SQLiteClient) Delete(ctx context.Context, table string, k key.Key, cond Conditions) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := c.readRow(ctx, tx, table, k.String())
		if err != nil {
			return err
		}
		if err := evalConditions(cond, existing, ok); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM txkv_items WHERE table_name = ? AND pk = ?`, table, k.String())
		return err
	})
}

// Scan implements Client. token is the pk to resume after (empty starts from
// the beginning); pageSize <= 0 means "all remaining rows in one page."
func (c *SQLiteClient) Scan(ctx context.Context, table string, token string, pageSize int) (Page, error) {
	query := `SELECT pk, attrs FROM txkv_items WHERE table_name = ? AND pk > ? ORDER BY pk`
	args := []any{table, token}
	if pageSize > 0 {
		query += ` LIMIT ?`
		args = append(args, pageSize+1)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, wrapBackingError("scan", err)
	}
	defer rows.Close()

	var items []Item
	var lastPK string
	for rows.Next() {
		var pk string
		var blob []byte
		if err := rows.Scan(&pk, &blob); err != nil {
			return Page{}, wrapBackingError("scan", err)
		}
		if pageSize > 0 && len(items) == pageSize {
			return Page{Items: items, Token: lastPK}, nil
		}
		item, err := decodeItem(blob)
		if err != nil {
			return Page{}, wrapBackingError("scan", err)
		}
		items = append(items, item)
		lastPK = pk
	}
	if err := rows.Err(); err != nil {
		return Page{}, wrapBackingError("scan", err)
	}
	return Page{Items: items}, nil
}

func (c *SQLiteClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackingError("begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, errs.ErrConditionFailed) {
			return err
		}
		return wrapBackingError("write", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapBackingError("commit", err)
	}
	return nil
}
