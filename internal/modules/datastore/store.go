package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/baseplate-os/baseplate/internal/eventbus"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT,
	meta       TEXT,
	updated_at REAL NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// persistence stores records in a sqlite database so the data store
// survives restarts.
type persistence struct {
	db   *sql.DB
	path string
}

func openPersistence(ctx context.Context, path string) (*persistence, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", path, err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY on concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore: apply schema: %w", err)
	}
	return &persistence{db: db, path: path}, nil
}

func (p *persistence) load(ctx context.Context) (map[string]map[string]eventbus.DataStoreRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT namespace, key, value, meta, updated_at FROM records`)
	if err != nil {
		return nil, fmt.Errorf("datastore: load records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]eventbus.DataStoreRecord)
	for rows.Next() {
		var (
			namespace, key string
			valueJSON      sql.NullString
			metaJSON       sql.NullString
			updatedAt      float64
		)
		if err := rows.Scan(&namespace, &key, &valueJSON, &metaJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan record: %w", err)
		}

		record := eventbus.DataStoreRecord{UpdatedAt: updatedAt}
		if valueJSON.Valid && valueJSON.String != "" {
			if err := json.Unmarshal([]byte(valueJSON.String), &record.Value); err != nil {
				return nil, fmt.Errorf("datastore: decode value %s/%s: %w", namespace, key, err)
			}
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &record.Meta); err != nil {
				return nil, fmt.Errorf("datastore: decode meta %s/%s: %w", namespace, key, err)
			}
		}

		bucket, ok := out[namespace]
		if !ok {
			bucket = make(map[string]eventbus.DataStoreRecord)
			out[namespace] = bucket
		}
		bucket[key] = record
	}
	return out, rows.Err()
}

func (p *persistence) save(ctx context.Context, namespace, key string, record eventbus.DataStoreRecord) error {
	valueJSON, err := json.Marshal(record.Value)
	if err != nil {
		return fmt.Errorf("datastore: encode value %s/%s: %w", namespace, key, err)
	}
	metaJSON, err := json.Marshal(record.Meta)
	if err != nil {
		return fmt.Errorf("datastore: encode meta %s/%s: %w", namespace, key, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, meta, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			meta = excluded.meta,
			updated_at = excluded.updated_at`,
		namespace, key, string(valueJSON), string(metaJSON), record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("datastore: upsert %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (p *persistence) delete(ctx context.Context, namespace, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM records WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("datastore: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (p *persistence) saveAll(ctx context.Context, snapshot map[string]map[string]eventbus.DataStoreRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin flush: %w", err)
	}
	defer tx.Rollback()

	for namespace, bucket := range snapshot {
		for key, record := range bucket {
			valueJSON, err := json.Marshal(record.Value)
			if err != nil {
				return fmt.Errorf("datastore: encode value %s/%s: %w", namespace, key, err)
			}
			metaJSON, err := json.Marshal(record.Meta)
			if err != nil {
				return fmt.Errorf("datastore: encode meta %s/%s: %w", namespace, key, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (namespace, key, value, meta, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (namespace, key) DO UPDATE SET
					value = excluded.value,
					meta = excluded.meta,
					updated_at = excluded.updated_at`,
				namespace, key, string(valueJSON), string(metaJSON), record.UpdatedAt); err != nil {
				return fmt.Errorf("datastore: flush %s/%s: %w", namespace, key, err)
			}
		}
	}
	return tx.Commit()
}

func (p *persistence) Close() error {
	return p.db.Close()
}
