package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
	_ "modernc.org/sqlite"
)

// LegacyImportResult counts what ImportLegacy copied.
type LegacyImportResult struct {
	Entities map[string]int
	Skipped  int
}

// ImportLegacy copies the entities of an older SQLite-backed local store into
// st. The legacy file holds one `entities(entity_name, id, data)` table with
// JSON documents. Existing bbolt records with the same id are overwritten and
// local id counters are moved below the smallest imported local id, so ids
// generated afterwards never collide with imported ones.
func ImportLegacy(ctx context.Context, st *Store, sqlitePath string) (*LegacyImportResult, error) {
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open legacy database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT entity_name, id, data FROM entities ORDER BY entity_name, id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy entities: %w", err)
	}
	defer rows.Close()

	type legacyRow struct {
		name string
		id   int64
		data []byte
	}
	var records []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.name, &r.id, &r.data); err != nil {
			return nil, fmt.Errorf("scan legacy entity: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res := &LegacyImportResult{Entities: make(map[string]int)}
	err = st.db.Update(func(tx *bolt.Tx) error {
		for _, r := range records {
			var doc struct {
				ID int64 `json:"id"`
			}
			if r.id == 0 || json.Unmarshal(r.data, &doc) != nil || doc.ID != r.id {
				res.Skipped++
				continue
			}
			b, err := entityBucket(tx, bucketEntities, r.name)
			if err != nil {
				return err
			}
			if err := b.Put(idKey(r.id), r.data); err != nil {
				return err
			}
			if r.id < 0 {
				if err := ensureCounterBelow(tx, r.name, r.id); err != nil {
					return err
				}
			}
			res.Entities[r.name]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import legacy entities: %w", err)
	}

	for name := range res.Entities {
		st.notify(name)
	}
	return res, nil
}
