package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"magnetgate/pkg/ingest"
)

// Postgres is the production backend. Table names come from registry
// configuration, so every identifier is quoted before interpolation; row
// values always travel as placeholders.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// EnsureTable provisions the table for one storeName. Migrations create the
// built-in tables; this covers sensor types added through configuration.
func (p *Postgres) EnsureTable(ctx context.Context, storeName string) error {
	tbl := pq.QuoteIdentifier(storeName)
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		battery DOUBLE PRECISION NOT NULL,
		received_time_utc VARCHAR(32) NOT NULL,
		received_time_local VARCHAR(32) NOT NULL,
		data_index VARCHAR(32) NOT NULL DEFAULT '',
		fields JSONB NOT NULL DEFAULT '{}',
		raw_body JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS %s ON %s(device_id);
	CREATE INDEX IF NOT EXISTS %s ON %s(created_at);`,
		tbl,
		pq.QuoteIdentifier("idx_"+storeName+"_device_id"), tbl,
		pq.QuoteIdentifier("idx_"+storeName+"_created_at"), tbl,
	)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", storeName, err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, storeName string, rec *ingest.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	rawJSON, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw body: %w", err)
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (device_id, battery, received_time_utc, received_time_local, data_index, fields, raw_body)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`, pq.QuoteIdentifier(storeName))
	if _, err := p.db.ExecContext(ctx, query,
		rec.DeviceID, rec.Battery, rec.ReceivedTimeUTC, rec.ReceivedTimeLocal,
		rec.DataIndex, fieldsJSON, rawJSON); err != nil {
		return fmt.Errorf("insert into %s: %w", storeName, err)
	}
	return nil
}

const readingColumns = "id, device_id, battery, received_time_utc, received_time_local, data_index, fields, raw_body, created_at"

func (p *Postgres) List(ctx context.Context, storeName, device string, limit, offset int) ([]Reading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	tbl := pq.QuoteIdentifier(storeName)
	var rows *sql.Rows
	var err error
	if device != "" {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`, readingColumns, tbl)
		rows, err = p.db.QueryContext(ctx, query, device, limit, offset)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id DESC LIMIT $1 OFFSET $2`, readingColumns, tbl)
		rows, err = p.db.QueryContext(ctx, query, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", storeName, err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Latest(ctx context.Context, storeName, device string) (*Reading, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY id DESC LIMIT 1`,
		readingColumns, pq.QuoteIdentifier(storeName))
	rows, err := p.db.QueryContext(ctx, query, device)
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", storeName, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanReading(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) Devices(ctx context.Context, storeName string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT device_id FROM %s ORDER BY device_id`, pq.QuoteIdentifier(storeName))
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("devices %s: %w", storeName, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteByID(ctx context.Context, storeName string, id int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pq.QuoteIdentifier(storeName))
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", storeName, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Purge bulk-deletes by device and/or textual UTC timestamp upper bound.
// At least one filter is required; purging a whole table is never implied.
func (p *Postgres) Purge(ctx context.Context, storeName, device, before string) (int64, error) {
	if device == "" && before == "" {
		return 0, fmt.Errorf("purge %s: device or before filter required", storeName)
	}
	tbl := pq.QuoteIdentifier(storeName)
	where := ""
	args := []interface{}{}
	if device != "" {
		args = append(args, device)
		where = fmt.Sprintf("device_id = $%d", len(args))
	}
	if before != "" {
		args = append(args, before)
		clause := fmt.Sprintf("received_time_utc < $%d", len(args))
		if where != "" {
			where += " AND " + clause
		} else {
			where = clause
		}
	}
	res, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", tbl, where), args...)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", storeName, err)
	}
	return res.RowsAffected()
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

func scanReading(rows *sql.Rows) (Reading, error) {
	var r Reading
	var fieldsJSON, rawJSON []byte
	if err := rows.Scan(&r.ID, &r.DeviceID, &r.Battery, &r.ReceivedTimeUTC, &r.ReceivedTimeLocal,
		&r.DataIndex, &fieldsJSON, &rawJSON, &r.CreatedAt); err != nil {
		return r, fmt.Errorf("scan reading: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &r.Fields); err != nil {
		return r, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(rawJSON, &r.Raw); err != nil {
		return r, fmt.Errorf("decode raw body: %w", err)
	}
	return r, nil
}
