package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const recordColumns = `id, content_id, title, summary, source, category, tags, url, metadata,
	created_at, updated_at, enhanced, enhanced_at`

// upsertRecordSQL merges non-empty supplied fields over the stored row.
// created_at is never touched after insert, and a basic write never downgrades an
// enhanced record's summary, category or state.
const upsertRecordSQL = `
INSERT INTO records (content_id, title, summary, source, category, tags, url, metadata,
	created_at, updated_at, enhanced, enhanced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(content_id) DO UPDATE SET
	title = COALESCE(NULLIF(excluded.title, ''), records.title),
	summary = CASE
		WHEN records.enhanced = 1 AND excluded.enhanced = 0 THEN records.summary
		ELSE COALESCE(NULLIF(excluded.summary, ''), records.summary) END,
	source = COALESCE(NULLIF(excluded.source, ''), records.source),
	category = CASE
		WHEN records.enhanced = 1 AND excluded.enhanced = 0 THEN records.category
		ELSE COALESCE(NULLIF(excluded.category, ''), records.category) END,
	tags = CASE WHEN excluded.tags = '[]' THEN records.tags ELSE excluded.tags END,
	url = COALESCE(excluded.url, records.url),
	metadata = json_patch(records.metadata, excluded.metadata),
	updated_at = excluded.updated_at,
	enhanced = MAX(records.enhanced, excluded.enhanced),
	enhanced_at = COALESCE(records.enhanced_at, excluded.enhanced_at)`

// UpsertRecord inserts a record or merges it into the existing one for the same
// content ID. It returns the stored row.
func (db *DB) UpsertRecord(ctx context.Context, r Record) (*Record, error) {
	if r.ContentID == "" {
		return nil, errors.New("upsert record: empty content id")
	}

	tags, err := encodeTags(r.Tags)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}

	now := formatTime(db.now())
	var enhancedAt *string
	if r.Enhanced {
		at := r.EnhancedAt
		if at == nil {
			t := db.now()
			at = &t
		}
		enhancedAt = formatTimePtr(at)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertRecordSQL,
		r.ContentID, r.Title, r.Summary, r.Source, r.Category, tags, r.URL, meta,
		now, now, boolToInt(r.Enhanced), enhancedAt,
	); err != nil {
		return nil, fmt.Errorf("upsert record %s: %w", r.ContentID, err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE content_id = ?", r.ContentID)
	stored, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("reading upserted record %s: %w", r.ContentID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, nil
}

// GetRecord returns the record for a content ID, or nil if none exists.
func (db *DB) GetRecord(ctx context.Context, contentID string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE content_id = ?", contentID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HasRecord reports whether a record exists for a content ID.
func (db *DB) HasRecord(ctx context.Context, contentID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE content_id = ?", contentID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteRecord removes the record for a content ID. It reports whether a row existed.
func (db *DB) DeleteRecord(ctx context.Context, contentID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM records WHERE content_id = ?", contentID)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", contentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEnhanced replaces the summary (and category, when non-empty) of a basic
// record and flips it to enhanced in one statement. It reports false when the
// record is missing or already enhanced.
func (db *DB) MarkEnhanced(ctx context.Context, contentID, summary, category string, at time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE records SET
			summary = ?,
			category = COALESCE(NULLIF(?, ''), category),
			enhanced = 1,
			enhanced_at = ?,
			updated_at = ?
		WHERE content_id = ? AND enhanced = 0`,
		summary, category, formatTime(at), formatTime(db.now()), contentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark enhanced %s: %w", contentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindByCategory returns the newest records in a category.
func (db *DB) FindByCategory(ctx context.Context, category string, limit int) ([]Record, error) {
	return db.Query(ctx, Filter{Category: category, Limit: limit})
}

// FindBySource returns the newest records from a source.
func (db *DB) FindBySource(ctx context.Context, source string, limit int) ([]Record, error) {
	return db.Query(ctx, Filter{Source: source, Limit: limit})
}

// FindByTimeRange returns records created in [from, to], newest first.
func (db *DB) FindByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	if to.IsZero() {
		to = db.now()
	}
	return db.Query(ctx, Filter{From: from, To: to, Limit: limit})
}

// Query returns records matching every set field of f, ordered by created_at DESC.
func (db *DB) Query(ctx context.Context, f Filter) ([]Record, error) {
	q := sq.Select(recordColumns).From("records").OrderBy("created_at DESC", "id DESC")
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": f.Category})
	}
	if f.Source != "" {
		q = q.Where(sq.Eq{"source": f.Source})
	}
	if !f.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": formatTime(f.From)})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.LtOrEq{"created_at": formatTime(f.To)})
	}
	if f.Enhanced != nil {
		q = q.Where(sq.Eq{"enhanced": boolToInt(*f.Enhanced)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building record query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetStats returns aggregate store statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{ByCategory: map[string]int{}, BySource: map[string]int{}}

	counts := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM entries", &s.TotalEntries},
		{"SELECT COUNT(*) FROM records", &s.TotalRecords},
		{"SELECT COUNT(*) FROM records WHERE enhanced = 1", &s.EnhancedRecords},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.sql).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	groups := []struct {
		column string
		dest   map[string]int
	}{
		{"category", s.ByCategory},
		{"source", s.BySource},
	}
	for _, g := range groups {
		query, _, err := sq.Select(g.column, "COUNT(*)").From("records").GroupBy(g.column).ToSql()
		if err != nil {
			return nil, err
		}
		rows, err := db.conn.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			g.dest[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                Record
		tags, meta       string
		created, updated string
		enhanced         int
		enhancedAt       *string
	)
	if err := row.Scan(&r.ID, &r.ContentID, &r.Title, &r.Summary, &r.Source, &r.Category,
		&tags, &r.URL, &meta, &created, &updated, &enhanced, &enhancedAt); err != nil {
		return nil, err
	}

	var err error
	if r.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	r.Enhanced = enhanced != 0
	if enhancedAt != nil {
		t, err := parseTime(*enhancedAt)
		if err != nil {
			return nil, err
		}
		r.EnhancedAt = &t
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
