package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const entryColumns = `id, content_id, title, content, summary, source, category, tags, url,
	metadata, created_at, updated_at`

const insertEntrySQL = `
INSERT INTO entries (content_id, title, content, summary, source, category, tags, url,
	metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(content_id) DO NOTHING`

const upsertEntrySQL = `
INSERT INTO entries (content_id, title, content, summary, source, category, tags, url,
	metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(content_id) DO UPDATE SET
	title = COALESCE(NULLIF(excluded.title, ''), entries.title),
	content = COALESCE(NULLIF(excluded.content, ''), entries.content),
	summary = COALESCE(NULLIF(excluded.summary, ''), entries.summary),
	source = COALESCE(NULLIF(excluded.source, ''), entries.source),
	category = COALESCE(NULLIF(excluded.category, ''), entries.category),
	tags = CASE WHEN excluded.tags = '[]' THEN entries.tags ELSE excluded.tags END,
	url = COALESCE(excluded.url, entries.url),
	metadata = json_patch(entries.metadata, excluded.metadata),
	updated_at = excluded.updated_at`

// UpsertEntry stores a normalized discovery keyed by content ID. Re-ingesting
// the same identity updates the row in place; created_at keeps its first value.
// The second return value reports whether the row was newly inserted.
func (db *DB) UpsertEntry(ctx context.Context, e Entry) (*Entry, bool, error) {
	if e.ContentID == "" {
		return nil, false, errors.New("upsert entry: empty content id")
	}

	tags, err := encodeTags(e.Tags)
	if err != nil {
		return nil, false, err
	}
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, false, err
	}
	now := formatTime(db.now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	args := []any{e.ContentID, e.Title, e.Content, e.Summary, e.Source, e.Category, tags, e.URL,
		meta, now, now}

	// The insert either claims the content ID or is a no-op; only then merge.
	res, err := tx.ExecContext(ctx, insertEntrySQL, args...)
	if err != nil {
		return nil, false, fmt.Errorf("insert entry %s: %w", e.ContentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	inserted := n > 0
	if !inserted {
		if _, err := tx.ExecContext(ctx, upsertEntrySQL, args...); err != nil {
			return nil, false, fmt.Errorf("upsert entry %s: %w", e.ContentID, err)
		}
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE content_id = ?", e.ContentID)
	stored, err := scanEntry(row)
	if err != nil {
		return nil, false, fmt.Errorf("reading upserted entry %s: %w", e.ContentID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, inserted, nil
}

// GetEntry returns the entry for a content ID, or nil if none exists.
func (db *DB) GetEntry(ctx context.Context, contentID string) (*Entry, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE content_id = ?", contentID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// EntriesSince returns entries first stored at or after since, oldest first.
func (db *DB) EntriesSince(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE created_at >= ? ORDER BY created_at ASC, id ASC",
		formatTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                Entry
		tags, meta       string
		created, updated string
	)
	if err := row.Scan(&e.ID, &e.ContentID, &e.Title, &e.Content, &e.Summary, &e.Source,
		&e.Category, &tags, &e.URL, &meta, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if e.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}
