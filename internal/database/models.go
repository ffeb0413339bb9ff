package database

import "time"

// Record is the canonical stored digest of one discovered item.
// ContentID is unique across the store; CreatedAt is set once on first write.
type Record struct {
	ID         int64
	ContentID  string
	Title      string
	Summary    string
	Source     string
	Category   string
	Tags       []string // set semantics, stored sorted
	URL        *string
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Enhanced   bool
	EnhancedAt *time.Time
}

// Entry is a normalized discovery as written by the ingest step, before
// enrichment. Content is the body text used to prompt the generator.
type Entry struct {
	Record
	Content string
}

// Filter selects records for the reporting read paths. Zero fields are ignored.
type Filter struct {
	Category string
	Source   string
	From     time.Time
	To       time.Time
	Enhanced *bool
	Limit    int
}

// Stats contains aggregate store statistics.
type Stats struct {
	TotalEntries    int
	TotalRecords    int
	EnhancedRecords int
	ByCategory      map[string]int
	BySource        map[string]int
}
