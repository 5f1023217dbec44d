package core

import (
	"context"
	"fmt"
)

type KnowledgeKind string

const (
	KindGeneralKnowledge KnowledgeKind = "general_knowledge"
	KindUserReport       KnowledgeKind = "user_report"
)

// SnippetLimit caps the text stored next to each vector.
const SnippetLimit = 500

// KnowledgeEntry is the metadata half of an index entry.
type KnowledgeEntry struct {
	ID       string        `json:"id"`
	OwnerID  int64         `json:"user_id"`
	SourceID int64         `json:"report_id"`
	Kind     KnowledgeKind `json:"type"`
	Text     string        `json:"text"`
}

// ReportEntryID is stable per (owner, report) so re-indexing overwrites.
func ReportEntryID(ownerID, reportID int64) string {
	return fmt.Sprintf("user_%d_report_%d", ownerID, reportID)
}

func ReportEntry(ownerID, reportID int64, summary string) KnowledgeEntry {
	return KnowledgeEntry{
		ID:       ReportEntryID(ownerID, reportID),
		OwnerID:  ownerID,
		SourceID: reportID,
		Kind:     KindUserReport,
		Text:     summary,
	}
}

// QueryScope decides which entries a caller may retrieve. General knowledge is always
// visible; user report entries only when IncludeUserReports is set, and then only
// the caller's own.
type QueryScope struct {
	OwnerID            int64
	IncludeUserReports bool
}

// KnowledgeFilter is a conjunction of metadata predicates used for deletion.
// Zero fields match anything, but an all-zero filter is rejected.
type KnowledgeFilter struct {
	OwnerID  int64
	Kind     KnowledgeKind
	SourceID int64
}

func (f KnowledgeFilter) IsEmpty() bool {
	return f.OwnerID == 0 && f.Kind == "" && f.SourceID == 0
}

type KnowledgeMatch struct {
	Entry KnowledgeEntry
	Score float32
}

// KnowledgeIndex embeds text and stores it in a similarity search service.
type KnowledgeIndex interface {
	Upsert(ctx context.Context, entries ...KnowledgeEntry) error
	Query(ctx context.Context, text string, scope QueryScope, topK int) ([]KnowledgeMatch, error)
	DeleteWhere(ctx context.Context, filter KnowledgeFilter) error
}
