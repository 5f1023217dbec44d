package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/Medico/internal/core"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PgVectorStore keeps entries in a Postgres table with a pgvector column and an HNSW
// cosine index.
type PgVectorStore struct {
	db    *sql.DB
	table string
	dim   int
}

var _ VectorStore = (*PgVectorStore)(nil)

func NewPgVectorStore(db *sql.DB, table string) (*PgVectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pgvector store: nil db")
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("pgvector store: invalid table name %q", table)
	}
	return &PgVectorStore{db: db, table: table}, nil
}

func (s *PgVectorStore) EnsureCollection(ctx context.Context, dim int) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, s.table).Scan(&exists); err != nil {
		return fmt.Errorf("check table: %w", err)
	}
	if exists {
		s.dim = dim
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			owner_id   BIGINT NOT NULL DEFAULT 0,
			source_id  BIGINT NOT NULL DEFAULT 0,
			kind       TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%[2]d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);
		CREATE INDEX IF NOT EXISTS %[1]s_owner_kind_idx ON %[1]s (owner_id, kind);
	`, s.table, dim)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	s.dim = dim
	return nil
}

func (s *PgVectorStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, source_id, kind, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    source_id = EXCLUDED.source_id,
		    kind = EXCLUDED.kind,
		    content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()
	`, s.table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if s.dim > 0 && len(r.Vector) != s.dim {
			_ = tx.Rollback()
			return errDimMismatch(r.ID, len(r.Vector), s.dim)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.OwnerID, r.SourceID, string(r.Kind), r.Text, pgvector.NewVector(r.Vector),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *PgVectorStore) Search(ctx context.Context, vector []float32, topK int, scope core.QueryScope) ([]core.KnowledgeMatch, error) {
	q := fmt.Sprintf(`
		SELECT id, owner_id, source_id, kind, content, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE kind <> $2 OR ($3 AND owner_id = $4)
		ORDER BY embedding <=> $1
		LIMIT $5
	`, s.table)
	rows, err := s.db.QueryContext(ctx, q,
		pgvector.NewVector(vector), string(core.KindUserReport), scope.IncludeUserReports, scope.OwnerID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []core.KnowledgeMatch{}
	for rows.Next() {
		var (
			m     core.KnowledgeMatch
			kind  string
			score sql.NullFloat64
		)
		if err := rows.Scan(&m.Entry.ID, &m.Entry.OwnerID, &m.Entry.SourceID, &kind, &m.Entry.Text, &score); err != nil {
			return nil, err
		}
		m.Entry.Kind = core.KnowledgeKind(kind)
		m.Score = float32(score.Float64)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgVectorStore) Delete(ctx context.Context, filter core.KnowledgeFilter) error {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerID != 0 {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.SourceID != 0 {
		add("source_id = $%d", filter.SourceID)
	}
	if len(conds) == 0 {
		return fmt.Errorf("empty delete filter")
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, strings.Join(conds, " AND "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *PgVectorStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
