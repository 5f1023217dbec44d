package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/markdave123-py/Medico/internal/core"
)

const milvusVectorField = "vector"

// MilvusStore keeps entries in a Milvus collection with an AUTOINDEX cosine index.
type MilvusStore struct {
	cli         mclient.Client
	collection  string
	vectorDim   int
	searchParam entity.SearchParam
}

var _ VectorStore = (*MilvusStore)(nil)

type MilvusConfig struct {
	Address    string
	Username   string
	Password   string
	Collection string
}

func NewMilvusStore(ctx context.Context, cfg MilvusConfig) (*MilvusStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("milvus address is empty")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("collection is empty")
	}
	cli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("milvus connect: %w", err)
	}
	sp, err := entity.NewIndexAUTOINDEXSearchParam(1)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &MilvusStore{cli: cli, collection: cfg.Collection, searchParam: sp}, nil
}

func (s *MilvusStore) Close() error { return s.cli.Close() }

func (s *MilvusStore) EnsureCollection(ctx context.Context, dim int) error {
	s.vectorDim = dim
	exists, err := s.cli.HasCollection(ctx, s.collection)
	if err != nil {
		return err
	}
	if !exists {
		schema := &entity.Schema{
			CollectionName: s.collection,
			Description:    "medical knowledge and report summaries",
			Fields: []*entity.Field{
				{
					Name:       "id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					TypeParams: map[string]string{"max_length": "128"},
				},
				{
					Name:       milvusVectorField,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{entity.TypeParamDim: fmt.Sprintf("%d", dim)},
				},
				{Name: "owner_id", DataType: entity.FieldTypeInt64},
				{Name: "source_id", DataType: entity.FieldTypeInt64},
				{
					Name:       "kind",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "32"},
				},
				{
					Name:       "content",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "4096"},
				},
			},
		}
		if err := s.cli.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return err
		}
		idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
		if err != nil {
			return err
		}
		if err := s.cli.CreateIndex(ctx, s.collection, milvusVectorField, idx, false); err != nil {
			return err
		}
	}
	return s.cli.LoadCollection(ctx, s.collection, false)
}

func (s *MilvusStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	owners := make([]int64, 0, len(records))
	sources := make([]int64, 0, len(records))
	kinds := make([]string, 0, len(records))
	contents := make([]string, 0, len(records))

	for _, r := range records {
		if len(r.Vector) != s.vectorDim {
			return errDimMismatch(r.ID, len(r.Vector), s.vectorDim)
		}
		ids = append(ids, r.ID)
		vectors = append(vectors, r.Vector)
		owners = append(owners, r.OwnerID)
		sources = append(sources, r.SourceID)
		kinds = append(kinds, string(r.Kind))
		contents = append(contents, r.Text)
	}

	_, err := s.cli.Upsert(
		ctx,
		s.collection,
		"",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnFloatVector(milvusVectorField, s.vectorDim, vectors),
		entity.NewColumnInt64("owner_id", owners),
		entity.NewColumnInt64("source_id", sources),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnVarChar("content", contents),
	)
	return err
}

func (s *MilvusStore) Search(ctx context.Context, vector []float32, topK int, scope core.QueryScope) ([]core.KnowledgeMatch, error) {
	if len(vector) != s.vectorDim {
		return nil, fmt.Errorf("vector dim mismatch, got=%d want=%d", len(vector), s.vectorDim)
	}
	res, err := s.cli.Search(
		ctx,
		s.collection,
		[]string{},
		scopeExpr(scope),
		[]string{"owner_id", "source_id", "kind", "content"},
		[]entity.Vector{entity.FloatVector(vector)},
		milvusVectorField,
		entity.COSINE,
		topK,
		s.searchParam,
	)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return []core.KnowledgeMatch{}, nil
	}
	return parseSearchResult(res[0])
}

func (s *MilvusStore) Delete(ctx context.Context, filter core.KnowledgeFilter) error {
	expr := filterExpr(filter)
	if expr == "" {
		return errors.New("empty delete filter")
	}
	return s.cli.Delete(ctx, s.collection, "", expr)
}

func (s *MilvusStore) Ping(ctx context.Context) error {
	_, err := s.cli.HasCollection(ctx, s.collection)
	return err
}

func scopeExpr(scope core.QueryScope) string {
	if scope.IncludeUserReports {
		return fmt.Sprintf(`kind != "%s" || owner_id == %d`, core.KindUserReport, scope.OwnerID)
	}
	return fmt.Sprintf(`kind != "%s"`, core.KindUserReport)
}

func filterExpr(f core.KnowledgeFilter) string {
	var conds []string
	if f.OwnerID != 0 {
		conds = append(conds, fmt.Sprintf("owner_id == %d", f.OwnerID))
	}
	if f.Kind != "" {
		conds = append(conds, fmt.Sprintf(`kind == "%s"`, f.Kind))
	}
	if f.SourceID != 0 {
		conds = append(conds, fmt.Sprintf("source_id == %d", f.SourceID))
	}
	return strings.Join(conds, " && ")
}

func parseSearchResult(sr mclient.SearchResult) ([]core.KnowledgeMatch, error) {
	if sr.Err != nil {
		return nil, sr.Err
	}
	out := make([]core.KnowledgeMatch, 0, sr.ResultCount)

	ownerCol := columnByName(sr.Fields, "owner_id")
	sourceCol := columnByName(sr.Fields, "source_id")
	kindCol := columnByName(sr.Fields, "kind")
	contentCol := columnByName(sr.Fields, "content")

	for i := 0; i < sr.ResultCount; i++ {
		var m core.KnowledgeMatch
		m.Entry.ID, _ = sr.IDs.GetAsString(i)
		if i < len(sr.Scores) {
			m.Score = sr.Scores[i]
		}
		if ownerCol != nil {
			m.Entry.OwnerID, _ = ownerCol.GetAsInt64(i)
		}
		if sourceCol != nil {
			m.Entry.SourceID, _ = sourceCol.GetAsInt64(i)
		}
		if kindCol != nil {
			k, _ := kindCol.GetAsString(i)
			m.Entry.Kind = core.KnowledgeKind(k)
		}
		if contentCol != nil {
			m.Entry.Text, _ = contentCol.GetAsString(i)
		}
		out = append(out, m)
	}
	return out, nil
}

func columnByName(cols mclient.ResultSet, name string) entity.Column {
	for _, c := range cols {
		if c != nil && c.Name() == name {
			return c
		}
	}
	return nil
}
