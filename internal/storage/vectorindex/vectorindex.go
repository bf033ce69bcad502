// Package vectorindex provides semantic search over persona definitions
// backed by chromem-go.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
)

const collectionName = "personas"

var tracer = otel.Tracer("github.com/fyrsmithlabs/personad/internal/storage/vectorindex")

// Index is a registry.Index over a chromem collection.
type Index struct {
	db     *chromem.DB
	coll   *chromem.Collection
	logger *zap.Logger

	// chromem rejects queries for more results than documents.
	mu sync.Mutex
}

// New opens an index. An empty path keeps it in memory; otherwise documents
// are persisted under path.
func New(path string, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Index, error) {
	if embed == nil {
		return nil, errors.New("vectorindex: embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	coll, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", collectionName, err)
	}

	logger.Info("persona index initialized",
		zap.String("path", path),
		zap.Int("documents", coll.Count()))
	return &Index{db: db, coll: coll, logger: logger}, nil
}

// Count returns the number of indexed personas.
func (ix *Index) Count() int {
	return ix.coll.Count()
}

// Upsert indexes d, replacing any earlier version.
func (ix *Index) Upsert(ctx context.Context, d persona.Definition) error {
	ctx, span := tracer.Start(ctx, "Index.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("persona.id", d.ID))

	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.coll.AddDocument(ctx, chromem.Document{
		ID:      d.ID,
		Content: Document(d),
		Metadata: map[string]string{
			"name":    d.Name,
			"version": d.Version,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing persona %s: %w", d.ID, err)
	}
	return nil
}

// Remove drops id from the index. Removing an absent id is not an error.
func (ix *Index) Remove(ctx context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.coll.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("removing persona %s from index: %w", id, err)
	}
	return nil
}

// Search returns up to limit persona IDs ordered by similarity to query.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Index.Search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := min(limit, ix.coll.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := ix.coll.Query(ctx, query, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying persona index: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	span.SetAttributes(attribute.Int("results_count", len(ids)))
	ix.logger.Debug("searched persona index",
		zap.String("query", query),
		zap.Int("results", len(ids)))
	return ids, nil
}

// Document renders the text that represents d in the index.
func Document(d persona.Definition) string {
	var b strings.Builder
	b.WriteString(d.Name)
	if d.Description != "" {
		b.WriteString(". ")
		b.WriteString(d.Description)
	}
	writeList := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(strings.Join(items, ", "))
	}
	writeList("Tags", d.Tags)
	writeList("Traits", d.Traits)
	caps := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = string(c)
	}
	writeList("Capabilities", caps)
	return b.String()
}

var _ registry.Index = (*Index)(nil)
