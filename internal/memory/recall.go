// Package memory implements the chronicle's long-lookback semantic recall:
// every chronicled paragraph is embedded and indexed in one chromem-go
// collection keyed by arc, so the oracle tool can retrieve paragraphs a
// fixed-size chapter window would have scrolled out of reach.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sipeed/chatengine/internal/logging"
)

// Result is one semantic search hit.
type Result struct {
	Content   string
	Arc       string
	Score     float32
	Timestamp string
}

// Recall wraps a persistent chromem-go collection of chronicled paragraphs.
type Recall struct {
	collection *chromem.Collection
}

// New opens (or creates) a persistent vector store at baseDir/memory/vectors.
// A nil embeddingFn (no embedding API key configured) disables recall:
// IndexParagraph and Search both become no-ops so callers don't need to branch on
// whether recall is enabled.
func New(baseDir string, embeddingFn chromem.EmbeddingFunc) (*Recall, error) {
	if embeddingFn == nil {
		return &Recall{}, nil
	}
	dbPath := filepath.Join(baseDir, "memory", "vectors")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	collection, err := db.GetOrCreateCollection("chronicle", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("create chronicle collection: %w", err)
	}
	return &Recall{collection: collection}, nil
}

// IndexParagraph embeds a newly chronicled paragraph. Wired as part of the
// chronicle append lifecycle (see chatengine.LifecycleStore) so every
// paragraph — manual, auto-chronicled, or a quest heartbeat step — becomes
// recallable regardless of which code path appended it.
func (r *Recall) IndexParagraph(ctx context.Context, arc string, paragraphID int64, content string) {
	if r == nil || r.collection == nil {
		return
	}
	docID := fmt.Sprintf("%s:%d", arc, paragraphID)
	doc := chromem.Document{
		ID:      docID,
		Content: content,
		Metadata: map[string]string{
			"arc":       arc,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := r.collection.AddDocument(ctx, doc); err != nil {
		logging.ErrorCF("memory", "indexing chronicle paragraph failed", logging.Fields{"arc": arc, "err": err.Error()})
	}
}

// Search returns the top-`limit` paragraphs most similar to query, limited
// to arc through chromem-go's equality metadata filter when arc is non-empty
// (across every arc otherwise).
func (r *Recall) Search(ctx context.Context, arc, query string, limit int) ([]Result, error) {
	if r == nil || r.collection == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	n := limit
	if count := r.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if arc != "" {
		where = map[string]string{"arc": arc}
	}
	docs, err := r.collection.Query(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		results = append(results, Result{
			Content:   d.Content,
			Arc:       d.Metadata["arc"],
			Score:     d.Similarity,
			Timestamp: d.Metadata["timestamp"],
		})
	}
	return results, nil
}
