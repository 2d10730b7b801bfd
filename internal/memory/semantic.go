package memory

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
)

// SemanticIndex wraps a chromem collection holding one document per memory
// entry. It is optional: the engine runs fully without one, losing only the
// semantic association edges.
type SemanticIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// Match is one similarity hit.
type Match struct {
	ID         string
	Similarity float32
}

// NewSemanticIndex opens (or creates) the index. An empty persistPath keeps
// the index in memory only; embed turns text into vectors and is required.
func NewSemanticIndex(persistPath string, embed chromem.EmbeddingFunc) (*SemanticIndex, error) {
	if embed == nil {
		return nil, fmt.Errorf("memory: semantic index needs an embedding function")
	}
	var (
		db  *chromem.DB
		err error
	)
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("memory: open semantic index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	collection, err := db.GetOrCreateCollection("memories", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: open memories collection: %w", err)
	}
	return &SemanticIndex{db: db, collection: collection}, nil
}

// Add indexes one entry's content.
func (ix *SemanticIndex) Add(ctx context.Context, id, content string, metadata map[string]string) error {
	return ix.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	})
}

// Remove drops an entry's document.
func (ix *SemanticIndex) Remove(ctx context.Context, id string) error {
	return ix.collection.Delete(ctx, nil, nil, id)
}

// Similar returns up to topK documents whose similarity to the text is at
// least min.
func (ix *SemanticIndex) Similar(ctx context.Context, text string, topK int, min float32) ([]Match, error) {
	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}
	results, err := ix.collection.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic query: %w", err)
	}
	var matches []Match
	for _, r := range results {
		if r.Similarity < min {
			continue
		}
		matches = append(matches, Match{ID: r.ID, Similarity: r.Similarity})
	}
	return matches, nil
}

// Count returns how many documents are indexed.
func (ix *SemanticIndex) Count() int { return ix.collection.Count() }
