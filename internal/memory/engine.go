package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/ids"
	"steward/internal/logging"
	"steward/internal/store"
)

// Cleanup thresholds and association tuning fall back to these when the
// config leaves them zero.
const (
	defaultDeleteThreshold  = 5.0
	defaultArchiveThreshold = 10.0
	defaultOverlapThreshold = 0.3

	temporalWindow    = 24 * time.Hour
	temporalBase      = 0.3
	temporalFloor     = 0.05
	coTaskWeight      = 0.5
	semanticThreshold = 0.75

	spreadDepth      = 2
	spreadHopFactor  = 0.5
	activationFloor  = 0.01
	retrieveSeedsMax = 3
)

// Engine stores entries one file each under memories/ and answers
// associative queries over them. An optional semantic index adds
// embedding-based association edges.
type Engine struct {
	files  *store.Store
	cfg    config.MemoryConfig
	logger logging.Logger
	index  *SemanticIndex
}

// Option configures an Engine.
type Option func(*Engine)

// WithSemanticIndex attaches an embedding index used for semantic edges.
func WithSemanticIndex(ix *SemanticIndex) Option {
	return func(e *Engine) { e.index = ix }
}

// NewEngine builds a memory engine over the shared store.
func NewEngine(files *store.Store, cfg config.MemoryConfig, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		files:  files,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add persists a new entry. Missing fields get defaults: a fresh id, now
// timestamps, keywords extracted from the content, full strength.
func (e *Engine) Add(ctx context.Context, entry *Entry) (*Entry, error) {
	if entry == nil || strings.TrimSpace(entry.Content) == "" {
		return nil, fmt.Errorf("memory: entry content is empty")
	}
	if entry.Category == "" {
		entry.Category = CategoryLesson
	}
	if !entry.Category.IsValid() {
		return nil, fmt.Errorf("memory: unknown category %q", entry.Category)
	}
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = ids.NewMemoryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if len(entry.Keywords) == 0 {
		entry.Keywords = ExtractKeywords(entry.Content)
	}
	if entry.Confidence < 0 || entry.Confidence > 1 {
		return nil, fmt.Errorf("memory: confidence %v outside [0,1]", entry.Confidence)
	}
	entry.normalize(e.cfg.DefaultStabilityHours, e.cfg.DefaultDecayRate)
	entry.LastReinforcedAt = now
	entry.Strength = 100

	if err := e.save(entry); err != nil {
		return nil, err
	}
	if e.index != nil {
		if err := e.index.Add(ctx, entry.ID, entry.Content, map[string]string{"category": string(entry.Category)}); err != nil {
			e.logger.Warn("Memory: index %s: %v", entry.ID, err)
		}
	}
	return entry, nil
}

// Get loads one entry by id, archived or not, with its current strength.
func (e *Engine) Get(id string) (*Entry, bool) {
	entry := &Entry{}
	if !e.files.ReadJSON(e.files.Layout().MemoryFile(id), entry) || entry.ID == "" {
		return nil, false
	}
	entry.normalize(e.cfg.DefaultStabilityHours, e.cfg.DefaultDecayRate)
	entry.Strength = entry.StrengthAt(time.Now().UTC())
	return entry, true
}

// List returns entries with current strengths, oldest first. Archived
// entries are excluded unless includeArchived is set.
func (e *Engine) List(includeArchived bool) []*Entry {
	names, err := e.files.List(e.files.Layout().MemoriesDir(), ".json")
	if err != nil {
		e.logger.Warn("Memory: list entries: %v", err)
		return nil
	}
	now := time.Now().UTC()
	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		entry := &Entry{}
		if !e.files.ReadJSON(e.files.Layout().MemoryFile(id), entry) || entry.ID == "" {
			continue
		}
		if entry.Archived && !includeArchived {
			continue
		}
		entry.normalize(e.cfg.DefaultStabilityHours, e.cfg.DefaultDecayRate)
		entry.Strength = entry.StrengthAt(now)
		out = append(out, entry)
	}
	return out
}

// Delete removes an entry and its index document.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.files.Remove(e.files.Layout().MemoryFile(id)); err != nil {
		return fmt.Errorf("memory: delete %s: %w", id, err)
	}
	if e.index != nil {
		if err := e.index.Remove(ctx, id); err != nil {
			e.logger.Warn("Memory: unindex %s: %v", id, err)
		}
	}
	return nil
}

// Reinforce applies one reinforcement to a stored entry and persists it.
func (e *Engine) Reinforce(id string, source ReinforceSource) (*Entry, error) {
	entry, ok := e.Get(id)
	if !ok {
		return nil, fmt.Errorf("memory: entry %s not found", id)
	}
	entry.Reinforce(source, e.cfg.MaxStabilityHours, time.Now().UTC())
	if err := e.save(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) save(entry *Entry) error {
	if err := e.files.WriteJSON(e.files.Layout().MemoryFile(entry.ID), entry); err != nil {
		return fmt.Errorf("memory: persist %s: %w", entry.ID, err)
	}
	return nil
}

// CleanupResult summarizes one forgetting pass.
type CleanupResult struct {
	Scanned  int
	Deleted  int
	Archived int
}

// Cleanup applies the forgetting thresholds: entries below the delete
// threshold are removed, entries below the archive threshold are kept with
// strength zeroed and excluded from active queries.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	deleteBelow := e.cfg.DeleteThreshold
	if deleteBelow <= 0 {
		deleteBelow = defaultDeleteThreshold
	}
	archiveBelow := e.cfg.ArchiveThreshold
	if archiveBelow <= 0 {
		archiveBelow = defaultArchiveThreshold
	}

	now := time.Now().UTC()
	var res CleanupResult
	for _, entry := range e.List(false) {
		res.Scanned++
		strength := entry.StrengthAt(now)
		switch {
		case strength < deleteBelow:
			if err := e.Delete(ctx, entry.ID); err != nil {
				return res, err
			}
			res.Deleted++
		case strength < archiveBelow:
			entry.Strength = 0
			entry.Archived = true
			entry.UpdatedAt = now
			if err := e.save(entry); err != nil {
				return res, err
			}
			res.Archived++
		}
	}
	if res.Deleted > 0 || res.Archived > 0 {
		e.logger.Info("Memory: cleanup deleted %d, archived %d of %d", res.Deleted, res.Archived, res.Scanned)
	}
	return res, nil
}

// RebuildAssociations recomputes the association edges of every active
// entry: keyword overlap (Jaccard at or above the overlap threshold),
// co-task (same source task), temporal proximity within 24 hours, and, when
// a semantic index is attached, embedding similarity. Parallel edges to the
// same target merge by maximum weight.
func (e *Engine) RebuildAssociations(ctx context.Context) error {
	entries := e.List(false)
	sets := make(map[string]map[string]struct{}, len(entries))
	for _, entry := range entries {
		sets[entry.ID] = keywordSet(entry.Keywords)
	}
	overlapMin := e.cfg.OverlapThreshold
	if overlapMin <= 0 {
		overlapMin = defaultOverlapThreshold
	}

	for _, entry := range entries {
		best := make(map[string]Association)
		keep := func(a Association) {
			if prev, ok := best[a.TargetID]; !ok || a.Weight > prev.Weight {
				best[a.TargetID] = a
			}
		}

		for _, other := range entries {
			if other.ID == entry.ID {
				continue
			}
			if overlap := jaccard(sets[entry.ID], sets[other.ID]); overlap >= overlapMin {
				keep(Association{TargetID: other.ID, Weight: overlap, Type: AssocKeyword})
			}
			if entry.Source.TaskID != "" && entry.Source.TaskID == other.Source.TaskID {
				keep(Association{TargetID: other.ID, Weight: coTaskWeight, Type: AssocCoTask})
			}
			gap := entry.CreatedAt.Sub(other.CreatedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap <= temporalWindow {
				w := temporalBase * (1 - gap.Hours()/temporalWindow.Hours())
				if w > temporalFloor {
					keep(Association{TargetID: other.ID, Weight: w, Type: AssocTemporal})
				}
			}
		}

		if e.index != nil {
			matches, err := e.index.Similar(ctx, entry.Content, 6, semanticThreshold)
			if err != nil {
				e.logger.Warn("Memory: semantic neighbors of %s: %v", entry.ID, err)
			}
			for _, m := range matches {
				if m.ID == entry.ID {
					continue
				}
				keep(Association{TargetID: m.ID, Weight: float64(m.Similarity), Type: AssocSemantic})
			}
		}

		assocs := make([]Association, 0, len(best))
		for _, a := range best {
			assocs = append(assocs, a)
		}
		sort.Slice(assocs, func(i, j int) bool {
			if assocs[i].Weight != assocs[j].Weight {
				return assocs[i].Weight > assocs[j].Weight
			}
			return assocs[i].TargetID < assocs[j].TargetID
		})
		entry.Associations = assocs
		if err := e.save(entry); err != nil {
			return err
		}
	}
	return nil
}

// Spread runs activation spreading from a seed: breadth-first over the
// association graph, each hop scaling activation by edgeWeight times the hop
// factor, dropping anything below the floor. The seed itself is returned
// with activation 1.
func (e *Engine) Spread(seedID string, maxDepth int) map[string]float64 {
	if maxDepth <= 0 {
		maxDepth = spreadDepth
	}
	seed, ok := e.Get(seedID)
	if !ok {
		return nil
	}

	activation := map[string]float64{seedID: 1.0}
	type hop struct {
		entry *Entry
		depth int
	}
	frontier := []hop{{entry: seed, depth: 0}}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, assoc := range cur.entry.Associations {
			act := activation[cur.entry.ID] * assoc.Weight * spreadHopFactor
			if act < activationFloor {
				continue
			}
			if act <= activation[assoc.TargetID] {
				continue
			}
			target, ok := e.Get(assoc.TargetID)
			if !ok || target.Archived {
				continue
			}
			activation[assoc.TargetID] = act
			frontier = append(frontier, hop{entry: target, depth: cur.depth + 1})
		}
	}
	return activation
}

// Retrieved is one scored retrieval result. Strength is the value at query
// time; the entry itself is reinforced by the retrieval and so reads 100
// afterwards.
type Retrieved struct {
	Entry        *Entry
	Score        float64
	KeywordScore float64
	Activation   float64
	Strength     float64
}

// AssociativeRetrieve finds the topK entries for a free-text query: keyword
// overlap picks direct matches, the best three seed the activation spread,
// and the final score weighs both, discounted by current strength. Returned
// entries are reinforced: keyword hits as retrievals, pure association hits
// with the weaker association factor.
func (e *Engine) AssociativeRetrieve(ctx context.Context, query string, topK int) []Retrieved {
	if topK <= 0 {
		topK = 5
	}
	queryKeywords := keywordSet(ExtractKeywords(query))
	entries := e.List(false)
	if len(entries) == 0 {
		return nil
	}
	byID := make(map[string]*Entry, len(entries))
	keywordScores := make(map[string]float64, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
		keywordScores[entry.ID] = overlapRatio(queryKeywords, keywordSet(entry.Keywords))
	}

	seeds := topSeeds(keywordScores, retrieveSeedsMax)
	activations := make(map[string]float64)
	for _, seedID := range seeds {
		for id, act := range e.Spread(seedID, spreadDepth) {
			if act > activations[id] {
				activations[id] = act
			}
		}
	}

	var results []Retrieved
	for id, entry := range byID {
		kw := keywordScores[id]
		act := activations[id]
		if kw <= 0 && act <= 0 {
			continue
		}
		score := (0.6*kw + 0.4*act) * (entry.Strength / 100)
		if score <= 0 {
			continue
		}
		results = append(results, Retrieved{
			Entry:        entry,
			Score:        score,
			KeywordScore: kw,
			Activation:   act,
			Strength:     entry.Strength,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}

	now := time.Now().UTC()
	for _, r := range results {
		source := ReinforceRetrieve
		if r.KeywordScore <= 0 {
			source = ReinforceAssociationHit
		}
		r.Entry.AccessCount++
		r.Entry.Reinforce(source, e.cfg.MaxStabilityHours, now)
		if err := e.save(r.Entry); err != nil {
			e.logger.Warn("Memory: reinforce %s after retrieval: %v", r.Entry.ID, err)
		}
	}
	return results
}

// topSeeds returns up to n entry ids with the highest positive keyword
// scores, ties broken by id for determinism.
func topSeeds(scores map[string]float64, n int) []string {
	type cand struct {
		id    string
		score float64
	}
	var cands []cand
	for id, s := range scores {
		if s > 0 {
			cands = append(cands, cand{id: id, score: s})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id < cands[j].id
	})
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// RecallSummary renders retrieved entries as a prompt section body. Empty
// when nothing relevant is stored.
func RecallSummary(results []Retrieved) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s, strength %d] %s\n", r.Entry.Category, int(math.Round(r.Strength)), r.Entry.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
