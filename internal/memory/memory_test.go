package memory

import (
	"context"
	"math"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/store"
)

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		DefaultStabilityHours: 24,
		MaxStabilityHours:     8760,
		DefaultDecayRate:      1.0,
		ArchiveThreshold:      10,
		DeleteThreshold:       5,
		OverlapThreshold:      0.3,
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	files, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	return NewEngine(files, testConfig(), nil, opts...)
}

func TestDecayCurve(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		Content:          "prefer table-driven tests",
		Confidence:       0.5,
		StabilityHours:   24,
		DecayRate:        1.0,
		LastReinforcedAt: t0,
	}

	assert.Equal(t, float64(100), e.StrengthAt(t0))
	assert.Equal(t, float64(37), e.StrengthAt(t0.Add(24*time.Hour)))
	assert.LessOrEqual(t, e.StrengthAt(t0.Add(168*time.Hour)), float64(1))

	// A task success doubles stability and restarts the clock.
	r0 := t0.Add(30 * time.Hour)
	e.Reinforce(ReinforceTaskSuccess, 8760, r0)
	assert.Equal(t, float64(48), e.StabilityHours)
	assert.Equal(t, 1, e.ReinforceCount)
	assert.Equal(t, float64(100), e.StrengthAt(r0))
	assert.Equal(t, float64(61), e.StrengthAt(r0.Add(24*time.Hour)))
}

func TestReinforceAdjustments(t *testing.T) {
	now := time.Now().UTC()

	trusted := &Entry{Confidence: 0.9, StabilityHours: 10, DecayRate: 1.0}
	trusted.Reinforce(ReinforceRetrieve, 8760, now)
	assert.InDelta(t, 12.0, trusted.StabilityHours, 1e-9)
	assert.InDelta(t, 0.7, trusted.DecayRate, 1e-9)

	doubted := &Entry{Confidence: 0.1, StabilityHours: 10, DecayRate: 1.0}
	doubted.Reinforce(ReinforceTaskFailure, 8760, now)
	assert.InDelta(t, 8.0, doubted.StabilityHours, 1e-9)
	assert.InDelta(t, 1.3, doubted.DecayRate, 1e-9)

	pitfall := &Entry{Confidence: 0.5, Category: CategoryPitfall, StabilityHours: 10, DecayRate: 1.0}
	pitfall.Reinforce(ReinforceManualReview, 8760, now)
	assert.InDelta(t, 15.0, pitfall.StabilityHours, 1e-9)
	assert.InDelta(t, 0.9, pitfall.DecayRate, 1e-9)

	capped := &Entry{Confidence: 0.5, StabilityHours: 8000, DecayRate: 1.0}
	capped.Reinforce(ReinforceTaskSuccess, 8760, now)
	assert.Equal(t, float64(8760), capped.StabilityHours)

	archived := &Entry{Confidence: 0.5, StabilityHours: 24, DecayRate: 1.0, Archived: true}
	archived.Reinforce(ReinforceAssociationHit, 8760, now)
	assert.False(t, archived.Archived, "reinforcement revives archived entries")
	assert.Equal(t, float64(100), archived.StrengthAt(now))
}

func TestNormalizeMigratesLegacyEntries(t *testing.T) {
	updated := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	e := &Entry{Content: "old note", UpdatedAt: updated}
	e.normalize(24, 1.0)

	assert.Equal(t, float64(24), e.StabilityHours)
	assert.Equal(t, float64(1.0), e.DecayRate)
	assert.Equal(t, updated, e.LastReinforcedAt)
	assert.Equal(t, float64(100), e.Strength)
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("The Docker build cache is broken; use BuildKit, 构建 fails!")
	assert.Equal(t, []string{"broken", "build", "buildkit", "cache", "docker", "fails", "构建"}, got)
}

func TestAddAndGet(t *testing.T) {
	e := newTestEngine(t)
	entry, err := e.Add(context.Background(), &Entry{
		Content:    "always run linters before committing",
		Category:   CategoryPreference,
		Confidence: 0.8,
	})
	require.NoError(t, err)
	assert.Contains(t, entry.ID, "mem-")
	assert.NotEmpty(t, entry.Keywords)
	assert.Equal(t, float64(100), entry.Strength)

	got, ok := e.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, entry.Content, got.Content)
	assert.Equal(t, CategoryPreference, got.Category)

	_, err = e.Add(context.Background(), &Entry{Content: "   "})
	assert.Error(t, err)
	_, err = e.Add(context.Background(), &Entry{Content: "x y", Category: "rumor"})
	assert.Error(t, err)
}

func TestCleanupThresholds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(content string, lastReinforced time.Time) *Entry {
		entry, err := e.Add(ctx, &Entry{Content: content, Confidence: 0.5})
		require.NoError(t, err)
		entry.StabilityHours = 10
		entry.LastReinforcedAt = lastReinforced
		require.NoError(t, e.save(entry))
		return entry
	}

	fresh := add("fresh entry about retries", now)
	// 26 hours against a 10 hour stability is strength 7: archive range.
	fading := add("fading entry about caching", now.Add(-26*time.Hour))
	// 40 hours decays to strength 2: delete range.
	gone := add("stale entry about logging", now.Add(-40*time.Hour))

	res, err := e.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Archived)

	active := e.List(false)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.ID, active[0].ID)

	all := e.List(true)
	assert.Len(t, all, 2)

	// Archived entries stay retrievable by id at strength zero.
	arch, ok := e.Get(fading.ID)
	require.True(t, ok)
	assert.True(t, arch.Archived)
	assert.Equal(t, float64(0), arch.Strength)

	_, ok = e.Get(gone.ID)
	assert.False(t, ok)
}

func TestRebuildAssociations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	add := func(keywords []string, taskID string, createdAt time.Time) *Entry {
		entry, err := e.Add(ctx, &Entry{
			Content:    "entry " + keywords[0],
			Keywords:   keywords,
			Confidence: 0.5,
			Source:     Source{Type: "task", TaskID: taskID},
		})
		require.NoError(t, err)
		entry.CreatedAt = createdAt
		require.NoError(t, e.save(entry))
		return entry
	}

	a := add([]string{"docker", "build", "cache"}, "task-1", base)
	b := add([]string{"docker", "build", "deploy"}, "task-2", base.Add(30*time.Hour))
	c := add([]string{"terraform", "plan"}, "task-1", base.Add(6*time.Hour))
	d := add([]string{"python", "venv"}, "task-3", base.Add(12*time.Hour))

	require.NoError(t, e.RebuildAssociations(ctx))

	find := func(entry *Entry, targetID string) *Association {
		got, ok := e.Get(entry.ID)
		require.True(t, ok)
		for i := range got.Associations {
			if got.Associations[i].TargetID == targetID {
				return &got.Associations[i]
			}
		}
		return nil
	}

	// a and b share two of four keywords: Jaccard 0.5, beyond temporal range.
	ab := find(a, b.ID)
	require.NotNil(t, ab)
	assert.Equal(t, AssocKeyword, ab.Type)
	assert.InDelta(t, 0.5, ab.Weight, 1e-9)

	// a and c share a task and are six hours apart; co-task 0.5 beats
	// temporal 0.225, and only the winner is kept.
	ac := find(a, c.ID)
	require.NotNil(t, ac)
	assert.Equal(t, AssocCoTask, ac.Type)
	assert.InDelta(t, 0.5, ac.Weight, 1e-9)

	// a and d are twelve hours apart with nothing else in common.
	ad := find(a, d.ID)
	require.NotNil(t, ad)
	assert.Equal(t, AssocTemporal, ad.Type)
	assert.InDelta(t, 0.15, ad.Weight, 1e-9)

	// b and d are eighteen hours apart: weight 0.075 still above the floor.
	bd := find(b, d.ID)
	require.NotNil(t, bd)
	assert.InDelta(t, 0.075, bd.Weight, 1e-9)
}

func TestSpreadActivation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mk := func(content string) *Entry {
		entry, err := e.Add(ctx, &Entry{Content: content, Confidence: 0.5})
		require.NoError(t, err)
		return entry
	}
	a, b, c, d, far := mk("alpha"), mk("beta"), mk("gamma"), mk("weak link"), mk("too far")

	link := func(from *Entry, to *Entry, w float64) {
		from.Associations = append(from.Associations, Association{TargetID: to.ID, Weight: w, Type: AssocKeyword})
		require.NoError(t, e.save(from))
	}
	link(a, b, 0.8)
	link(b, c, 0.8)
	link(c, far, 0.9)
	link(a, d, 0.01)

	act := e.Spread(a.ID, 2)
	assert.InDelta(t, 1.0, act[a.ID], 1e-9)
	assert.InDelta(t, 0.4, act[b.ID], 1e-9)
	assert.InDelta(t, 0.16, act[c.ID], 1e-9)
	assert.NotContains(t, act, d.ID, "0.005 falls under the activation floor")
	assert.NotContains(t, act, far.ID, "three hops exceeds the depth limit")
}

func TestAssociativeRetrieve(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Add(ctx, &Entry{Content: "docker build cache optimization", Confidence: 0.5})
	require.NoError(t, err)
	second, err := e.Add(ctx, &Entry{Content: "docker layer tuning", Confidence: 0.5})
	require.NoError(t, err)
	third, err := e.Add(ctx, &Entry{Content: "python packaging notes", Confidence: 0.5})
	require.NoError(t, err)

	// Link the top keyword match to the unrelated entry so activation can
	// pull it in.
	first.Associations = []Association{{TargetID: third.ID, Weight: 0.9, Type: AssocCoTask}}
	require.NoError(t, e.save(first))

	got := e.AssociativeRetrieve(ctx, "docker build", 3)
	require.Len(t, got, 3)
	assert.Equal(t, first.ID, got[0].Entry.ID)
	assert.Equal(t, second.ID, got[1].Entry.ID)
	assert.Equal(t, third.ID, got[2].Entry.ID)

	assert.InDelta(t, 1.0, got[0].KeywordScore, 1e-9)
	assert.InDelta(t, 0.5, got[1].KeywordScore, 1e-9)
	assert.Zero(t, got[2].KeywordScore)
	assert.InDelta(t, 0.45, got[2].Activation, 1e-9)

	// Keyword hits reinforce as retrievals, activation-only hits with the
	// weaker association factor.
	reloaded, ok := e.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, 1, reloaded.ReinforceCount)
	assert.InDelta(t, 28.8, reloaded.StabilityHours, 1e-9)
	assert.Equal(t, 1, reloaded.AccessCount)

	assocHit, ok := e.Get(third.ID)
	require.True(t, ok)
	assert.InDelta(t, 26.4, assocHit.StabilityHours, 1e-9)

	// topK truncates after scoring.
	top := e.AssociativeRetrieve(ctx, "docker build", 1)
	require.Len(t, top, 1)
	assert.Equal(t, first.ID, top[0].Entry.ID)

	assert.Empty(t, e.AssociativeRetrieve(ctx, "unrelated query entirely", 5))
}

// letterEmbedding is a deterministic toy embedder: a normalized letter
// frequency vector, good enough to make cosine similarity meaningful.
func letterEmbedding(_ context.Context, text string) ([]float32, error) {
	var counts [26]float32
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			counts[r-'a']++
		}
	}
	var norm float64
	for _, c := range counts {
		norm += float64(c) * float64(c)
	}
	if norm == 0 {
		counts[0] = 1
		norm = 1
	}
	inv := float32(1 / math.Sqrt(norm))
	out := make([]float32, 26)
	for i, c := range counts {
		out[i] = c * inv
	}
	return out, nil
}

func TestSemanticIndex(t *testing.T) {
	ix, err := NewSemanticIndex("", chromem.EmbeddingFunc(letterEmbedding))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, "m1", "aaabbb", nil))
	require.NoError(t, ix.Add(ctx, "m2", "aaabbc", nil))
	require.NoError(t, ix.Add(ctx, "m3", "zzzyyy", nil))
	assert.Equal(t, 3, ix.Count())

	matches, err := ix.Similar(ctx, "aaabbb", 3, 0.9)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "m1", matches[0].ID)
	for _, m := range matches {
		assert.NotEqual(t, "m3", m.ID)
	}

	require.NoError(t, ix.Remove(ctx, "m1"))
	assert.Equal(t, 2, ix.Count())
}

func TestSemanticAssociations(t *testing.T) {
	ix, err := NewSemanticIndex("", chromem.EmbeddingFunc(letterEmbedding))
	require.NoError(t, err)
	e := newTestEngine(t, WithSemanticIndex(ix))
	ctx := context.Background()

	a, err := e.Add(ctx, &Entry{Content: "aaabbbccc", Keywords: []string{"k1"}, Confidence: 0.5})
	require.NoError(t, err)
	b, err := e.Add(ctx, &Entry{Content: "aaabbbccd", Keywords: []string{"k2"}, Confidence: 0.5})
	require.NoError(t, err)

	require.NoError(t, e.RebuildAssociations(ctx))

	got, ok := e.Get(a.ID)
	require.True(t, ok)
	var semantic *Association
	for i := range got.Associations {
		if got.Associations[i].Type == AssocSemantic && got.Associations[i].TargetID == b.ID {
			semantic = &got.Associations[i]
		}
	}
	require.NotNil(t, semantic, "near-identical contents must link semantically")
	assert.Greater(t, semantic.Weight, 0.75)
}

func TestRecallSummary(t *testing.T) {
	out := RecallSummary([]Retrieved{
		{Entry: &Entry{Category: CategoryPitfall, Content: "never force-push shared branches"}, Strength: 83.2},
	})
	assert.Contains(t, out, "[pitfall, strength 83]")
	assert.Contains(t, out, "never force-push")
	assert.Empty(t, RecallSummary(nil))
}
