package fusion

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/store"
	"github.com/abelbrown/eventline/internal/telemetry"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// baseVec and simVec build unit vectors whose cosine similarity to
// baseVec is exactly the given value.
func baseVec() []float32 { return []float32{1, 0, 0, 0} }

func simVec(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0, 0}
}

type fixedEmbedder struct{ v []float32 }

func (f fixedEmbedder) Available() bool { return true }
func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.v, nil
}

// scriptedJudge returns a fixed verdict and counts invocations.
type scriptedJudge struct {
	verdict bool
	err     error
	calls   int
}

func (j *scriptedJudge) SameEvent(ctx context.Context, a, b *store.Event) (bool, error) {
	j.calls++
	return j.verdict, j.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T, st *store.Store, judge Adjudicator) *Engine {
	t.Helper()
	return NewEngine(st, fixedEmbedder{v: baseVec()}, judge,
		config.FusionConfig{}, telemetry.New(nil))
}

type eventSpec struct {
	id         string
	occurredAt time.Time
	lat, lon   float64 // 0,0 means no location
	embedding  []float32
	status     store.Status
	mergedInto string
	sources    []string
	dossier    string
}

func saveEvent(t *testing.T, st *store.Store, spec eventSpec) {
	t.Helper()
	e := &store.Event{
		ID:         spec.id,
		OccurredAt: spec.occurredAt,
		Title:      spec.id,
		Dossier:    spec.dossier,
		Embedding:  spec.embedding,
		Status:     spec.status,
		MergedInto: spec.mergedInto,
		Sources:    spec.sources,
	}
	if e.Dossier == "" {
		e.Dossier = "report text for " + spec.id
	}
	if spec.lat != 0 || spec.lon != 0 {
		lat, lon := spec.lat, spec.lon
		e.Lat, e.Lon = &lat, &lon
	}
	inserted, err := st.SaveEvent(e)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestTemporalWindowNeverMerges(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(120 * time.Hour), embedding: baseVec()})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.Zero(t, judge.calls, "pair beyond the window must not reach adjudication")
}

func TestSimilarityFloorNeverMerges(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), embedding: simVec(0.40)})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.Zero(t, judge.calls)
}

func TestSpatialCeilingBlocksModerateSimilarity(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	// ~1230km apart at similarity 0.80: outside the 150km ceiling and
	// not similar enough for the wide one.
	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, lat: 49.0, lon: 37.0, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), lat: 49.0, lon: 20.0, embedding: simVec(0.80)})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.Zero(t, judge.calls)
}

func TestHighSimilarityWidensSpatialCeiling(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	// ~3000km apart at similarity 0.95: within the widened 5000km
	// ceiling, so the pair reaches adjudication and merges on a yes.
	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, lat: 49.0, lon: 37.0, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), lat: 22.0, lon: 37.0, embedding: simVec(0.95)})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, judge.calls)
	assert.Equal(t, 1, res.Merged)
}

func TestAdjudicationNoBlocksMerge(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: false}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), embedding: baseVec()})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.GreaterOrEqual(t, judge.calls, 1)
}

func TestAdjudicationFailureFailsClosed(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true, err: errors.New("provider down")}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, embedding: baseVec()})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), embedding: baseVec()})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Merged, "a failed adjudication call must never merge")

	a, err := st.GetEvent("a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, a.Status)
}

func TestNearbyPairReachesAdjudication(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	// 34 hours and ~60km apart at similarity 0.80: inside every cheap
	// gate, decided by adjudication alone.
	saveEvent(t, st, eventSpec{
		id: "a", occurredAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		lat: 49.0, lon: 37.0, embedding: baseVec(),
	})
	saveEvent(t, st, eventSpec{
		id: "b", occurredAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		lat: 49.5, lon: 37.2, embedding: simVec(0.80),
	})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, judge.calls)
	assert.Equal(t, 1, res.Merged)
}

func TestMergeCommit(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{
		id: "early", occurredAt: baseTime, embedding: baseVec(),
		sources: []string{"https://example.com/1"}, dossier: "first account",
	})
	saveEvent(t, st, eventSpec{
		id: "mid", occurredAt: baseTime.Add(2 * time.Hour), embedding: baseVec(),
		sources: []string{"https://example.com/2"}, dossier: "second account",
	})
	saveEvent(t, st, eventSpec{
		id: "late", occurredAt: baseTime.Add(4 * time.Hour), embedding: baseVec(),
		sources: []string{"https://example.com/1"}, dossier: "third account",
	})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Merged)
	assert.Zero(t, res.VoidClusters)

	master, err := st.GetEvent("early")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, master.Status, "master stays open")
	assert.Contains(t, master.Dossier, "first account")
	assert.Contains(t, master.Dossier, "second account")
	assert.Contains(t, master.Dossier, "third account")
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, master.Sources)
	assert.NotEmpty(t, master.Embedding, "embedding recomputed over the grown dossier")

	for _, id := range []string{"mid", "late"} {
		child, err := st.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusMerged, child.Status)
		assert.Equal(t, "early", child.MergedInto)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	saveEvent(t, st, eventSpec{id: "a", occurredAt: baseTime, embedding: baseVec(), dossier: "first account"})
	saveEvent(t, st, eventSpec{id: "b", occurredAt: baseTime.Add(time.Hour), embedding: baseVec(), dossier: "second account"})

	first, err := e.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Merged)

	before, err := st.GetEvent("a")
	require.NoError(t, err)

	second, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Merged, "a fully merged cluster must not merge again")
	assert.Zero(t, second.VoidClusters)

	after, err := st.GetEvent("a")
	require.NoError(t, err)
	assert.Equal(t, before.Dossier, after.Dossier, "second pass changed the dossier")
	assert.Equal(t, before.Sources, after.Sources)
}

func TestFreshItemJoinsExistingCluster(t *testing.T) {
	st := newTestStore(t)
	judge := &scriptedJudge{verdict: true}
	e := newTestEngine(t, st, judge)

	// An existing cluster: master plus one merged child. A fresh
	// PENDING report arrives describing the same occurrence.
	saveEvent(t, st, eventSpec{id: "master", occurredAt: baseTime, embedding: baseVec(), dossier: "first account"})
	saveEvent(t, st, eventSpec{
		id: "child", occurredAt: baseTime.Add(time.Hour), embedding: baseVec(),
		status: store.StatusMerged, mergedInto: "master", dossier: "second account",
	})
	saveEvent(t, st, eventSpec{id: "fresh", occurredAt: baseTime.Add(2 * time.Hour), embedding: baseVec(), dossier: "third account"})

	res, err := e.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	fresh, err := st.GetEvent("fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusMerged, fresh.Status)
	assert.Equal(t, "master", fresh.MergedInto)

	child, err := st.GetEvent("child")
	require.NoError(t, err)
	assert.Equal(t, "master", child.MergedInto, "existing child left untouched")

	master, err := st.GetEvent("master")
	require.NoError(t, err)
	assert.Contains(t, master.Dossier, "third account")
}

func TestGhostClusterIsVoid(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st, &scriptedJudge{verdict: true})

	// Two children of an absent master: every member MERGED.
	saveEvent(t, st, eventSpec{
		id: "g1", occurredAt: baseTime, embedding: baseVec(),
		status: store.StatusMerged, mergedInto: "elsewhere", dossier: "ghost one",
	})
	saveEvent(t, st, eventSpec{
		id: "g2", occurredAt: baseTime.Add(time.Hour), embedding: baseVec(),
		status: store.StatusMerged, mergedInto: "elsewhere", dossier: "ghost two",
	})

	merged, voided, err := e.commitCluster(context.Background(), []string{"g1", "g2"})
	require.NoError(t, err)
	assert.Zero(t, merged)
	assert.True(t, voided, "all-MERGED cluster must be discarded")

	for _, id := range []string{"g1", "g2"} {
		ev, err := st.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, "ghost "+map[string]string{"g1": "one", "g2": "two"}[id], ev.Dossier,
			"void cluster produced a write")
	}
}

func TestUnionFindClusters(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("b", "c")
	uf.union("x", "y")
	uf.find("lone")

	clusters := uf.clusters()
	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"a", "b", "c"}, clusters[0])
	assert.Equal(t, []string{"x", "y"}, clusters[1])
	assert.True(t, uf.same("a", "c"))
	assert.False(t, uf.same("a", "x"))
}

func TestJudgeParsesVerdict(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
		wantErr bool
	}{
		{"plain yes", `{"same_event": true}`, true, false},
		{"plain no", `{"same_event": false}`, false, false},
		{"fenced", "```json\n{\"same_event\": true}\n```", true, false},
		{"missing field", `{"verdict": "yes"}`, false, true},
		{"not json", "probably the same event", false, true},
	}

	a := &store.Event{ID: "a", OccurredAt: baseTime, Dossier: "x"}
	b := &store.Event{ID: "b", OccurredAt: baseTime, Dossier: "y"}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := NewJudge(staticCapability{content: tc.content})
			got, err := j.SameEvent(context.Background(), a, b)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type staticCapability struct{ content string }

func (s staticCapability) Name() string { return "static" }
func (s staticCapability) Generate(ctx context.Context, req infer.Request) (infer.Response, error) {
	return infer.Response{Content: s.content, Model: "static"}, nil
}
