// Package fusion reconciles the event store against itself: it finds
// pairs of records describing the same real-world occurrence and merges
// them under non-destructive, loop-proof rules.
//
// Matching runs as a funnel, cheapest filter first, each stage a hard
// gate: status, temporal window, embedding similarity, spatial
// distance, and finally a boolean adjudication call. Only an explicit
// positive verdict merges; everything ambiguous fails closed.
package fusion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/embed"
	"github.com/abelbrown/eventline/internal/geo"
	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/store"
	"github.com/abelbrown/eventline/internal/telemetry"
)

// gate identifies the funnel stage at which a pair was decided.
type gate string

const (
	gateStatus       gate = "status"
	gateTemporal     gate = "temporal"
	gateSimilarity   gate = "similarity"
	gateSpatial      gate = "spatial"
	gateAdjudication gate = "adjudication"
	gateMatched      gate = "matched"
)

// Adjudicator makes the final same-event judgment on a pair that
// survived every cheap gate.
type Adjudicator interface {
	SameEvent(ctx context.Context, a, b *store.Event) (bool, error)
}

// PassResult summarizes one fusion pass.
type PassResult struct {
	Compared     int // pairs that entered the funnel
	Merged       int // events absorbed into a master
	VoidClusters int // all-MERGED clusters discarded without writes
}

// Engine scans the store for duplicate candidates and merges them. The
// commit phase is serialized: one pass at a time holds the engine
// mutex, so two passes can never merge overlapping clusters
// inconsistently.
type Engine struct {
	store       *store.Store
	embedder    embed.Embedder
	adjudicator Adjudicator
	index       *Index
	telemetry   *telemetry.Telemetry
	cfg         config.FusionConfig

	mu sync.Mutex
}

func NewEngine(st *store.Store, embedder embed.Embedder, adjudicator Adjudicator, cfg config.FusionConfig, tel *telemetry.Telemetry) *Engine {
	if cfg.TemporalWindowHours <= 0 {
		cfg.TemporalWindowHours = 96
	}
	if cfg.SimilarityFloor <= 0 {
		cfg.SimilarityFloor = 0.55
	}
	if cfg.SpatialCeilingKm <= 0 {
		cfg.SpatialCeilingKm = 150
	}
	if cfg.WideSimilarity <= 0 {
		cfg.WideSimilarity = 0.93
	}
	if cfg.WideCeilingKm <= 0 {
		cfg.WideCeilingKm = 5000
	}
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 32
	}
	return &Engine{
		store:       st,
		embedder:    embedder,
		adjudicator: adjudicator,
		index:       NewIndex(),
		telemetry:   tel,
		cfg:         cfg,
	}
}

// RunPass compares every PENDING event against its temporal neighbors
// and commits the resulting clusters.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res PassResult

	pending, err := e.store.PendingEvents()
	if err != nil {
		return res, fmt.Errorf("loading pending events: %w", err)
	}

	window := time.Duration(e.cfg.TemporalWindowHours) * time.Hour
	uf := newUnionFind()

	for i := range pending {
		a := &pending[i]
		e.index.Add(a.ID, a.Embedding)

		near, err := e.store.EventsNear(a.OccurredAt, window, a.ID)
		if err != nil {
			return res, fmt.Errorf("loading neighbors of %s: %w", a.ID, err)
		}
		candidates := e.selectCandidates(a, near)

		for j := range candidates {
			b := &candidates[j]
			if uf.same(a.ID, b.ID) {
				continue
			}
			res.Compared++
			verdict := e.comparePair(ctx, a, b)
			logging.Debug("Fusion pair decided",
				"a", a.ID, "b", b.ID, "gate", string(verdict))
			if verdict == gateMatched {
				uf.union(a.ID, b.ID)
			}
		}
	}

	for _, cluster := range uf.clusters() {
		merged, voided, err := e.commitCluster(ctx, cluster)
		if err != nil {
			return res, err
		}
		res.Merged += merged
		if voided {
			res.VoidClusters++
		}
	}

	e.telemetry.FusionMerged(res.Merged)
	e.telemetry.FusionVoided(res.VoidClusters)
	if res.Merged > 0 || res.VoidClusters > 0 {
		logging.Info("Fusion pass complete",
			"compared", res.Compared, "merged", res.Merged, "void", res.VoidClusters)
	}
	return res, nil
}

// selectCandidates caps the neighbor set using the approximate index
// when the temporal window returns more events than the funnel should
// adjudicate.
func (e *Engine) selectCandidates(a *store.Event, near []store.Event) []store.Event {
	for i := range near {
		e.index.Add(near[i].ID, near[i].Embedding)
	}
	if len(near) <= e.cfg.CandidateK || len(a.Embedding) == 0 {
		return near
	}

	keep := make(map[string]bool, e.cfg.CandidateK)
	for _, c := range e.index.Neighbors(a.Embedding, e.cfg.CandidateK, a.ID) {
		keep[c.ID] = true
	}
	out := make([]store.Event, 0, e.cfg.CandidateK)
	for _, ev := range near {
		if keep[ev.ID] {
			out = append(out, ev)
		}
	}
	return out
}

// comparePair runs one pair through the funnel and returns the gate at
// which it was decided.
func (e *Engine) comparePair(ctx context.Context, a, b *store.Event) gate {
	// Status gate. At least one side must be PENDING, and a pair of
	// MERGED records is never compared. Pairs already resolving to the
	// same master have nothing left to merge.
	if a.Status == store.StatusMerged && b.Status == store.StatusMerged {
		return gateStatus
	}
	if a.Status != store.StatusPending && b.Status != store.StatusPending {
		return gateStatus
	}
	if e.sameMaster(a, b) {
		return gateStatus
	}

	// Temporal gate.
	delta := a.OccurredAt.Sub(b.OccurredAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > time.Duration(e.cfg.TemporalWindowHours)*time.Hour {
		return gateTemporal
	}

	// Similarity gate. Missing or mismatched embeddings score 0 and
	// fall out here, which is the fail-closed reading of no evidence.
	sim := embed.CosineSimilarity(a.Embedding, b.Embedding)
	if sim < e.cfg.SimilarityFloor {
		return gateSimilarity
	}

	// Spatial gate. Near-identical text widens the ceiling so a
	// localized report can still match a theatre-wide one. Events
	// without coordinates pass; distance is unknowable, not violated.
	if a.HasLocation() && b.HasLocation() {
		dist := geo.Distance(*a.Lat, *a.Lon, *b.Lat, *b.Lon)
		ceiling := e.cfg.SpatialCeilingKm
		if sim > e.cfg.WideSimilarity {
			ceiling = e.cfg.WideCeilingKm
		}
		if dist > ceiling {
			return gateSpatial
		}
	}

	// Adjudication, fail-closed: only an explicit yes merges. A failed
	// or malformed call is a no, without retry.
	same, err := e.adjudicator.SameEvent(ctx, a, b)
	if err != nil {
		logging.Warn("Adjudication failed, treating as non-match",
			"a", a.ID, "b", b.ID, "error", err)
		return gateAdjudication
	}
	if !same {
		return gateAdjudication
	}
	return gateMatched
}

// sameMaster reports whether both events already resolve to one record.
func (e *Engine) sameMaster(a, b *store.Event) bool {
	ma, err := e.store.ResolveMaster(a.ID)
	if err != nil {
		return false
	}
	mb, err := e.store.ResolveMaster(b.ID)
	if err != nil {
		return false
	}
	return ma.ID == mb.ID
}

// commitCluster merges one cluster: master is the chronologically
// earliest member, the dossier is the concatenation of all member
// texts, sources are the deduplicated union, and the embedding is
// recomputed over the new dossier. Returns the number of events merged
// and whether the cluster was void.
func (e *Engine) commitCluster(ctx context.Context, ids []string) (int, bool, error) {
	members := make([]store.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := e.store.GetEvent(id)
		if err != nil {
			return 0, false, fmt.Errorf("loading cluster member %s: %w", id, err)
		}
		members = append(members, *ev)
	}

	// Ghost cluster: every member already merged means a previous pass
	// handled this occurrence. Committing again would loop forever.
	open := false
	for i := range members {
		if members[i].Status != store.StatusMerged {
			open = true
			break
		}
	}
	if !open {
		logging.Debug("Void cluster discarded", "size", len(members))
		return 0, true, nil
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].OccurredAt.Before(members[j].OccurredAt)
	})

	master := &members[0]
	if master.Status == store.StatusMerged {
		resolved, err := e.store.ResolveMaster(master.ID)
		if err != nil {
			return 0, false, fmt.Errorf("resolving master of %s: %w", master.ID, err)
		}
		master = resolved
	}

	var texts []string
	var sourceLists [][]string
	seen := map[string]bool{}
	var childIDs []string
	for i := range members {
		m := &members[i]
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if !strings.Contains(master.Dossier, m.Dossier) {
			texts = append(texts, m.Dossier)
		}
		sourceLists = append(sourceLists, m.Sources)
		if m.ID != master.ID && m.Status != store.StatusMerged {
			childIDs = append(childIDs, m.ID)
		}
	}
	if len(childIDs) == 0 {
		return 0, false, nil
	}

	dossier := master.Dossier
	if len(texts) > 0 {
		dossier = strings.Join(append([]string{master.Dossier}, texts...), "\n\n---\n\n")
	}
	sources := store.MergeSources(append([][]string{master.Sources}, sourceLists...)...)

	embedding := e.recomputeEmbedding(ctx, dossier)

	if err := e.store.CommitMerge(master.ID, dossier, sources, embedding, childIDs); err != nil {
		return 0, false, fmt.Errorf("committing merge into %s: %w", master.ID, err)
	}
	e.index.Add(master.ID, embedding)
	logging.Info("Cluster merged",
		"master", master.ID, "children", len(childIDs))
	return len(childIDs), false, nil
}

// recomputeEmbedding follows the dossier: whenever the text changes the
// vector must too. An unavailable embedder stores no vector, which
// degrades future similarity to no-evidence rather than stale-evidence.
func (e *Engine) recomputeEmbedding(ctx context.Context, dossier string) []float32 {
	if e.embedder == nil || !e.embedder.Available() {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, dossier)
	if err != nil {
		logging.Warn("Embedding recompute failed", "error", err)
		return nil
	}
	return vec
}

// unionFind groups matched pairs into transitive clusters.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(id string) string {
	p, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if p == id {
		return id
	}
	root := u.find(p)
	u.parent[id] = root
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

func (u *unionFind) same(a, b string) bool {
	if _, ok := u.parent[a]; !ok {
		return false
	}
	if _, ok := u.parent[b]; !ok {
		return false
	}
	return u.find(a) == u.find(b)
}

// clusters returns every group with at least two members.
func (u *unionFind) clusters() [][]string {
	groups := make(map[string][]string)
	for id := range u.parent {
		root := u.find(id)
		groups[root] = append(groups[root], id)
	}
	var out [][]string
	for _, members := range groups {
		if len(members) >= 2 {
			sort.Strings(members)
			out = append(out, members)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
