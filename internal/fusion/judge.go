package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/store"
)

// Capability is the inference surface the judge consumes.
type Capability interface {
	Name() string
	Generate(ctx context.Context, req infer.Request) (infer.Response, error)
}

// Judge asks the inference capability whether two records describe the
// same real-world occurrence. Any error or malformed answer surfaces to
// the engine, which treats it as a non-match.
type Judge struct {
	capability Capability
}

func NewJudge(capability Capability) *Judge {
	return &Judge{capability: capability}
}

func (j *Judge) SameEvent(ctx context.Context, a, b *store.Event) (bool, error) {
	if j.capability == nil {
		return false, fmt.Errorf("no capability configured")
	}

	resp, err := j.capability.Generate(ctx, infer.Request{
		SystemPrompt: `You compare two conflict event records and decide whether they describe the same real-world occurrence (same strike, same engagement), as opposed to two similar but distinct incidents.
Respond with JSON only: {"same_event": true} or {"same_event": false}.`,
		UserPrompt: fmt.Sprintf(
			"Record A (%s):\n%s\n\nRecord B (%s):\n%s",
			a.OccurredAt.Format("2006-01-02 15:04"), describe(a),
			b.OccurredAt.Format("2006-01-02 15:04"), describe(b)),
		MaxTokens: 64,
	})
	if err != nil {
		return false, err
	}

	s := strings.TrimSpace(resp.Content)
	if i := strings.Index(s, "{"); i >= 0 {
		if k := strings.LastIndex(s, "}"); k > i {
			s = s[i : k+1]
		}
	}
	var out struct {
		SameEvent *bool `json:"same_event"`
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return false, fmt.Errorf("malformed verdict: %v", err)
	}
	if out.SameEvent == nil {
		return false, fmt.Errorf("verdict missing same_event")
	}
	return *out.SameEvent, nil
}

func describe(e *store.Event) string {
	var sb strings.Builder
	if e.Title != "" {
		sb.WriteString(e.Title)
		sb.WriteString("\n")
	}
	if e.HasLocation() {
		fmt.Fprintf(&sb, "Location: %.4f, %.4f\n", *e.Lat, *e.Lon)
	}
	text := e.Dossier
	if len(text) > 1500 {
		text = text[:1500]
	}
	sb.WriteString(text)
	return sb.String()
}
