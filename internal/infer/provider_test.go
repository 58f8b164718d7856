package infer

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name      string
	available bool
	content   string
	err       error
	calls     int
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return s.available }

func (s *stubProvider) Generate(ctx context.Context, req Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Content: s.content, Model: s.name}, nil
}

func TestManagerFallsOverOnProviderError(t *testing.T) {
	primary := &stubProvider{name: "claude", available: true, err: errors.New("overloaded")}
	backup := &stubProvider{name: "openai", available: true, content: "ok"}

	m := NewManager(nil)
	m.AddProvider(primary)
	m.AddProvider(backup)

	resp, err := m.Generate(context.Background(), Request{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestManagerSkipsUnavailable(t *testing.T) {
	down := &stubProvider{name: "claude", available: false}
	up := &stubProvider{name: "ollama", available: true, content: "local"}

	m := NewManager(nil)
	m.AddProvider(down)
	m.AddProvider(up)

	resp, err := m.Generate(context.Background(), Request{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "local" {
		t.Errorf("content = %q, want local", resp.Content)
	}
	if down.calls != 0 {
		t.Errorf("unavailable provider was called %d times", down.calls)
	}
}

func TestManagerAllFailedTagsCapabilityError(t *testing.T) {
	m := NewManager(nil)
	m.AddProvider(&stubProvider{name: "claude", available: true, err: errors.New("timeout")})

	_, err := m.Generate(context.Background(), Request{UserPrompt: "hi"})
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("err = %v, want ErrCapability", err)
	}
}

func TestManagerNoProviders(t *testing.T) {
	m := NewManager(nil)
	if m.Available() {
		t.Error("empty manager reports available")
	}
	_, err := m.Generate(context.Background(), Request{UserPrompt: "hi"})
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("err = %v, want ErrCapability", err)
	}
}

func TestManagerPreferredOrder(t *testing.T) {
	a := &stubProvider{name: "claude", available: true, content: "a"}
	b := &stubProvider{name: "ollama", available: true, content: "b"}

	m := NewManager(nil)
	m.AddProvider(a)
	m.AddProvider(b)
	m.SetPreferred("ollama")

	resp, err := m.Generate(context.Background(), Request{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "b" {
		t.Errorf("content = %q, want preferred provider output", resp.Content)
	}
	if a.calls != 0 {
		t.Errorf("non-preferred provider called %d times", a.calls)
	}
}
