package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := NewPool(workers)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := newTestPool(t, 2)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		p.SubmitFunc(TypeProcess, "report", func() (string, error) {
			ran.Add(1)
			return "done", nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("pool never drained: %v", err)
	}
	if got := ran.Load(); got != 5 {
		t.Errorf("ran %d of 5 items", got)
	}
	if s := p.Stats(); s.TotalCompleted != 5 || s.TotalFailed != 0 {
		t.Errorf("stats = %v", s)
	}
}

func TestPoolRecordsFailures(t *testing.T) {
	p := newTestPool(t, 1)

	p.SubmitFunc(TypeIngest, "bad feed", func() (string, error) {
		return "", errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("pool never drained: %v", err)
	}
	if s := p.Stats(); s.TotalFailed != 1 {
		t.Errorf("expected 1 failure, stats = %v", s)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := newTestPool(t, 1)

	p.SubmitFunc(TypeOther, "panics", func() (string, error) {
		panic("unexpected")
	})
	p.SubmitFunc(TypeOther, "survives", func() (string, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("pool never drained: %v", err)
	}
	s := p.Stats()
	if s.TotalFailed != 1 || s.TotalCompleted != 1 {
		t.Errorf("stats = %v", s)
	}
}

func TestPoolRespectsPriority(t *testing.T) {
	p := NewPool(1)

	var order []string
	done := make(chan struct{})
	record := func(name string) func() (string, error) {
		return func() (string, error) {
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			return "", nil
		}
	}

	// Queue everything before starting so the dispatcher sees all three.
	p.Submit(&Item{Type: TypeOther, Description: "low", Priority: 0, workFn: record("low")})
	p.Submit(&Item{Type: TypeOther, Description: "high", Priority: 10, workFn: record("high")})
	p.Submit(&Item{Type: TypeOther, Description: "mid", Priority: 5, workFn: record("mid")})

	p.Start(context.Background())
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("work never completed")
	}
	want := []string{"high", "mid", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}
