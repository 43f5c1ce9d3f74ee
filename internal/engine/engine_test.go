package engine

import (
	"context"
	"testing"
	"time"
)

func TestCreditsFromTokens(t *testing.T) {
	if got := creditsFromTokens(0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := creditsFromTokens(1); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := creditsFromTokens(1000); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := creditsFromTokens(1001); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestFakeEngine_ScriptedStream(t *testing.T) {
	f := &FakeEngine{Script: []Chunk{
		{Type: ChunkContent, Content: "a"},
		{Type: ChunkContent, Content: "b"},
		{Type: ChunkComplete, ReportedCost: 3},
	}}

	ch, err := f.Invoke(context.Background(), "s1", "code", "solidity")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if got[2].Type != ChunkComplete || got[2].ReportedCost != 3 {
		t.Fatalf("unexpected terminal chunk %+v", got[2])
	}
	if f.Invocations() != 1 {
		t.Fatalf("expected 1 invocation, got %d", f.Invocations())
	}
}

func TestFakeEngine_HangRespectsCancel(t *testing.T) {
	f := &FakeEngine{Hang: true}
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.Invoke(ctx, "s1", "code", "solidity")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	cancel()

	select {
	case c := <-ch:
		if c.Type != ChunkError {
			t.Fatalf("expected error chunk, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not terminate on cancel")
	}
}
