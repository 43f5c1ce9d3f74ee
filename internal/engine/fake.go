package engine

import (
	"context"
	"sync/atomic"
)

// FakeEngine replays a scripted chunk sequence. Used by tests and local
// development when no backend is configured.
type FakeEngine struct {
	// Script is emitted in order. When empty, a minimal
	// content+complete pair is produced.
	Script []Chunk

	// Hang, when set, blocks after the scripted chunks until ctx is
	// cancelled, then emits an error chunk. Used to exercise the
	// watchdog and cancel paths.
	Hang bool

	// StartErr, when set, is returned from Invoke before any stream.
	StartErr error

	invocations atomic.Int64
}

func (f *FakeEngine) Invoke(ctx context.Context, sessionID, code, language string) (<-chan Chunk, error) {
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.invocations.Add(1)

	script := f.Script
	if len(script) == 0 && !f.Hang {
		script = []Chunk{
			{Type: ChunkContent, Content: "No issues found.\n"},
			{Type: ChunkComplete},
		}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range script {
			select {
			case out <- c:
			case <-ctx.Done():
				out <- Chunk{Type: ChunkError, Err: ctx.Err().Error()}
				return
			}
		}
		if f.Hang {
			<-ctx.Done()
			out <- Chunk{Type: ChunkError, Err: ctx.Err().Error()}
		}
	}()
	return out, nil
}

// Invocations reports how many streams were started.
func (f *FakeEngine) Invocations() int64 {
	return f.invocations.Load()
}
