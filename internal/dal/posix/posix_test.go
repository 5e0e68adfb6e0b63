package posix

import (
	"context"
	"os"
	"testing"

	"github.com/ne-io/ne/internal/dal"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(root, 0700); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	b, err := Open(Config{
		SecureRoot:  root,
		DirTemplate: "{p}/{b}/{c}/{s}",
		MaxPod:      1, MaxBlock: 2, MaxCap: 1, MaxScatter: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	loc := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	ctx := context.Background()

	h, err := b.Open(ctx, dal.WRITE, loc, "obj1")
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	payload := []byte("hello erasure world")
	if err := h.Put(payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.SetMeta([]byte("v1 3 1 0 4096 1048576 1048576 1 20\n")); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := b.Stat(ctx, loc, "obj1"); err != nil {
		t.Fatalf("stat after close: %v", err)
	}

	rh, err := b.Open(ctx, dal.READ, loc, "obj1")
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer rh.Close()
	buf := make([]byte, len(payload))
	n, err := rh.Get(buf, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}

	mbuf := make([]byte, 256)
	mn, _, err := rh.GetMeta(mbuf)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if mn == 0 {
		t.Fatalf("expected non-empty meta")
	}
}

func TestAbortLeavesNoFinalPath(t *testing.T) {
	b := newTestBackend(t)
	loc := dal.Location{Pod: 0, Block: 1, Cap: 0, Scatter: 0}
	ctx := context.Background()

	h, err := b.Open(ctx, dal.WRITE, loc, "obj2")
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	if err := h.Put([]byte("partial data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if err := b.Stat(ctx, loc, "obj2"); err == nil {
		t.Fatalf("expected no final shard visible after abort")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	loc := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	ctx := context.Background()
	if err := b.Del(ctx, loc, "never-existed"); err != nil {
		t.Fatalf("delete of missing shard should succeed, got %v", err)
	}
}

func TestVerifyCreatesAndFixesDirectories(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	n, err := b.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected verify to report missing directories before FIX")
	}

	n, err = b.Verify(ctx, dal.FIX)
	if err != nil {
		t.Fatalf("verify fix: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected verify FIX to repair and report prior issue count")
	}

	n, err = b.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify after fix: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected clean verify after FIX, got %d issues", n)
	}
}

func TestMigrateOffline(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	src := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	dst := dal.Location{Pod: 0, Block: 0, Cap: 1, Scatter: 0}

	h, err := b.Open(ctx, dal.WRITE, src, "obj3")
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	h.Put([]byte("migrate me"))
	h.SetMeta([]byte("v1 1 0 0 10 14 14 1 10\n"))
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := b.Migrate(ctx, "obj3", src, dst, true); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := b.Stat(ctx, dst, "obj3"); err != nil {
		t.Fatalf("stat dst after migrate: %v", err)
	}
	if err := b.Stat(ctx, src, "obj3"); err == nil {
		t.Fatalf("expected src invalidated after offline migrate")
	}
}
