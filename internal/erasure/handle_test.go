package erasure

import (
	"bytes"
	"context"
	"testing"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/dal/posix"
	"github.com/ne-io/ne/internal/metainfo"
)

func newTestBackend(t *testing.T, maxBlock int) *posix.Backend {
	t.Helper()
	root := t.TempDir()
	b, err := posix.Open(posix.Config{
		SecureRoot:  root,
		DirTemplate: "{p}/{b}/{c}/{s}",
		MaxPod:      1, MaxBlock: maxBlock, MaxCap: 1, MaxScatter: 1,
	})
	if err != nil {
		t.Fatalf("posix.Open: %v", err)
	}
	if _, err := b.Verify(context.Background(), dal.FIX); err != nil {
		t.Fatalf("verify fix: %v", err)
	}
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func freshMeta(pattern Pattern) metainfo.MetaInfo {
	return metainfo.MetaInfo{N: pattern.N, E: pattern.E, O: pattern.O, PartSz: pattern.PartSz}
}

func TestWriteReadRoundTrip(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := NewContext(backend, 4, 1<<14)
	pattern := Pattern{N: 2, E: 2, O: 0, PartSz: 16}
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	objID := "obj1"

	payload := bytes.Repeat([]byte("0123456789abcdef"), 5)

	wh, err := Open(ctx, WRALL, objID, base, pattern, freshMeta(pattern))
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatalf("Close write: %v", err)
	}

	found, meta, err := DiscoverPattern(ctx, base, objID)
	if err != nil {
		t.Fatalf("DiscoverPattern: %v", err)
	}
	if found.N != pattern.N || found.E != pattern.E {
		t.Fatalf("discovered pattern %+v, want N=%d E=%d", found, pattern.N, pattern.E)
	}

	rh, err := Open(ctx, RDONLY, objID, base, found, meta)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := rh.Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", out, payload)
	}
	if _, err := rh.Close(); err != nil {
		t.Fatalf("Close read: %v", err)
	}
}

func TestReadSurvivesSingleShardLoss(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := NewContext(backend, 4, 1<<14)
	pattern := Pattern{N: 2, E: 2, O: 0, PartSz: 16}
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	objID := "obj2"

	payload := bytes.Repeat([]byte("ABCDEFGHIJKLMNOP"), 6)
	wh, err := Open(ctx, WRALL, objID, base, pattern, freshMeta(pattern))
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatalf("Close write: %v", err)
	}

	_, meta, err := DiscoverPattern(ctx, base, objID)
	if err != nil {
		t.Fatalf("DiscoverPattern: %v", err)
	}

	lostLoc := ShardLocation(base, pattern, 0)
	if err := backend.Del(context.Background(), lostLoc, objID); err != nil {
		t.Fatalf("Del shard 0: %v", err)
	}

	rh, err := Open(ctx, RDONLY, objID, base, pattern, meta)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := rh.Read(out)
	if err != nil {
		t.Fatalf("Read after shard loss: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reconstructed roundtrip mismatch: got %q want %q", out, payload)
	}
	if _, err := rh.Close(); err != nil {
		t.Fatalf("Close read: %v", err)
	}
}

func TestRebuildRewritesDamagedShard(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := NewContext(backend, 4, 1<<14)
	pattern := Pattern{N: 2, E: 2, O: 0, PartSz: 16}
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	objID := "obj3"

	payload := bytes.Repeat([]byte("xyzXYZ0123456789"), 4)
	wh, err := Open(ctx, WRALL, objID, base, pattern, freshMeta(pattern))
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatalf("Close write: %v", err)
	}

	_, meta, err := DiscoverPattern(ctx, base, objID)
	if err != nil {
		t.Fatalf("DiscoverPattern: %v", err)
	}

	damagedLoc := ShardLocation(base, pattern, 1)
	if err := backend.Del(context.Background(), damagedLoc, objID); err != nil {
		t.Fatalf("Del shard 1: %v", err)
	}

	rbh, err := Open(ctx, Rebuild, objID, base, pattern, meta)
	if err != nil {
		t.Fatalf("Open rebuild: %v", err)
	}
	remaining, err := rbh.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("rebuild left %d shards damaged, want 0", remaining)
	}
	if _, err := rbh.Close(); err != nil {
		t.Fatalf("Close rebuild: %v", err)
	}

	rh, err := Open(ctx, RDONLY, objID, base, pattern, meta)
	if err != nil {
		t.Fatalf("Open read after rebuild: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := rh.Read(out)
	if err != nil {
		t.Fatalf("Read after rebuild: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out, payload) {
		t.Fatalf("post-rebuild roundtrip mismatch: got %d bytes %q", n, out)
	}
	if _, err := rh.Close(); err != nil {
		t.Fatalf("Close read: %v", err)
	}
}

func TestSeekRepositionsStripe(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := NewContext(backend, 4, 1<<14)
	pattern := Pattern{N: 2, E: 2, O: 0, PartSz: 16}
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	objID := "obj4"

	payload := bytes.Repeat([]byte("stripe-aligned!!"), 8)
	wh, err := Open(ctx, WRALL, objID, base, pattern, freshMeta(pattern))
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatalf("Close write: %v", err)
	}

	_, meta, err := DiscoverPattern(ctx, base, objID)
	if err != nil {
		t.Fatalf("DiscoverPattern: %v", err)
	}

	rh, err := Open(ctx, RDONLY, objID, base, pattern, meta)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	stripeSize := int(pattern.StripeSize())
	if err := rh.Seek(int64(stripeSize)); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	out := make([]byte, len(payload)-stripeSize)
	n, err := rh.Read(out)
	if err != nil {
		t.Fatalf("Read after seek: %v", err)
	}
	if n != len(out) {
		t.Fatalf("read %d bytes after seek, want %d", n, len(out))
	}
	if !bytes.Equal(out, payload[stripeSize:]) {
		t.Fatalf("post-seek mismatch: got %q want %q", out, payload[stripeSize:])
	}
	if _, err := rh.Close(); err != nil {
		t.Fatalf("Close read: %v", err)
	}
}

func TestSeekToUnalignedOffset(t *testing.T) {
	backend := newTestBackend(t, 8)
	ctx := NewContext(backend, 8, 1<<20)
	pattern := Pattern{N: 4, E: 2, O: 0, PartSz: 4096}
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}
	objID := "obj6"

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i)
	}

	wh, err := Open(ctx, WRALL, objID, base, pattern, freshMeta(pattern))
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if _, err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatalf("Close write: %v", err)
	}

	_, meta, err := DiscoverPattern(ctx, base, objID)
	if err != nil {
		t.Fatalf("DiscoverPattern: %v", err)
	}

	rh, err := Open(ctx, RDONLY, objID, base, pattern, meta)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	const seekTo = 50001
	if err := rh.Seek(seekTo); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	out := make([]byte, 100)
	n, err := rh.Read(out)
	if err != nil {
		t.Fatalf("Read after unaligned seek: %v", err)
	}
	if n != len(out) {
		t.Fatalf("read %d bytes after unaligned seek, want %d", n, len(out))
	}
	want := payload[seekTo : seekTo+100]
	if !bytes.Equal(out, want) {
		t.Fatalf("unaligned seek mismatch: got %q want %q", out, want)
	}
	if _, err := rh.Close(); err != nil {
		t.Fatalf("Close read: %v", err)
	}
}

func TestDiscoverPatternFailsWithoutQuorum(t *testing.T) {
	backend := newTestBackend(t, 4)
	ctx := NewContext(backend, 4, 1<<14)
	base := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}

	if _, _, err := DiscoverPattern(ctx, base, "never-written"); err == nil {
		t.Fatalf("DiscoverPattern: expected error for object with no shards, got nil")
	}
}
