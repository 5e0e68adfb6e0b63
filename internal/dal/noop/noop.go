// Package noop implements the no-op DAL back end used for pipeline sizing
// and benchmarking: writes are discarded (only byte counts are tracked)
// and reads return zero-filled buffers, so callers can measure the cost
// of the I/O pipeline and erasure math in isolation from real storage
// I/O. Meta-info is kept in memory so STAT-mode consensus discovery still
// behaves as it would against a real back end.
package noop

import (
	"context"
	"fmt"
	"sync"

	"github.com/ne-io/ne/internal/dal"
)

type shardKey struct {
	loc   dal.Location
	objID string
}

// Backend is the no-op dal.Backend implementation.
type Backend struct {
	mu    sync.Mutex
	sizes map[shardKey]int64
	metas map[shardKey][]byte
}

// New creates a new no-op backend.
func New() *Backend {
	return &Backend{
		sizes: make(map[shardKey]int64),
		metas: make(map[shardKey][]byte),
	}
}

func (b *Backend) Verify(ctx context.Context, flags dal.VerifyFlags) (int, error) {
	return 0, nil
}

func (b *Backend) Migrate(ctx context.Context, objID string, src, dst dal.Location, offline bool) error {
	if src.Pod == dst.Pod && src.Cap == dst.Cap && src.Scatter == dst.Scatter && src.Block != dst.Block {
		return fmt.Errorf("noop: migrate refuses a move where only block differs")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	srcKey := shardKey{src, objID}
	dstKey := shardKey{dst, objID}
	b.sizes[dstKey] = b.sizes[srcKey]
	b.metas[dstKey] = b.metas[srcKey]
	if offline {
		delete(b.sizes, srcKey)
		delete(b.metas, srcKey)
	}
	return nil
}

func (b *Backend) Del(ctx context.Context, loc dal.Location, objID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := shardKey{loc, objID}
	delete(b.sizes, key)
	delete(b.metas, key)
	return nil
}

func (b *Backend) Stat(ctx context.Context, loc dal.Location, objID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sizes[shardKey{loc, objID}]; !ok {
		return fmt.Errorf("noop: shard %s@%+v not found", objID, loc)
	}
	return nil
}

func (b *Backend) Open(ctx context.Context, mode dal.Mode, loc dal.Location, objID string) (dal.Handle, error) {
	return &handle{backend: b, mode: mode, key: shardKey{loc, objID}}, nil
}

func (b *Backend) Cleanup() error { return nil }

type handle struct {
	backend *Backend
	mode    dal.Mode
	key     shardKey
	written int64
}

func (h *handle) GetMeta(buf []byte) (int, int, error) {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	m := h.backend.metas[h.key]
	n := copy(buf, m)
	return n, len(m), nil
}

func (h *handle) SetMeta(buf []byte) error {
	if h.mode != dal.WRITE && h.mode != dal.REBUILD {
		return fmt.Errorf("noop: SetMeta invalid in mode %s", h.mode)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	h.backend.mu.Lock()
	h.backend.metas[h.key] = cp
	h.backend.mu.Unlock()
	return nil
}

func (h *handle) Put(buf []byte) error {
	if h.mode != dal.WRITE && h.mode != dal.REBUILD {
		return fmt.Errorf("noop: Put invalid in mode %s", h.mode)
	}
	h.written += int64(len(buf))
	return nil
}

func (h *handle) Get(buf []byte, off int64) (int, error) {
	if h.mode != dal.READ {
		return 0, fmt.Errorf("noop: Get invalid in mode %s", h.mode)
	}
	h.backend.mu.Lock()
	total := h.backend.sizes[h.key]
	h.backend.mu.Unlock()
	if off >= total {
		return 0, nil
	}
	n := int64(len(buf))
	if off+n > total {
		n = total - off
	}
	for i := int64(0); i < n; i++ {
		buf[i] = 0
	}
	return int(n), nil
}

func (h *handle) Abort() error {
	return nil
}

func (h *handle) Close() error {
	if h.mode == dal.WRITE || h.mode == dal.REBUILD {
		h.backend.mu.Lock()
		h.backend.sizes[h.key] = h.written
		h.backend.mu.Unlock()
	}
	return nil
}

var _ dal.Backend = (*Backend)(nil)
