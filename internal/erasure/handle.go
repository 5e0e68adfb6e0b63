package erasure

import (
	"fmt"
	"sync"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/ioqueue"
	"github.com/ne-io/ne/internal/iothread"
	"github.com/ne-io/ne/internal/metainfo"
	"github.com/ne-io/ne/internal/threadqueue"
)

// Mode selects a handle's lifecycle (SPEC_FULL.md §6.4).
type Mode int

const (
	// Stat opens every shard in METAREAD only, for pattern discovery;
	// it starts no workers.
	Stat Mode = iota
	RDONLY
	RDALL
	WRONLY
	WRALL
	Rebuild
)

func (m Mode) String() string {
	switch m {
	case Stat:
		return "STAT"
	case RDONLY:
		return "RDONLY"
	case RDALL:
		return "RDALL"
	case WRONLY:
		return "WRONLY"
	case WRALL:
		return "WRALL"
	case Rebuild:
		return "REBUILD"
	default:
		return "UNKNOWN"
	}
}

// shardState is the per-shard runtime state held by a concrete-mode
// handle: its global state (shared with the iothread worker), whether
// it is currently active (read-ahead may pause inactive shards to save
// I/O), and whether it is currently flagged as damaged.
type shardState struct {
	idx     int
	loc     dal.Location
	global  *iothread.GlobalState
	queue   *ioqueue.Queue
	writeQ  *threadqueue.Queue[*ioqueue.IOBlock]
	reader  *iothread.ReadQueue
	cur     *ioqueue.IOBlock
	active  bool
	damaged bool
}

// Handle is per-open state for one object: the erasure pattern, the
// meta-info consensus derived from surviving shards, per-shard runtime
// state, the stripe-coordinate cursor, and the Reed-Solomon matrix for
// this pattern's (N, E) (SPEC_FULL.md §3's "Handle" data model entry).
type Handle struct {
	ctx     *Context
	mode    Mode
	objID   string
	base    dal.Location
	pattern Pattern
	meta    metainfo.MetaInfo
	matrix  *Matrix

	shards []*shardState

	// iobOffset is the shard-coordinate byte offset of the first byte of
	// the currently held ioblocks (identical across shards). subOffset
	// is the byte offset within those ioblocks in logical (interleaved)
	// object coordinates.
	iobOffset int64
	subOffset int64

	// writeShard is the data-shard index (0..N-1) the next Write() call
	// lands in; stripeBuf holds the N+E partsz-sized slices (data, then
	// parity) of the stripe currently being assembled, and stripeFill
	// the fill level of each data slice.
	writeShard int
	stripeBuf  [][]byte
	stripeFill []int

	mu sync.Mutex
}

func newShardCount(mode Mode, pattern Pattern) int {
	if mode == Stat {
		return 0
	}
	return pattern.Total()
}

// activeReaders returns how many of the leading shard slots should
// start active for a freshly opened read/rebuild handle: all N data
// shards for RDONLY/REBUILD, or all N+E for RDALL.
func activeReaders(mode Mode, pattern Pattern) int {
	if mode == RDALL {
		return pattern.Total()
	}
	return pattern.N
}

func (h *Handle) errShardCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.shards {
		if s.global.HasDataError() || s.global.HasMetaError() {
			n++
		}
	}
	return n
}

func (h *Handle) damagedShards() []*shardState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*shardState
	for _, s := range h.shards {
		if s.damaged {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handle) activateShard(s *shardState) error {
	if s.active {
		return nil
	}
	rq, err := iothread.NewReadQueue(s.global, h.iobOffset)
	if err != nil {
		return fmt.Errorf("erasure: activate shard %d: %w", s.idx, err)
	}
	s.reader = rq
	s.active = true
	return nil
}
