package erasure

import (
	"fmt"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/ioqueue"
	"github.com/ne-io/ne/internal/iothread"
)

// Rebuild sweeps the object end-to-end through readStripes, copying
// every reconstructed data-shard slice out to a dedicated writer for
// each damaged shard, then clears the damaged flag for every shard that
// wrote successfully and restarts its reader from the end-of-block
// offset (SPEC_FULL.md §4.7.5). It returns the count of shards still
// damaged; callers may invoke Rebuild again.
func (h *Handle) Rebuild() (int, error) {
	if h.mode != Rebuild {
		return 0, fmt.Errorf("erasure: rebuild not valid in mode %s", h.mode)
	}
	damaged := h.damagedShards()
	if len(damaged) == 0 {
		return 0, nil
	}

	writers := make(map[int]*shardState, len(damaged))
	for _, s := range damaged {
		q, err := ioqueue.New(int(h.meta.VerSz), int(h.pattern.PartSz), ioqueue.ModeWrite)
		if err != nil {
			return len(damaged), fmt.Errorf("erasure: rebuild shard %d ioqueue: %w", s.idx, err)
		}
		// The writer accumulates BlockSz and CRCSum from zero as it puts
		// each buffer, like a fresh write.
		meta := h.meta
		meta.BlockSz = 0
		meta.CRCSum = 0
		gstate := &iothread.GlobalState{
			Backend:     h.ctx.Backend,
			Mode:        dal.REBUILD,
			Location:    s.loc,
			ObjID:       h.objID,
			Queue:       q,
			ErasureLock: h.ctx.ErasureLock,
			Meta:        meta,
		}
		wq, err := iothread.NewWriteQueue(gstate)
		if err != nil {
			return len(damaged), fmt.Errorf("erasure: rebuild shard %d write queue: %w", s.idx, err)
		}
		writers[s.idx] = &shardState{idx: s.idx, loc: s.loc, global: gstate, queue: q, writeQ: wq}
	}

	for {
		set, err := h.readStripes()
		if err != nil {
			for _, w := range writers {
				w.writeQ.Abort()
			}
			return len(damaged), err
		}
		for idx, w := range writers {
			if set.data[idx] == nil {
				continue
			}
			if err := pushShardData(w, set.data[idx]); err != nil {
				return len(damaged), fmt.Errorf("erasure: rebuild push shard %d: %w", idx, err)
			}
		}
		if set.done {
			break
		}
	}

	stillDamaged := 0
	for _, s := range h.shards {
		w, ok := writers[s.idx]
		if !ok {
			if s.damaged {
				stillDamaged++
			}
			continue
		}
		if w.cur != nil {
			w.writeQ.Push(w.cur)
		}
		w.writeQ.Close()
		if w.global.HasDataError() {
			stillDamaged++
			continue
		}
		s.damaged = false
		if s.active {
			rq, err := iothread.NewReadQueue(s.global, h.iobOffset)
			if err != nil {
				return stillDamaged, fmt.Errorf("erasure: restart shard %d after rebuild: %w", s.idx, err)
			}
			s.reader = rq
		}
	}
	return stillDamaged, nil
}
