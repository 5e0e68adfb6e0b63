package erasure

import (
	"context"
	"errors"
	"fmt"
)

// CloseResult reports how many shards were still in error when a handle
// closed, surfaced to callers per SPEC_FULL.md §4.7.6.
type CloseResult struct {
	ErroredShards int
	Deleted       bool
}

// Close drains all held ioblocks, sends FINISH to every worker, joins
// them, and counts surviving errors. For a writer, if the error count
// exceeds E - MinProtection, the partially-written object is deleted
// and Close reports failure (SPEC_FULL.md §4.7.4, §4.7.6).
func (h *Handle) Close() (CloseResult, error) {
	switch h.mode {
	case WRONLY, WRALL:
		return h.closeWriter()
	default:
		return h.closeReader()
	}
}

func (h *Handle) closeWriter() (CloseResult, error) {
	if err := h.flushFinalStripe(); err != nil {
		return CloseResult{}, fmt.Errorf("erasure: flush final stripe: %w", err)
	}

	for _, s := range h.shards {
		s.global.Meta.TotSz = h.meta.TotSz
		if s.cur != nil {
			s.writeQ.Push(s.cur)
			s.cur = nil
		}
		s.writeQ.Close()
	}

	errored := h.errShardCount()
	result := CloseResult{ErroredShards: errored}
	if h.pattern.E-h.ctx.MinProtection < errored {
		var delErrs []error
		for _, s := range h.shards {
			if err := h.ctx.Backend.Del(context.Background(), s.loc, h.objID); err != nil {
				delErrs = append(delErrs, fmt.Errorf("shard %d: %w", s.idx, err))
			}
		}
		if len(delErrs) > 0 {
			return result, fmt.Errorf("erasure: write integrity error, and failed to delete partial object: %w", errors.Join(delErrs...))
		}
		result.Deleted = true
		return result, fmt.Errorf("erasure: write integrity error: %d shards failed, exceeds E(%d)-MIN_PROTECTION(%d)", errored, h.pattern.E, h.ctx.MinProtection)
	}
	return result, nil
}

func (h *Handle) closeReader() (CloseResult, error) {
	for _, s := range h.shards {
		if s.cur != nil {
			s.cur = nil
		}
	}
	errored := h.errShardCount()
	return CloseResult{ErroredShards: errored}, nil
}
