package erasure

import (
	"github.com/cespare/xxhash/v2"

	"github.com/ne-io/ne/internal/dal"
)

// DeriveOffset computes a stripe's per-object block-ring offset O from
// its objID when the caller does not supply one explicitly, spreading
// objects evenly across the N+E block ring (SPEC_FULL.md §3.1). This is
// purely a placement heuristic for new writes; once chosen, O is
// persisted in every shard's meta-info and never recomputed.
func DeriveOffset(objID string, total int) int {
	if total <= 0 {
		return 0
	}
	h := xxhash.Sum64String(objID)
	return int(h % uint64(total))
}

// ShardLocation returns the physical location of data/parity shard
// index i (0-indexed) within an object whose stripes share (pod, cap,
// scatter) and rotate only block, per the placement formula in
// SPEC_FULL.md §3.
func ShardLocation(base dal.Location, pattern Pattern, i int) dal.Location {
	return dal.Location{
		Pod:     base.Pod,
		Block:   pattern.BlockForShard(i),
		Cap:     base.Cap,
		Scatter: base.Scatter,
	}
}
