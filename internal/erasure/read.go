package erasure

import (
	"fmt"
)

// blockSet holds one freshly pulled ioblock per active shard, plus
// which shard indices came back as damaged for this batch.
type blockSet struct {
	data    [][]byte // per-shard byte slices, nil for inactive shards; errored shards keep their bad bytes until reconstruction overwrites them
	errored map[int]bool
	logical int64 // N times the shortest shard block, including any zero padding of a final partial stripe
	done    bool
}

// readStripes is the inner loop driving Read and Rebuild (SPEC_FULL.md
// §4.7.2): release any currently held ioblocks, advance iobOffset,
// dequeue one ioblock per active shard, and reconstruct any stripe with
// an in-range error via the Reed-Solomon matrix.
func (h *Handle) readStripes() (*blockSet, error) {
	set := &blockSet{data: make([][]byte, h.pattern.Total()), errored: map[int]bool{}}

	minLen := -1
	allDone := true
	for i, s := range h.shards {
		if !s.active {
			continue
		}
		block, done, err := s.reader.Pull()
		if err != nil {
			return nil, fmt.Errorf("erasure: shard %d pull: %w", i, err)
		}
		if block == nil {
			continue
		}
		allDone = allDone && done
		data, errorEnd := block.ReadTarget()
		set.data[i] = data
		if errorEnd > 0 {
			set.errored[i] = true
		}
		if minLen == -1 || len(data) < minLen {
			minLen = len(data)
		}
	}
	if minLen == -1 {
		set.done = true
		return set, nil
	}
	set.done = allDone

	if len(set.errored) > h.pattern.E {
		return nil, fmt.Errorf("erasure: unrecoverable stripe error: %d shards bad, only %d parity available", len(set.errored), h.pattern.E)
	}

	if len(set.errored) > 0 {
		// Bring enough additional (previously paused) parity shards
		// online, at this same iobOffset, to cover the errors found in
		// this batch before attempting reconstruction.
		surviving := 0
		for i := range h.shards {
			if set.data[i] != nil && !set.errored[i] {
				surviving++
			}
		}
		for surviving < h.pattern.N && len(set.errored) > 0 {
			activated := false
			for _, s := range h.shards {
				if s.active {
					continue
				}
				if err := h.activateShard(s); err != nil {
					return nil, err
				}
				block, _, err := s.reader.Pull()
				if err != nil {
					return nil, fmt.Errorf("erasure: shard %d pull: %w", s.idx, err)
				}
				if block != nil {
					data, errorEnd := block.ReadTarget()
					if len(data) >= minLen {
						set.data[s.idx] = data[:minLen]
						if errorEnd == 0 {
							surviving++
						} else {
							set.errored[s.idx] = true
						}
					}
				}
				activated = true
				break
			}
			if !activated {
				break
			}
		}
		if err := h.reconstructBlockSet(set, minLen); err != nil {
			return nil, err
		}
	}

	h.iobOffset += int64(minLen)
	set.logical = int64(h.pattern.N) * int64(minLen)
	return set, nil
}

// reconstructBlockSet regenerates bad shard ranges stripe-by-stripe
// (partsz bytes across all N+E shards at a time) using the Reed-Solomon
// matrix, holding the shared erasurelock for each stripe's table setup
// and encode call (SPEC_FULL.md §4.7.2).
func (h *Handle) reconstructBlockSet(set *blockSet, blockLen int) error {
	partsz := int(h.pattern.PartSz)
	for off := 0; off < blockLen; off += partsz {
		end := off + partsz
		if end > blockLen {
			end = blockLen
		}
		shards := make([][]byte, h.pattern.Total())
		for i := range h.shards {
			if set.data[i] == nil || set.errored[i] {
				continue
			}
			shards[i] = set.data[i][off:end]
		}

		h.ctx.ErasureLock.Lock()
		err := h.matrix.ReconstructStripe(shards, true)
		h.ctx.ErasureLock.Unlock()
		if err != nil {
			return fmt.Errorf("erasure: reconstruct stripe at block offset %d: %w", off, err)
		}
		for i := 0; i < h.pattern.N; i++ {
			if set.errored[i] {
				if set.data[i] == nil {
					set.data[i] = make([]byte, blockLen)
				}
				copy(set.data[i][off:end], shards[i])
			}
		}
	}
	return nil
}

// Read copies up to len(buf) logical bytes starting at the handle's
// current offset, transparently reconstructing any damaged shard
// ranges via readStripes.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.mode != RDONLY && h.mode != RDALL && h.mode != Rebuild {
		return 0, fmt.Errorf("erasure: read not valid in mode %s", h.mode)
	}

	total := 0
	for total < len(buf) {
		set, err := h.readStripes()
		if err != nil {
			return total, err
		}
		if set.done && set.logical == 0 {
			break
		}
		skip := int(h.subOffset)
		n, skipped := interleaveCopy(buf[total:], set.data, h.pattern.N, int(h.pattern.PartSz), skip)
		h.subOffset -= int64(skipped)
		total += n
		if set.done {
			break
		}
	}
	return total, nil
}

// interleaveCopy copies bytes from N per-shard slices into dst in
// logical (stripe-interleaved) order: all of stripe 0's N partsz
// slices concatenated, then stripe 1's, and so on. The first skip
// logical bytes are discarded rather than copied, so a Seek to a
// non-stripe-aligned offset lands exactly on the requested byte rather
// than the start of the stripe containing it; skipped reports how many
// of those skip bytes were actually found and discarded in this call.
func interleaveCopy(dst []byte, shards [][]byte, n, partsz, skip int) (written, skipped int) {
	if len(shards) == 0 || shards[0] == nil {
		return 0, 0
	}
	blockLen := len(shards[0])
	for off := 0; off < blockLen && (skip > 0 || written < len(dst)); off += partsz {
		end := off + partsz
		if end > blockLen {
			end = blockLen
		}
		for i := 0; i < n && (skip > 0 || written < len(dst)); i++ {
			if shards[i] == nil {
				continue
			}
			chunk := shards[i][off:end]
			if skip > 0 {
				if skip >= len(chunk) {
					skip -= len(chunk)
					skipped += len(chunk)
					continue
				}
				chunk = chunk[skip:]
				skipped += skip
				skip = 0
			}
			if written >= len(dst) {
				continue
			}
			c := copy(dst[written:], chunk)
			written += c
		}
	}
	return written, skipped
}
