package erasure

import (
	"context"
	"fmt"
	"sort"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/ioqueue"
	"github.com/ne-io/ne/internal/iothread"
	"github.com/ne-io/ne/internal/metainfo"
)

// reading is one shard's STAT-mode meta-info sample, tagged with the
// block position it was read from (a candidate O value).
type reading struct {
	m metainfo.MetaInfo
	o int
}

// DiscoverPattern performs the STAT-mode consensus pass (SPEC_FULL.md
// §4.7.1): it opens every block position in the ring in METAREAD mode,
// collects meta-info, and determines the consensus pattern by majority
// vote. Ties on N/E prefer the larger value; ties on totsz prefer the
// smaller value; all other ties prefer the first-seen value.
func DiscoverPattern(ctx *Context, base dal.Location, objID string) (Pattern, metainfo.MetaInfo, error) {
	maxBlock := ctx.MaxBlock
	if maxBlock <= 0 || maxBlock > MaxParts {
		maxBlock = MaxParts
	}

	var readings []reading

	for block := 0; block < maxBlock; block++ {
		loc := dal.Location{Pod: base.Pod, Block: block, Cap: base.Cap, Scatter: base.Scatter}
		h, err := ctx.Backend.Open(context.Background(), dal.METAREAD, loc, objID)
		if err != nil {
			continue
		}
		buf := make([]byte, metainfo.StrLen())
		n, _, err := h.GetMeta(buf)
		h.Close()
		if err != nil || n == 0 {
			continue
		}
		m, status := metainfo.Parse(buf[:n])
		if status < 0 {
			continue
		}
		readings = append(readings, reading{m: *m, o: block})
	}

	if len(readings) == 0 {
		return Pattern{}, metainfo.MetaInfo{}, fmt.Errorf("erasure: stat pass found no readable meta for object %q", objID)
	}

	voteN := voteLargestPreferred(readings, func(r reading) int { return r.m.N })
	voteE := voteLargestPreferred(readings, func(r reading) int { return r.m.E })

	matching := 0
	for _, r := range readings {
		if r.m.N == voteN {
			matching++
		}
	}
	if matching < voteN {
		return Pattern{}, metainfo.MetaInfo{}, fmt.Errorf("erasure: insufficient consensus on object %q: only %d of %d readings agree on N=%d", objID, matching, voteN, voteN)
	}

	votePartSz := voteFirstSeen(readings, func(r reading) int64 { return r.m.PartSz })
	voteVerSz := voteFirstSeen(readings, func(r reading) int64 { return r.m.VerSz })
	voteBlockSz := voteFirstSeen(readings, func(r reading) int64 { return r.m.BlockSz })
	voteTotSz := voteSmallestPreferred(readings, func(r reading) int64 { return r.m.TotSz })

	var voteO int
	for _, r := range readings {
		if r.m.N == voteN && r.m.E == voteE {
			voteO = r.o
			break
		}
	}

	pattern := Pattern{N: voteN, E: voteE, O: voteO, PartSz: votePartSz}
	if err := pattern.Validate(); err != nil {
		return Pattern{}, metainfo.MetaInfo{}, fmt.Errorf("erasure: consensus pattern invalid: %w", err)
	}

	meta := metainfo.MetaInfo{
		N: voteN, E: voteE, O: voteO,
		PartSz: votePartSz, VerSz: voteVerSz, BlockSz: voteBlockSz,
		CRCSum: metainfo.CRCSumUnset, TotSz: voteTotSz,
	}
	return pattern, meta, nil
}

func voteLargestPreferred(readings []reading, key func(reading) int) int {
	counts := map[int]int{}
	for _, r := range readings {
		counts[key(r)]++
	}
	best, bestCount := 0, -1
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func voteSmallestPreferred(readings []reading, key func(reading) int64) int64 {
	counts := map[int64]int{}
	for _, r := range readings {
		counts[key(r)]++
	}
	var best int64
	bestCount := -1
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func voteFirstSeen(readings []reading, key func(reading) int64) int64 {
	counts := map[int64]int{}
	order := map[int64]int{}
	for i, r := range readings {
		v := key(r)
		counts[v]++
		if _, ok := order[v]; !ok {
			order[v] = i
		}
	}
	var best int64
	bestCount, bestOrder := -1, int(^uint(0)>>1)
	for v, c := range counts {
		if c > bestCount || (c == bestCount && order[v] < bestOrder) {
			best, bestCount, bestOrder = v, c, order[v]
		}
	}
	return best
}

// Open converts a pattern and consensus meta-info into a running handle
// in the requested concrete mode (SPEC_FULL.md §4.7.1 step 2). Writers
// start N+E per-shard write workers; readers open a pull-based reader
// for the first N shards (all N+E for RDALL) and activate the rest only
// when a stripe error needs them. Use Stat mode plus DiscoverPattern first
// when the pattern is not already known.
func Open(ctx *Context, mode Mode, objID string, base dal.Location, pattern Pattern, meta metainfo.MetaInfo) (*Handle, error) {
	if mode == Stat {
		return nil, fmt.Errorf("erasure: Open does not accept Stat; call DiscoverPattern instead")
	}
	if err := ctx.checkPattern(pattern); err != nil {
		return nil, err
	}
	matrix, err := ctx.matrixFor(pattern.N, pattern.E)
	if err != nil {
		return nil, err
	}
	if meta.VerSz <= 0 {
		meta.VerSz = ctx.IOSize
	}

	h := &Handle{
		ctx: ctx, mode: mode, objID: objID, base: base,
		pattern: pattern, meta: meta, matrix: matrix,
		shards:     make([]*shardState, pattern.Total()),
		stripeBuf:  make([][]byte, pattern.Total()),
		stripeFill: make([]int, pattern.N),
	}

	dalMode := dal.READ
	ioMode := ioqueue.ModeRead
	if mode == WRONLY || mode == WRALL {
		dalMode = dal.WRITE
		ioMode = ioqueue.ModeWrite
	} else if mode == Rebuild {
		dalMode = dal.READ
	}

	nActive := activeReaders(mode, pattern)
	if dalMode == dal.WRITE {
		nActive = pattern.Total()
	}

	for i := 0; i < pattern.Total(); i++ {
		loc := ShardLocation(base, pattern, i)
		versz := meta.VerSz
		if versz <= 0 {
			versz = ctx.IOSize
		}
		q, err := ioqueue.New(int(versz), int(pattern.PartSz), ioMode)
		if err != nil {
			return nil, fmt.Errorf("erasure: shard %d ioqueue: %w", i, err)
		}
		gstate := &iothread.GlobalState{
			Backend:     ctx.Backend,
			Mode:        dalMode,
			Location:    loc,
			ObjID:       objID,
			Queue:       q,
			ErasureLock: ctx.ErasureLock,
			Meta:        meta,
		}
		s := &shardState{idx: i, loc: loc, global: gstate, queue: q}
		h.shards[i] = s

		if dalMode == dal.WRITE {
			wq, err := iothread.NewWriteQueue(gstate)
			if err != nil {
				return nil, fmt.Errorf("erasure: shard %d write queue: %w", i, err)
			}
			s.writeQ = wq
			s.active = true
			continue
		}

		if shardMetaDisagrees(ctx, loc, objID, meta) {
			s.damaged = true
		}

		if i < nActive {
			if err := h.activateShard(s); err != nil {
				return nil, err
			}
		}
	}

	return h, nil
}

// shardMetaDisagrees reports whether a single shard's own meta-info
// disagrees with the consensus reached during DiscoverPattern, or is
// missing/unreadable entirely (SPEC_FULL.md §4.7.1 step 3). Either case
// marks the shard damaged so Rebuild knows to rewrite it.
func shardMetaDisagrees(ctx *Context, loc dal.Location, objID string, consensus metainfo.MetaInfo) bool {
	h, err := ctx.Backend.Open(context.Background(), dal.METAREAD, loc, objID)
	if err != nil {
		return true
	}
	defer h.Close()
	buf := make([]byte, metainfo.StrLen())
	n, _, err := h.GetMeta(buf)
	if err != nil || n == 0 {
		return true
	}
	m, status := metainfo.Parse(buf[:n])
	if status < 0 {
		return true
	}
	return !metainfo.Compare(m, &consensus)
}
