// Package iothread wires a single shard's DAL handle to an ioqueue ring,
// through a dedicated threadqueue worker for writes and a pull-based
// ReadQueue driven by the caller for reads, computing and checking the
// per-buffer CRC-32/IEEE trailer and the running meta-info crcsum as
// data flows past (SPEC_FULL.md §4.6). One GlobalState/worker pair
// exists per shard of a stripe; the NE core owns the erasurelock shared
// across every shard's worker within a handle.
package iothread

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/ioqueue"
	"github.com/ne-io/ne/internal/logx"
	"github.com/ne-io/ne/internal/metainfo"
	"github.com/ne-io/ne/internal/threadqueue"
)

var log = logx.For("iothread")

const crcBytes = ioqueue.CRCBytes

// GlobalState is the per-shard state shared between the NE core (the
// producer/consumer driving a shard's queue from outside) and the one
// worker goroutine threadqueue runs for that shard.
type GlobalState struct {
	Backend  dal.Backend
	Mode     dal.Mode
	Location dal.Location
	ObjID    string

	Queue *ioqueue.Queue

	// ErasureLock serializes CRC computation with any concurrent
	// Reed-Solomon matrix operation sharing the same stripe buffers,
	// mirroring the original design's single process-wide erasurelock.
	ErasureLock *sync.Mutex

	Meta metainfo.MetaInfo

	mu         sync.Mutex
	DataError  bool
	MetaError  bool
	Offset     int64
}

func (g *GlobalState) setDataError() {
	g.mu.Lock()
	g.DataError = true
	g.mu.Unlock()
}

func (g *GlobalState) setMetaError() {
	g.mu.Lock()
	g.MetaError = true
	g.mu.Unlock()
}

// HasDataError reports whether this shard's worker has hit a data error.
func (g *GlobalState) HasDataError() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.DataError
}

// HasMetaError reports whether this shard's worker has hit a meta error.
func (g *GlobalState) HasMetaError() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.MetaError
}

type threadState struct {
	gstate      *GlobalState
	handle      dal.Handle
	offset      int64
	iob         *ioqueue.IOBlock
	crcSumCheck uint64
	continuous  bool
}

// NewWriteQueue starts a one-worker threadqueue that consumes IOBlocks
// pushed by the caller, appending a CRC trailer to each and writing the
// result through the shard's DAL handle.
func NewWriteQueue(gstate *GlobalState) (*threadqueue.Queue[*ioqueue.IOBlock], error) {
	var tstate threadState
	hooks := threadqueue.Hooks{
		Init: func(tID int) error {
			if tID > 0 {
				return fmt.Errorf("iothread: block %d given more than one worker", gstate.Location.Block)
			}
			h, err := gstate.Backend.Open(context.Background(), gstate.Mode, gstate.Location, gstate.ObjID)
			if err != nil {
				log.Error("open write handle failed", "block", gstate.Location.Block, "err", err)
				gstate.setDataError()
				return nil
			}
			tstate.gstate = gstate
			tstate.handle = h
			return nil
		},
		Term: func(tID int) {
			if tstate.handle == nil {
				return
			}
			if err := tstate.handle.SetMeta(mustSerializeMeta(&gstate.Meta)); err != nil {
				log.Error("set meta failed", "block", gstate.Location.Block, "err", err)
				gstate.setMetaError()
			}
			if gstate.HasDataError() || gstate.HasMetaError() {
				tstate.handle.Abort()
				return
			}
			if err := tstate.handle.Close(); err != nil {
				log.Error("close handle failed", "block", gstate.Location.Block, "err", err)
				gstate.setDataError()
			}
		},
	}

	return threadqueue.New[*ioqueue.IOBlock](1, func(_ int, iob *ioqueue.IOBlock) {
		writeConsume(gstate, &tstate, iob)
	}, hooks)
}

func writeConsume(gstate *GlobalState, tstate *threadState, iob *ioqueue.IOBlock) {
	defer gstate.Queue.Release()

	data, _ := iob.ReadTarget()
	datasz := len(data)
	if int64(datasz) > gstate.Meta.VerSz-crcBytes {
		log.Error("oversized write buffer", "block", gstate.Location.Block, "size", datasz)
		gstate.setDataError()
		return
	}
	if datasz == 0 {
		return
	}

	buf := iob.Buff[:datasz+crcBytes]
	gstate.ErasureLock.Lock()
	sum := crc32.ChecksumIEEE(data)
	putUint32LE(buf[datasz:], sum)
	gstate.ErasureLock.Unlock()

	gstate.mu.Lock()
	gstate.Meta.CRCSum += uint64(sum)
	gstate.Meta.BlockSz += int64(len(buf))
	gstate.mu.Unlock()

	if tstate.handle == nil || gstate.HasDataError() {
		return
	}
	if err := tstate.handle.Put(buf); err != nil {
		log.Error("put failed", "block", gstate.Location.Block, "err", err)
		gstate.setDataError()
	}
}

// NewReadQueue opens the shard's DAL handle and returns a ReadQueue
// positioned at startOffset. It starts no worker goroutine: each Pull,
// run on the caller's goroutine, reads shard data through the handle,
// validates CRC trailers, and returns a filled IOBlock.
func NewReadQueue(gstate *GlobalState, startOffset int64) (*ReadQueue, error) {
	tstate := &threadState{gstate: gstate, offset: startOffset, continuous: startOffset == 0}

	h, err := gstate.Backend.Open(context.Background(), gstate.Mode, gstate.Location, gstate.ObjID)
	if err != nil {
		log.Warn("open read handle failed, attempting meta-only", "block", gstate.Location.Block, "err", err)
		gstate.setDataError()
		h, err = gstate.Backend.Open(context.Background(), dal.METAREAD, gstate.Location, gstate.ObjID)
		if err != nil {
			log.Error("open meta handle failed", "block", gstate.Location.Block, "err", err)
			gstate.setMetaError()
		}
	}
	tstate.handle = h

	if gstate.Meta.TotSz == 0 && h != nil {
		buf := make([]byte, metainfo.StrLen())
		n, _, err := h.GetMeta(buf)
		if err != nil {
			log.Error("get meta failed", "block", gstate.Location.Block, "err", err)
			gstate.setMetaError()
		} else if m, status := metainfo.Parse(buf[:n]); status >= 0 {
			gstate.Meta = *m
		} else {
			gstate.setMetaError()
		}
	}

	return &ReadQueue{gstate: gstate, tstate: tstate}, nil
}

// ReadQueue is a pull-based shard reader: the NE core calls Pull
// whenever it wants the next filled IOBlock, rather than having data
// pushed to it, since a single shard may need to be re-read from an
// arbitrary offset after a seek.
type ReadQueue struct {
	gstate *GlobalState
	tstate *threadState
}

// Pull reads from the shard until an IOBlock reaches the ring's split
// threshold (or the shard is exhausted), returning that block. done is
// true once there is nothing further to read; block may still be
// non-nil with a final partial fill in that case.
func (r *ReadQueue) Pull() (block *ioqueue.IOBlock, done bool, err error) {
	g, t := r.gstate, r.tstate

	if t.offset >= g.Meta.BlockSz {
		if !g.HasDataError() && t.continuous && !g.HasMetaError() {
			if t.crcSumCheck != g.Meta.CRCSum {
				log.Error("block crc sum mismatch", "block", g.Location.Block, "got", t.crcSumCheck, "want", g.Meta.CRCSum)
				g.setDataError()
			}
		}
		if t.iob != nil && t.iob.DataSize > 0 {
			final := t.iob
			t.iob = nil
			return final, true, nil
		}
		return nil, true, nil
	}

	for {
		next, push, ok, rerr := g.Queue.Reserve(t.iob)
		if rerr != nil {
			g.setDataError()
			return nil, false, rerr
		}
		t.iob = next
		if ok {
			return push, false, nil
		}

		toRead := g.Meta.VerSz
		if rem := g.Meta.BlockSz - t.offset; rem < toRead {
			toRead = rem
		}
		if toRead == 0 {
			final := t.iob
			t.iob = nil
			return final, true, nil
		}
		if toRead <= crcBytes {
			g.setDataError()
			return nil, false, fmt.Errorf("iothread: remaining %d bytes at offset %d is <= crc size", toRead, t.offset)
		}

		if t.handle == nil {
			g.setDataError()
			return nil, false, fmt.Errorf("iothread: no handle open for block %d", g.Location.Block)
		}
		target := t.iob.WriteTarget()
		n, rerr := t.handle.Get(target[:toRead], t.offset)
		dataErr := false
		if rerr != nil || int64(n) < toRead {
			log.Error("read shortfall", "block", g.Location.Block, "want", toRead, "got", n, "err", rerr)
			g.setDataError()
			dataErr = true
		}

		payload := toRead - crcBytes
		if !dataErr {
			scrc := readUint32LE(target[payload:toRead])
			t.crcSumCheck += uint64(scrc)

			g.ErasureLock.Lock()
			crc := crc32.ChecksumIEEE(target[:payload])
			g.ErasureLock.Unlock()

			if crc != scrc {
				log.Error("crc mismatch", "block", g.Location.Block, "computed", crc, "stored", scrc)
				g.setDataError()
				dataErr = true
			}
		}

		t.iob.UpdateFill(int(payload), dataErr)
		t.offset += toRead
	}
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func readUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func mustSerializeMeta(m *metainfo.MetaInfo) []byte {
	buf := make([]byte, metainfo.StrLen())
	n, err := metainfo.Serialize(m, buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}
