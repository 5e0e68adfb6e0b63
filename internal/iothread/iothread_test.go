package iothread

import (
	"context"
	"sync"
	"testing"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/dal/posix"
	"github.com/ne-io/ne/internal/ioqueue"
	"github.com/ne-io/ne/internal/metainfo"
)

func newPosixBackend(t *testing.T) *posix.Backend {
	t.Helper()
	root := t.TempDir()
	b, err := posix.Open(posix.Config{
		SecureRoot:  root,
		DirTemplate: "{p}/{b}/{c}/{s}",
		MaxPod:      1, MaxBlock: 1, MaxCap: 1, MaxScatter: 1,
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

func TestWriteThenReadRoundTrip(t *testing.T) {
	backend := newPosixBackend(t)
	loc := dal.Location{Pod: 0, Block: 0, Cap: 0, Scatter: 0}

	q, err := ioqueue.New(1<<14, 64, ioqueue.ModeWrite)
	if err != nil {
		t.Fatalf("ioqueue.New: %v", err)
	}

	wgstate := &GlobalState{
		Backend:     backend,
		Mode:        dal.WRITE,
		Location:    loc,
		ObjID:       "obj",
		Queue:       q,
		ErasureLock: &sync.Mutex{},
		Meta:        metainfo.MetaInfo{N: 1, E: 0, O: 0, PartSz: 64, VerSz: int64(q.IOSz)},
	}

	wq, err := NewWriteQueue(wgstate)
	if err != nil {
		t.Fatalf("NewWriteQueue: %v", err)
	}

	payload := []byte("erasure coded object storage payload data")
	var cur *ioqueue.IOBlock
	pos := 0
	for pos < len(payload) {
		next, push, ok, err := q.Reserve(cur)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		cur = next
		if ok {
			wq.Push(push)
		}
		room := len(cur.WriteTarget())
		chunk := len(payload) - pos
		if chunk > room {
			chunk = room
		}
		copy(cur.WriteTarget(), payload[pos:pos+chunk])
		cur.UpdateFill(chunk, false)
		pos += chunk
	}
	wq.Push(cur)
	wgstate.Meta.TotSz = int64(len(payload))
	wq.Close()

	if wgstate.HasDataError() || wgstate.HasMetaError() {
		t.Fatalf("unexpected error state after write: data=%v meta=%v", wgstate.DataError, wgstate.MetaError)
	}

	rq2, err := ioqueue.New(1<<14, 64, ioqueue.ModeRead)
	if err != nil {
		t.Fatalf("ioqueue.New read: %v", err)
	}
	rgstate := &GlobalState{
		Backend:     backend,
		Mode:        dal.READ,
		Location:    loc,
		ObjID:       "obj",
		Queue:       rq2,
		ErasureLock: &sync.Mutex{},
	}
	rq, err := NewReadQueue(rgstate, 0)
	if err != nil {
		t.Fatalf("NewReadQueue: %v", err)
	}

	var recovered []byte
	for {
		block, done, err := rq.Pull()
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if block != nil {
			data, _ := block.ReadTarget()
			recovered = append(recovered, data...)
		}
		if done {
			break
		}
	}

	if int64(len(recovered)) < rgstate.Meta.TotSz {
		t.Fatalf("recovered %d bytes, meta claims totsz %d", len(recovered), rgstate.Meta.TotSz)
	}
	if string(recovered[:len(payload)]) != string(payload) {
		t.Fatalf("recovered %q, want %q", recovered[:len(payload)], payload)
	}
	if rgstate.HasDataError() {
		t.Fatalf("unexpected data error on read")
	}
}
