// Package dal defines the capability set every storage back end exposes
// to the erasure I/O engine (SPEC_FULL.md §4.2). It is the only contract
// the NE core and the I/O threads depend on; any back end implementing
// this interface may be substituted.
package dal

import "context"

// Mode selects the operation an opened Handle will perform.
type Mode int

const (
	// READ opens a shard for reading, with a caller-specified offset.
	READ Mode = iota
	// WRITE opens a shard for append-only writing to a working path.
	WRITE
	// REBUILD opens a shard for append-only writing during a targeted
	// rebuild of a previously damaged shard.
	REBUILD
	// METAREAD opens a shard for meta-info retrieval only, used during
	// the STAT consensus pass and as a read-thread fallback when data
	// cannot be opened.
	METAREAD
)

func (m Mode) String() string {
	switch m {
	case READ:
		return "READ"
	case WRITE:
		return "WRITE"
	case REBUILD:
		return "REBUILD"
	case METAREAD:
		return "METAREAD"
	default:
		return "UNKNOWN"
	}
}

// VerifyFlags controls the behavior of Backend.Verify.
type VerifyFlags uint8

const (
	// FIX attempts to repair any issue verify discovers.
	FIX VerifyFlags = 1 << iota
	// OWNERCHECK additionally validates ownership/mode of the directory
	// ancestry above the secure root.
	OWNERCHECK
)

// Location is the 4-tuple physical address of one shard.
type Location struct {
	Pod     int
	Block   int
	Cap     int
	Scatter int
}

// Handle is a back-end-specific token returned by Backend.Open, passed to
// every subsequent block operation against the same shard.
type Handle interface {
	// GetMeta returns up to len(buf) bytes of stored meta-info, and the
	// full length of the stored meta-info regardless of truncation.
	GetMeta(buf []byte) (n int, full int, err error)
	// SetMeta stores buf as this shard's meta-info. Valid only for
	// handles opened in WRITE or REBUILD mode.
	SetMeta(buf []byte) error
	// Put appends buf to the shard's data stream. Valid only for
	// handles opened in WRITE or REBUILD mode.
	Put(buf []byte) error
	// Get reads up to len(buf) bytes starting at off, returning the
	// number of bytes actually read. Valid only for handles opened in
	// READ mode.
	Get(buf []byte, off int64) (int, error)
	// Abort discards all data written through this handle; no change is
	// applied to the shard's canonical path.
	Abort() error
	// Close finalizes the handle: for writers, the shard becomes
	// visible at its canonical path; for readers, resources are
	// released.
	Close() error
}

// Backend is the capability set a storage back end exposes.
type Backend interface {
	// Verify checks, and optionally repairs, the back end's structural
	// soundness. Returns 0 iff sound, a positive count of issues
	// otherwise.
	Verify(ctx context.Context, flags VerifyFlags) (int, error)
	// Migrate moves or clones the shard for objID from src to dst.
	// offline invalidates src once dst is populated; otherwise both
	// remain accessible. Migrate refuses a move where only Block
	// differs between src and dst.
	Migrate(ctx context.Context, objID string, src, dst Location, offline bool) error
	// Del removes both the data shard and its meta-info sidecar.
	// Absence of either is success.
	Del(ctx context.Context, loc Location, objID string) error
	// Stat reports whether the data shard exists.
	Stat(ctx context.Context, loc Location, objID string) error
	// Open begins a block-operation session against one shard.
	Open(ctx context.Context, mode Mode, loc Location, objID string) (Handle, error)
	// Cleanup tears down the back end, releasing any held resources
	// (secure-root file descriptor, cache handles, etc).
	Cleanup() error
}
