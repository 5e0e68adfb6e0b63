package posix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ne-io/ne/internal/dal"
)

// Verify walks the full (pod, block, cap, scatter) hypercube implied by
// the directory template and ensures every directory exists with mode
// 0700 plus the world-exec/world-write bits leaf scatter directories
// require. With FIX, missing directories are created and bad modes
// repaired. With OWNERCHECK, the ancestry of the secure root is also
// validated (and, with FIX, repaired).
//
// When a verify cache is configured and FIX is not set, a directory
// whose cache entry is fresh is trusted without a re-stat; this is a
// pure accelerator and never changes the result a cold cache would
// produce.
func (b *Backend) Verify(ctx context.Context, flags dal.VerifyFlags) (int, error) {
	issues := 0

	if flags&dal.OWNERCHECK != 0 {
		n, err := b.verifyOwnership(flags&dal.FIX != 0)
		if err != nil {
			return -1, err
		}
		issues += n
	}

	log.Debug("verify starting hypercube walk", "fix", flags&dal.FIX != 0, "ownercheck", flags&dal.OWNERCHECK != 0)
	for p := 0; p < b.cfg.MaxPod; p++ {
		for bl := 0; bl < b.cfg.MaxBlock; bl++ {
			for c := 0; c < b.cfg.MaxCap; c++ {
				for s := 0; s < b.cfg.MaxScatter; s++ {
					select {
					case <-ctx.Done():
						return -1, ctx.Err()
					default:
					}
					loc := dal.Location{Pod: p, Block: bl, Cap: c, Scatter: s}
					bad, err := b.verifyDir(loc, flags&dal.FIX != 0)
					if err != nil {
						return -1, err
					}
					if bad {
						issues++
					}
				}
			}
		}
	}
	return issues, nil
}

func (b *Backend) verifyDir(loc dal.Location, fix bool) (bool, error) {
	rel := b.dirRel(loc)

	if b.cache != nil && !fix {
		if fresh, ok := b.cache.Fresh(rel); ok && fresh {
			return false, nil
		}
	}

	// 0700 owner rwx, plus world-exec/world-write bits leaf scatter
	// directories require for the storage daemon.
	const wantMode = 0703
	var st unix.Stat_t
	err := unix.Fstatat(b.rootFD, rel, &st, 0)
	bad := false
	switch {
	case err != nil && fix:
		if mkerr := mkdirAllAt(b.rootFD, rel, wantMode); mkerr != nil {
			return false, mkerr
		}
		// The umask may have stripped bits from the new directory.
		if cherr := unix.Fchmodat(b.rootFD, rel, wantMode, 0); cherr != nil {
			return false, cherr
		}
		bad = true
	case err != nil:
		bad = true
	case st.Mode&07777 != wantMode:
		bad = true
		if fix {
			if cherr := unix.Fchmodat(b.rootFD, rel, wantMode, 0); cherr != nil {
				return false, cherr
			}
		}
	}

	if b.cache != nil && (!bad || fix) {
		b.cache.MarkVerified(rel, time.Now())
	}
	return bad, nil
}

// verifyOwnership walks the ancestry of the secure root and refuses (or
// repairs, with FIX) any parent directory whose owner/group do not match
// the running process and whose mode is not 0700.
func (b *Backend) verifyOwnership(fix bool) (int, error) {
	issues := 0
	uid := os.Geteuid()
	gid := os.Getegid()

	path := b.cfg.SecureRoot
	for {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return issues, fmt.Errorf("posix dal: stat ancestor %q: %w", path, err)
		}
		mismatch := int(st.Uid) != uid || int(st.Gid) != gid || st.Mode&0777 != 0700
		if mismatch {
			issues++
			if fix {
				if err := unix.Chown(path, uid, gid); err != nil {
					return issues, fmt.Errorf("posix dal: chown %q: %w", path, err)
				}
				if err := unix.Chmod(path, 0700); err != nil {
					return issues, fmt.Errorf("posix dal: chmod %q: %w", path, err)
				}
			}
		}
		parent := filepath.Dir(path)
		if parent == path || parent == "/" || parent == "." {
			break
		}
		path = parent
	}
	return issues, nil
}
