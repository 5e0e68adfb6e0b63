// Package posix implements the normative file-per-shard DAL back end:
// one data file and one ".meta" sidecar per shard, written through a
// working-suffix path and finalized by atomic rename, with every
// operation resolved relative to a single secure-root directory file
// descriptor opened once at DAL init (SPEC_FULL.md §4.3).
package posix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ne-io/ne/internal/dal"
	"github.com/ne-io/ne/internal/logx"
)

var log = logx.For("dal/posix")

// Config describes the on-disk layout and behavior of a POSIX DAL
// instance (SPEC_FULL.md §6.3).
type Config struct {
	// SecureRoot is the absolute path containing all managed shards.
	SecureRoot string
	// DirTemplate is a path template with {p}/{b}/{c}/{s} placeholders.
	DirTemplate string
	// DataFlags / MetaFlags are comma-separated open-flag sets drawn
	// from {O_NOATIME, O_DIRECT, O_DSYNC, O_SYNC}.
	DataFlags string
	MetaFlags string
	// MaxPod, MaxBlock, MaxCap, MaxScatter bound the hypercube Verify
	// walks when ensuring every directory exists.
	MaxPod, MaxBlock, MaxCap, MaxScatter int
	// StatCachePath, if non-empty, enables the bbolt-backed verify
	// cache at that path. StatCacheTTL bounds how long a cached
	// "directory looked sound" result is trusted before Verify
	// re-stats it.
	StatCachePath string
	StatCacheTTL  time.Duration
}

// Backend is the POSIX dal.Backend implementation.
type Backend struct {
	cfg       Config
	rootFD    int
	dataFlags int
	metaFlags int
	cache     *statCache
}

// Open opens (and does not create) the secure root and returns a ready
// Backend.
func Open(cfg Config) (*Backend, error) {
	if cfg.DirTemplate == "" {
		cfg.DirTemplate = "{p}/{b}/{c}/{s}"
	}
	fd, err := unix.Open(cfg.SecureRoot, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("posix dal: open secure root %q: %w", cfg.SecureRoot, err)
	}
	log.Info("secure root opened", "path", cfg.SecureRoot, "template", cfg.DirTemplate)
	b := &Backend{
		cfg:       cfg,
		rootFD:    fd,
		dataFlags: parseFlags(cfg.DataFlags),
		metaFlags: parseFlags(cfg.MetaFlags),
	}
	if cfg.StatCachePath != "" {
		c, err := openStatCache(cfg.StatCachePath, cfg.StatCacheTTL)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("posix dal: open stat cache: %w", err)
		}
		b.cache = c
	}
	return b, nil
}

func parseFlags(csv string) int {
	flags := 0
	for _, tok := range strings.Split(csv, ",") {
		switch strings.TrimSpace(tok) {
		case "O_NOATIME":
			flags |= unix.O_NOATIME
		case "O_DIRECT":
			flags |= unix.O_DIRECT
		case "O_DSYNC":
			flags |= unix.O_DSYNC
		case "O_SYNC":
			flags |= unix.O_SYNC
		}
	}
	return flags
}

// Cleanup closes the secure-root descriptor and the verify cache.
func (b *Backend) Cleanup() error {
	var errs []error
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unix.Close(b.rootFD); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// mkdirAllAt recursively creates rel (a '/'-separated relative path)
// beneath root, ignoring components that already exist.
func mkdirAllAt(root int, rel string, mode uint32) error {
	parts := strings.Split(rel, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if cur == "" {
			cur = p
		} else {
			cur = cur + "/" + p
		}
		if err := unix.Mkdirat(root, cur, mode); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mkdirat %q: %w", cur, err)
		}
	}
	return nil
}

// Stat reports whether the data shard exists.
func (b *Backend) Stat(ctx context.Context, loc dal.Location, objID string) error {
	rel := b.dataRel(loc, objID, "")
	var st unix.Stat_t
	if err := unix.Fstatat(b.rootFD, rel, &st, 0); err != nil {
		return fmt.Errorf("posix dal: stat %q: %w", rel, err)
	}
	return nil
}

// Del removes both the data and meta sidecar (working and final
// variants). Absence of either is success.
func (b *Backend) Del(ctx context.Context, loc dal.Location, objID string) error {
	names := []string{
		b.dataRel(loc, objID, ""),
		b.dataRel(loc, objID, ".partial"),
		b.dataRel(loc, objID, ".rebuild"),
		b.metaRel(loc, objID, ""),
		b.metaRel(loc, objID, ".partial"),
		b.metaRel(loc, objID, ".rebuild"),
	}
	for _, rel := range names {
		if err := unix.Unlinkat(b.rootFD, rel, 0); err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("posix dal: unlink %q: %w", rel, err)
		}
	}
	return nil
}

// Migrate moves or clones the shard for objID from src to dst.
func (b *Backend) Migrate(ctx context.Context, objID string, src, dst dal.Location, offline bool) error {
	if src.Pod == dst.Pod && src.Cap == dst.Cap && src.Scatter == dst.Scatter && src.Block != dst.Block {
		return fmt.Errorf("posix dal: migrate refuses a move where only block differs")
	}
	if err := mkdirAllAt(b.rootFD, b.dirRel(dst), 0700); err != nil {
		return err
	}
	srcData, dstData := b.dataRel(src, objID, ""), b.dataRel(dst, objID, "")
	srcMeta, dstMeta := b.metaRel(src, objID, ""), b.metaRel(dst, objID, "")

	if offline {
		if err := unix.Renameat(b.rootFD, srcData, b.rootFD, dstData); err != nil {
			if errors.Is(err, unix.EXDEV) {
				if err := b.copyFile(srcData, dstData); err != nil {
					return fmt.Errorf("posix dal: migrate copy data: %w", err)
				}
				unix.Unlinkat(b.rootFD, srcData, 0)
			} else {
				return fmt.Errorf("posix dal: migrate rename data: %w", err)
			}
		}
		if err := unix.Renameat(b.rootFD, srcMeta, b.rootFD, dstMeta); err != nil {
			if errors.Is(err, unix.EXDEV) {
				if err := b.copyFile(srcMeta, dstMeta); err != nil {
					return fmt.Errorf("posix dal: migrate copy meta: %w", err)
				}
				unix.Unlinkat(b.rootFD, srcMeta, 0)
			} else {
				return fmt.Errorf("posix dal: migrate rename meta: %w", err)
			}
		}
		return nil
	}

	// Online migrate: leave src accessible, create a relative symlink
	// at dst pointing back into the source directory tree.
	relBack := relativeSymlinkTarget(b.dirRel(dst), b.dirRel(src))
	if err := unix.Symlinkat(relBack+"/"+dataFileName(objID), b.rootFD, dstData); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("posix dal: migrate symlink data: %w", err)
	}
	if err := unix.Symlinkat(relBack+"/"+metaFileName(objID), b.rootFD, dstMeta); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("posix dal: migrate symlink meta: %w", err)
	}
	return nil
}

// relativeSymlinkTarget computes a "../.." style path from dir back to
// target, both relative to the same root.
func relativeSymlinkTarget(dir, target string) string {
	depth := strings.Count(dir, "/") + 1
	up := strings.Repeat("../", depth)
	return strings.TrimSuffix(up, "/") + "/" + target
}

func (b *Backend) copyFile(srcRel, dstRel string) error {
	sfd, err := unix.Openat(b.rootFD, srcRel, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	src := os.NewFile(uintptr(sfd), srcRel)
	defer src.Close()

	dfd, err := unix.Openat(b.rootFD, dstRel, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	dst := os.NewFile(uintptr(dfd), dstRel)
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return nil
}

var _ dal.Backend = (*Backend)(nil)
