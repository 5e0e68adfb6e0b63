package posix

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ne-io/ne/internal/dal"
)

// Open begins a block-operation session against one shard.
//
// WRITE/REBUILD opens (or creates) the working-suffixed data and meta
// files with O_EXCL|O_CREAT; on EEXIST it unlinks the stale working file
// once and retries once, matching the original DAL's crash-recovery
// behavior of clobbering a leftover partial from a prior failed writer.
func (b *Backend) Open(ctx context.Context, mode dal.Mode, loc dal.Location, objID string) (dal.Handle, error) {
	switch mode {
	case dal.READ, dal.METAREAD:
		return b.openRead(mode, loc, objID)
	case dal.WRITE, dal.REBUILD:
		return b.openWrite(mode, loc, objID)
	default:
		return nil, fmt.Errorf("posix dal: unsupported mode %s", mode)
	}
}

type handle struct {
	backend *Backend
	mode    dal.Mode
	loc     dal.Location
	objID   string

	dataFD   *os.File // nil for METAREAD
	metaFD   *os.File
	dataRel  string
	metaRel  string
	finalData string
	finalMeta string
}

func (b *Backend) openRead(mode dal.Mode, loc dal.Location, objID string) (dal.Handle, error) {
	metaRel := b.metaRel(loc, objID, "")
	mfd, merr := b.openatFile(metaRel, unix.O_RDONLY, b.metaFlags, 0)
	h := &handle{backend: b, mode: mode, loc: loc, objID: objID, metaFD: mfd, metaRel: metaRel}
	if merr != nil {
		h.metaFD = nil
	}
	if mode == dal.METAREAD {
		if merr != nil {
			return h, fmt.Errorf("posix dal: open meta %q: %w", metaRel, merr)
		}
		return h, nil
	}
	dataRel := b.dataRel(loc, objID, "")
	dfd, derr := b.openatFile(dataRel, unix.O_RDONLY, b.dataFlags, 0)
	h.dataRel = dataRel
	if derr != nil {
		return h, fmt.Errorf("posix dal: open data %q: %w", dataRel, derr)
	}
	h.dataFD = dfd
	return h, nil
}

func (b *Backend) openWrite(mode dal.Mode, loc dal.Location, objID string) (dal.Handle, error) {
	if err := mkdirAllAt(b.rootFD, b.dirRel(loc), 0700); err != nil {
		return nil, err
	}
	suffix := workingSuffix(mode)
	dataRel := b.dataRel(loc, objID, suffix)
	metaRel := b.metaRel(loc, objID, suffix)

	mfd, err := b.createExclRetry(metaRel, b.metaFlags)
	if err != nil {
		return nil, fmt.Errorf("posix dal: create working meta %q: %w", metaRel, err)
	}
	dfd, err := b.createExclRetry(dataRel, b.dataFlags)
	if err != nil {
		mfd.Close()
		unix.Unlinkat(b.rootFD, metaRel, 0)
		return nil, fmt.Errorf("posix dal: create working data %q: %w", dataRel, err)
	}

	return &handle{
		backend:   b,
		mode:      mode,
		loc:       loc,
		objID:     objID,
		dataFD:    dfd,
		metaFD:    mfd,
		dataRel:   dataRel,
		metaRel:   metaRel,
		finalData: b.dataRel(loc, objID, ""),
		finalMeta: b.metaRel(loc, objID, ""),
	}, nil
}

func (b *Backend) openatFile(rel string, flags, extra int, mode uint32) (*os.File, error) {
	fd, err := unix.Openat(b.rootFD, rel, flags|extra, mode)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), rel), nil
}

func (b *Backend) createExclRetry(rel string, extra int) (*os.File, error) {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL | extra
	fd, err := unix.Openat(b.rootFD, rel, flags, 0600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			unix.Unlinkat(b.rootFD, rel, 0)
			fd, err = unix.Openat(b.rootFD, rel, flags, 0600)
		}
		if err != nil {
			return nil, err
		}
	}
	return os.NewFile(uintptr(fd), rel), nil
}

func (h *handle) GetMeta(buf []byte) (int, int, error) {
	if h.metaFD == nil {
		return 0, 0, fmt.Errorf("posix dal: meta not open")
	}
	data, err := readAllFD(h.metaFD)
	if err != nil {
		return 0, 0, fmt.Errorf("posix dal: read meta: %w", err)
	}
	n := copy(buf, data)
	return n, len(data), nil
}

func readAllFD(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (h *handle) SetMeta(buf []byte) error {
	if h.mode != dal.WRITE && h.mode != dal.REBUILD {
		return fmt.Errorf("posix dal: SetMeta invalid in mode %s", h.mode)
	}
	if _, err := h.metaFD.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("posix dal: write meta: %w", err)
	}
	return nil
}

func (h *handle) Put(buf []byte) error {
	if h.mode != dal.WRITE && h.mode != dal.REBUILD {
		return fmt.Errorf("posix dal: Put invalid in mode %s", h.mode)
	}
	if _, err := h.dataFD.Write(buf); err != nil {
		return fmt.Errorf("posix dal: write data: %w", err)
	}
	return nil
}

func (h *handle) Get(buf []byte, off int64) (int, error) {
	if h.mode != dal.READ {
		return 0, fmt.Errorf("posix dal: Get invalid in mode %s", h.mode)
	}
	if h.dataFD == nil {
		return 0, fmt.Errorf("posix dal: data not open")
	}
	n, err := h.dataFD.ReadAt(buf, off)
	if err != nil && n == 0 {
		return 0, err
	}
	return n, nil
}

func (h *handle) Abort() error {
	var errs []error
	if h.dataFD != nil {
		h.dataFD.Close()
		if h.mode == dal.WRITE || h.mode == dal.REBUILD {
			if err := unix.Unlinkat(h.backend.rootFD, h.dataRel, 0); err != nil && !errors.Is(err, unix.ENOENT) {
				errs = append(errs, err)
			}
		}
	}
	if h.metaFD != nil {
		h.metaFD.Close()
		if h.mode == dal.WRITE || h.mode == dal.REBUILD {
			if err := unix.Unlinkat(h.backend.rootFD, h.metaRel, 0); err != nil && !errors.Is(err, unix.ENOENT) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close finalizes the handle. For writers, data is renamed to its final
// path first, then meta — so a reader that races a closing writer can at
// worst observe data already final with meta still pending, which the NE
// core treats as a recoverable meta error, never as a torn shard.
func (h *handle) Close() error {
	if h.mode == dal.READ || h.mode == dal.METAREAD {
		var errs []error
		if h.dataFD != nil {
			errs = append(errs, h.dataFD.Close())
		}
		if h.metaFD != nil {
			errs = append(errs, h.metaFD.Close())
		}
		return errors.Join(errs...)
	}

	var errs []error
	if h.dataFD != nil {
		errs = append(errs, h.dataFD.Close())
	}
	if h.metaFD != nil {
		errs = append(errs, h.metaFD.Close())
	}
	if err := unix.Renameat(h.backend.rootFD, h.dataRel, h.backend.rootFD, h.finalData); err != nil {
		errs = append(errs, fmt.Errorf("posix dal: finalize data rename: %w", err))
	}
	if err := unix.Renameat(h.backend.rootFD, h.metaRel, h.backend.rootFD, h.finalMeta); err != nil {
		errs = append(errs, fmt.Errorf("posix dal: finalize meta rename: %w", err))
	}
	return errors.Join(errs...)
}

var _ dal.Handle = (*handle)(nil)
