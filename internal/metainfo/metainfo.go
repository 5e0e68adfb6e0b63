// Package metainfo implements the textual, versioned serialization of
// per-shard metadata carried on every shard of an erasure-coded object.
//
// The wire format is normative (see SPEC_FULL.md §6.1): a single
// newline-terminated ASCII line
//
//	v1 N E O partsz versz blocksz crcsum totsz\n
//
// with a legacy, unversioned form accepted on read: the same fields minus
// the version tag and minus versz (versz is inferred as equal to partsz).
package metainfo

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the current meta-info wire format version.
const Version = 1

// fieldCount is the number of logical fields a meta-info string carries.
const fieldCount = 8

// CRCSumUnset is the sentinel value of CRCSum before any field has been
// parsed successfully, the all-ones bit pattern of a uint64 (mirrors the
// original C code casting -1 to an unsigned 64-bit crcsum).
const CRCSumUnset = ^uint64(0)

// MetaInfo is the full set of fields recoverable from any single
// surviving shard of an object.
type MetaInfo struct {
	N       int    // data shard count
	E       int    // parity shard count
	O       int    // per-object stripe offset into the block ring
	PartSz  int64  // erasure-computation unit, bytes
	VerSz   int64  // per-buffer I/O size including trailing CRC, bytes
	BlockSz int64  // total bytes written to this shard, including CRCs
	CRCSum  uint64 // sum (mod 2^64) of all per-buffer CRC-32/IEEE values
	TotSz   int64  // total logical object size, bytes
}

// blank returns a MetaInfo populated with the sentinel values the original
// parser initializes before attempting to parse any field.
func blank() MetaInfo {
	return MetaInfo{
		N:       0,
		E:       -1,
		O:       -1,
		PartSz:  -1,
		VerSz:   -1,
		BlockSz: -1,
		CRCSum:  CRCSumUnset,
		TotSz:   -1,
	}
}

// StrLen returns an upper bound, in bytes, on the serialized length of a
// MetaInfo, sized to hold the version tag, eight whitespace-separated
// 64-bit decimal fields, and the terminating newline.
func StrLen() int {
	// 20 decimal digits is enough for any int64/uint64 plus a sign byte;
	// fieldCount fields, one leading version token, whitespace between
	// each, plus the trailing newline and a margin for the null
	// terminator callers in other languages may expect.
	return (fieldCount+1)*21 + 4
}

// Serialize writes the versioned textual form of m into buf, which must be
// at least StrLen() bytes. Returns the number of bytes written (including
// the trailing newline) or a non-nil error if buf is too small.
func Serialize(m *MetaInfo, buf []byte) (int, error) {
	s := fmt.Sprintf("v%d %d %d %d %d %d %d %d %d\n",
		Version, m.N, m.E, m.O, m.PartSz, m.VerSz, m.BlockSz, m.CRCSum, m.TotSz)
	if len(buf) < len(s) {
		return 0, fmt.Errorf("metainfo: buffer of %d bytes too small for serialized length %d", len(buf), len(s))
	}
	return copy(buf, s), nil
}

// Parse decodes either the versioned or legacy textual form from buf.
//
// Returns the parsed MetaInfo (always non-nil, populated with sentinels
// for any field that could not be recovered) and a status code:
//
//	0   all eight fields parsed and a trailing newline was present
//	>0  the number of fields successfully parsed (incomplete parse)
//	<0  the input was empty or otherwise unreadable
func Parse(buf []byte) (*MetaInfo, int) {
	m := blank()
	if len(buf) == 0 {
		return &m, -1
	}

	raw := string(buf)
	// Trim NUL padding that a fixed-size sidecar read may carry.
	if i := strings.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	hasNewline := strings.HasSuffix(raw, "\n")
	trimmed := strings.TrimRight(raw, "\n")

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return &m, -1
	}

	versioned := false
	idx := 0
	if strings.HasPrefix(fields[0], "v") {
		if _, err := strconv.Atoi(fields[0][1:]); err == nil {
			versioned = true
			idx = 1
		}
	}
	rest := fields[idx:]

	var order []string
	if versioned {
		order = []string{"N", "E", "O", "partsz", "versz", "blocksz", "crcsum", "totsz"}
	} else {
		order = []string{"N", "E", "O", "partsz", "blocksz", "crcsum", "totsz"}
	}

	parsed := 0
	get := func(i int) (string, bool) {
		if i < len(rest) {
			return rest[i], true
		}
		return "", false
	}

	for i, name := range order {
		tok, ok := get(i)
		if !ok {
			break
		}
		switch name {
		case "N":
			if v, err := strconv.Atoi(tok); err == nil && v > m.N {
				m.N = v
				parsed++
			}
		case "E":
			if v, err := strconv.Atoi(tok); err == nil && v > m.E {
				m.E = v
				parsed++
			}
		case "O":
			if v, err := strconv.Atoi(tok); err == nil && v > m.O {
				m.O = v
				parsed++
			}
		case "partsz":
			if v, err := strconv.ParseInt(tok, 10, 64); err == nil && v > m.PartSz {
				m.PartSz = v
				parsed++
			}
		case "versz":
			if v, err := strconv.ParseInt(tok, 10, 64); err == nil && v > m.VerSz {
				m.VerSz = v
				parsed++
			}
		case "blocksz":
			if v, err := strconv.ParseInt(tok, 10, 64); err == nil && v > m.BlockSz {
				m.BlockSz = v
				parsed++
			}
		case "crcsum":
			if v, err := strconv.ParseUint(tok, 10, 64); err == nil {
				m.CRCSum = v
				parsed++
			}
		case "totsz":
			if v, err := strconv.ParseInt(tok, 10, 64); err == nil && v > m.TotSz {
				m.TotSz = v
				parsed++
			}
		}
	}

	if !versioned {
		// Legacy form carries no versz field; infer it from partsz.
		if m.PartSz >= 0 {
			m.VerSz = m.PartSz
			parsed++
		}
	}

	if parsed == fieldCount && hasNewline {
		return &m, 0
	}
	return &m, parsed
}

// Copy duplicates every field of src into dst except CRCSum, which is
// inherently per-shard and must never be propagated between shards.
func Copy(dst, src *MetaInfo) {
	dst.N = src.N
	dst.E = src.E
	dst.O = src.O
	dst.PartSz = src.PartSz
	dst.VerSz = src.VerSz
	dst.BlockSz = src.BlockSz
	dst.TotSz = src.TotSz
}

// Compare reports whether a and b agree on every field except CRCSum.
// Returns true iff they match.
func Compare(a, b *MetaInfo) bool {
	return a.N == b.N &&
		a.E == b.E &&
		a.O == b.O &&
		a.PartSz == b.PartSz &&
		a.VerSz == b.VerSz &&
		a.BlockSz == b.BlockSz &&
		a.TotSz == b.TotSz
}
