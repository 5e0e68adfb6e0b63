package posix

import (
	"strconv"
	"strings"

	"github.com/ne-io/ne/internal/dal"
)

// expandTemplate substitutes {p}/{b}/{c}/{s} placeholders in tmpl with the
// decimal pod/block/cap/scatter coordinates of loc.
func expandTemplate(tmpl string, loc dal.Location) string {
	r := strings.NewReplacer(
		"{p}", strconv.Itoa(loc.Pod),
		"{b}", strconv.Itoa(loc.Block),
		"{c}", strconv.Itoa(loc.Cap),
		"{s}", strconv.Itoa(loc.Scatter),
	)
	return r.Replace(tmpl)
}

// dataFileName derives the data file name from an object ID, replacing any
// path separator so the object ID cannot escape its leaf directory.
func dataFileName(objID string) string {
	return strings.ReplaceAll(objID, "/", "#")
}

func metaFileName(objID string) string {
	return dataFileName(objID) + ".meta"
}

// workingSuffix returns the suffix applied to both the data and meta file
// names while a shard is being written, distinguishing in-flight files
// from finalized ones.
func workingSuffix(mode dal.Mode) string {
	switch mode {
	case dal.WRITE:
		return ".partial"
	case dal.REBUILD:
		return ".rebuild"
	default:
		return ""
	}
}

func (b *Backend) dirRel(loc dal.Location) string {
	return expandTemplate(b.cfg.DirTemplate, loc)
}

func (b *Backend) dataRel(loc dal.Location, objID, suffix string) string {
	return b.dirRel(loc) + "/" + dataFileName(objID) + suffix
}

func (b *Backend) metaRel(loc dal.Location, objID, suffix string) string {
	return b.dirRel(loc) + "/" + metaFileName(objID) + suffix
}
