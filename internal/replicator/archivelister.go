package replicator

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// DirLister implements ArchiveLister by matching a directory's entries
// against the fixed archiveNamePattern, grounded on the original's
// archGetLog scan of log_archive_format ("arc_%r_%s.arc", with %r the
// resetlogs id and %s the sequence). Unlike a database-driven v$archived_log
// query, this never needs a live connection to the source instance.
type DirLister struct {
	dir     string
	pattern *regexp.Regexp
}

// archiveNamePattern matches "arc_<resetlogs>_<sequence>.arc", the default
// rendering of log_archive_format used throughout this module's fixtures.
var archiveNamePattern = regexp.MustCompile(`^arc_(\d+)_(\d+)\.arc$`)

// NewDirLister scans dir for files matching archiveNamePattern. An empty
// dir means archiving is disabled; List then always returns no entries.
func NewDirLister(dir string) *DirLister {
	return &DirLister{dir: dir, pattern: archiveNamePattern}
}

// List implements ArchiveLister by re-reading the directory on every call:
// archived logs appear asynchronously as the source database completes log
// switches, so there is no cheaper correct way to discover new ones than a
// fresh scan per drainArchive iteration.
func (d *DirLister) List(ctx context.Context) ([]ArchiveEntry, error) {
	if d.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(err, rerr.Runtime, 910, "replicator: scan archive directory "+d.dir)
	}

	out := make([]ArchiveEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := d.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		resetlogs, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		sequence, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		out = append(out, ArchiveEntry{
			Path:      filepath.Join(d.dir, e.Name()),
			Sequence:  types.Seq(sequence),
			Resetlogs: types.Resetlogs(resetlogs),
		})
	}
	return out, nil
}
