// Package svn provides read access to Subversion history for the
// importer: revision logs, changed-path lists, recursive tree listings
// and file contents.
package svn

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Action is the change action recorded for a path in a revision.
type Action int

const (
	ActionAdd Action = iota
	ActionModify
	ActionDelete
	ActionReplace
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionModify:
		return "modify"
	case ActionDelete:
		return "delete"
	case ActionReplace:
		return "replace"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// NodeKind distinguishes files from directories.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindFile
	KindDir
)

// Change is one changed path in a revision, in repository order.
type Change struct {
	Action       Action
	Kind         NodeKind
	Path         string
	CopyFromPath string
	CopyFromRev  int
}

// Revision is the log entry and change list of one SVN revision.
type Revision struct {
	Number  int
	Author  string
	Epoch   int64
	Log     string
	Changes []Change
}

// Node is one entry of a recursive tree listing.
type Node struct {
	Path string // relative to the listed directory
	Kind NodeKind
	Mode int // git file mode for files (0100644 or 0100755)
}

// Source is the read interface the importer consumes.
type Source interface {
	LatestRevision() (int, error)
	Revision(rev int) (*Revision, error)
	// Tree lists all files below path (recursively) as it existed in rev.
	Tree(path string, rev int) ([]Node, error)
	// Cat returns the content of a file at rev along with its length.
	Cat(path string, rev int) (io.ReadCloser, int64, error)
}

// ParseDate converts an svn:date property value to a Unix epoch.
// SVN dates look like 2013-06-14T19:28:50.123456Z.
func ParseDate(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.000000Z", s)
	if err != nil {
		// Some dumps omit the fractional part.
		t, err = time.Parse("2006-01-02T15:04:05Z", s)
		if err != nil {
			return 0, fmt.Errorf("parse svn date %q: %w", s, err)
		}
	}
	return t.Unix(), nil
}

// CleanPath strips leading and trailing slashes from an SVN path.
func CleanPath(p string) string {
	return strings.Trim(p, "/")
}
