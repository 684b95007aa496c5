package svn

import (
	"bytes"
	"fmt"
	"io"
)

// MemSource is an in-memory Source for tests. Revisions are built up
// with AddRevision and file contents registered explicitly.
type MemSource struct {
	revisions []*Revision
	files     *fileHistory
}

// NewMemSource returns an empty source containing only revision 0.
func NewMemSource() *MemSource {
	return &MemSource{
		revisions: []*Revision{{Number: 0}},
		files:     newFileHistory(),
	}
}

// AddRevision appends a revision; its number must be the next in
// sequence.
func (s *MemSource) AddRevision(rev *Revision) {
	if rev.Number != len(s.revisions) {
		panic(fmt.Sprintf("revision %d added out of order", rev.Number))
	}
	s.revisions = append(s.revisions, rev)
	for _, change := range rev.Changes {
		switch change.Action {
		case ActionDelete:
			s.files.deleteTree(change.Path, rev.Number)
		case ActionReplace:
			s.files.deleteTree(change.Path, rev.Number)
		}
		if change.Kind == KindDir && change.CopyFromPath != "" {
			s.files.copyTree(change.CopyFromPath, change.CopyFromRev, change.Path, rev.Number)
		}
	}
}

// PutFile registers file content for a path starting at rev.
func (s *MemSource) PutFile(path string, rev int, content string) {
	s.files.put(CleanPath(path), rev, []byte(content), 0o100644)
}

// PutExecutable registers executable file content starting at rev.
func (s *MemSource) PutExecutable(path string, rev int, content string) {
	s.files.put(CleanPath(path), rev, []byte(content), 0o100755)
}

// LatestRevision implements Source.
func (s *MemSource) LatestRevision() (int, error) {
	return len(s.revisions) - 1, nil
}

// Revision implements Source.
func (s *MemSource) Revision(rev int) (*Revision, error) {
	if rev < 0 || rev >= len(s.revisions) {
		return nil, fmt.Errorf("no such revision r%d", rev)
	}
	return s.revisions[rev], nil
}

// Tree implements Source.
func (s *MemSource) Tree(path string, rev int) ([]Node, error) {
	return s.files.tree(CleanPath(path), rev), nil
}

// Cat implements Source.
func (s *MemSource) Cat(path string, rev int) (io.ReadCloser, int64, error) {
	v := s.files.lookup(CleanPath(path), rev)
	if v == nil || v.deleted {
		return nil, 0, fmt.Errorf("no such file %s at r%d", path, rev)
	}
	return io.NopCloser(bytes.NewReader(v.content)), int64(len(v.content)), nil
}
