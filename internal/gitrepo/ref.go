package gitrepo

import (
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// NeverChanged marks a ref that was declared by a branch rule but has
// never received a commit or reset.
const NeverChanged = -1

// Ref is the per-branch state of one Git ref across the import. Marks
// are recorded per SVN revision; pending merges and deletions
// accumulate between commits and are consumed when the next commit
// opens.
type Ref struct {
	Name string

	// marks maps SVN revision -> commit mark, ordered by revision.
	// A mark of zero records a deletion.
	marks *treemap.Map

	headTreeSHA     string
	mergedRevisions map[*Ref]int

	pendingMerges    []pendingMerge
	pendingDeletions []string

	// submodules maps submodule path -> child repository, for refs of
	// a repository that hosts submodules.
	submodules map[string]*Repository

	lastChangeRev              int
	lastSubmoduleListChangeRev int
	rewriteDotGitmodules       bool

	note string
}

type pendingMerge struct {
	src *Ref
	rev int
}

func newRef(name string) *Ref {
	return &Ref{
		Name:            name,
		marks:           treemap.NewWith(utils.IntComparator),
		mergedRevisions: make(map[*Ref]int),
		lastChangeRev:   NeverChanged,
	}
}

// Exists reports whether the ref ever changed.
func (r *Ref) Exists() bool { return r.lastChangeRev != NeverChanged }

// LastMark returns the most recent mark, or 0 when the ref has none.
func (r *Ref) LastMark() int {
	if _, v := r.marks.Max(); v != nil {
		return v.(int)
	}
	return 0
}

// MarkCount returns how many (revision, mark) entries are recorded.
func (r *Ref) MarkCount() int { return r.marks.Size() }

// putMark records the mark created for rev.
func (r *Ref) putMark(rev, mark int) {
	r.marks.Put(rev, mark)
}

// dropLastMark erases the most recent entry, for elided commits.
func (r *Ref) dropLastMark() {
	if k, _ := r.marks.Max(); k != nil {
		r.marks.Remove(k)
	}
}

// markAtOrBefore returns the mark of the closest revision <= rev.
// ok is false when the ref has no mark that early.
func (r *Ref) markAtOrBefore(rev int) (mark int, ok bool) {
	_, v := r.marks.Floor(rev)
	if v == nil {
		return 0, false
	}
	return v.(int), true
}

// recordMerge queues a merge from src at srcRev, keeping only the
// highest revision per source ref.
func (r *Ref) recordMerge(src *Ref, srcRev int) {
	for i := range r.pendingMerges {
		if r.pendingMerges[i].src == src {
			if r.pendingMerges[i].rev < srcRev {
				r.pendingMerges[i].rev = srcRev
			}
			return
		}
	}
	r.pendingMerges = append(r.pendingMerges, pendingMerge{src: src, rev: srcRev})
}

// recordDeletion queues a path deletion for the next commit. An empty
// path deletes the whole tree.
func (r *Ref) recordDeletion(path string) {
	path = strings.TrimSuffix(path, "/")
	for _, have := range r.pendingDeletions {
		if have == path {
			return
		}
	}
	r.pendingDeletions = append(r.pendingDeletions, path)
}
