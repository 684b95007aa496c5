package gitrepo

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/Jopie64/Boost2Git/internal/fastimport"
)

// SubmoduleChanged tells a super-module that the same-named ref of one
// of its children moved to childMark (zero for a deletion). The parent
// updates its submodule table, stages a gitlink entry in its own
// transaction for the revision, and remembers that .gitmodules needs
// rewriting.
func (r *Repository) SubmoduleChanged(child *Repository, refName string, childMark, revnum int) {
	deletion := childMark == 0
	branch := r.DemandRef(refName)

	if deletion {
		if _, ok := branch.submodules[child.submodulePath]; !ok {
			// No submodule there already; nothing to change.
			return
		}
		delete(branch.submodules, child.submodulePath)
	} else {
		if branch.submodules == nil {
			branch.submodules = make(map[string]*Repository)
		}
		branch.submodules[child.submodulePath] = child
	}

	if deletion {
		r.log.Debugf("submodule %s of repository %s deleted in branch %s of r%d",
			child.submodulePath, r.name, refName, revnum)
	} else {
		r.log.Debugf("submodule %s of repository %s updated to mark :%d in branch %s of r%d",
			child.submodulePath, r.name, childMark, refName, revnum)
	}

	txn := r.demandTransaction(refName, "", revnum)
	if deletion {
		txn.DeleteFile(child.submodulePath)
	} else {
		txn.UpdateSubmodule(child, childMark)
	}
	branch.lastSubmoduleListChangeRev = revnum
}

// updateDotGitmodules synthesizes the .gitmodules blob for the ref's
// current submodule table and stages it as a file modification.
func (r *Repository) updateDotGitmodules(ref *Ref, revnum int) error {
	txn := r.demandTransaction(ref.Name, "", revnum)

	paths := make([]string, 0, len(ref.submodules))
	for p := range ref.submodules {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var content bytes.Buffer
	for _, p := range paths {
		fmt.Fprintf(&content, "[submodule %q]\n", p)
		fmt.Fprintf(&content, "\tpath = %s\n", p)
		fmt.Fprintf(&content, "\turl = %s\n", r.rules.SubmoduleURL(ref.submodules[p].name))
	}
	return txn.AddFileFromReader(".gitmodules", 0o100644, int64(content.Len()), &content)
}

// GitlinkMarksMap reads the marks file of every child mounted in this
// repository and returns placeholder -> SHA pairs for the post-pass
// that rewrites gitlink placeholders into real submodule commit SHAs.
func (r *Repository) GitlinkMarksMap() (map[string]string, error) {
	if !r.hasSubmodules {
		return nil, nil
	}
	children := make(map[string]*Repository)
	for _, ref := range r.refs {
		for _, child := range ref.submodules {
			children[child.name] = child
		}
	}
	resolved := make(map[string]string)
	for _, child := range children {
		marksPath := filepath.Join(child.gitDir, fastimport.MarksFileName(child.name))
		marks, err := fastimport.ReadMarks(marksPath)
		if err != nil {
			return nil, fmt.Errorf("resolve gitlinks of %s: %w", r.name, err)
		}
		for mark, sha := range marks {
			resolved[fmt.Sprintf("%040d", mark)] = sha
		}
	}
	return resolved, nil
}
