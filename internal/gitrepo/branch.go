package gitrepo

import (
	"fmt"
	"strings"
)

// nullSHA is what a branch deletion resets to.
const nullSHA = "0000000000000000000000000000000000000000"

// MarkFrom finds the mark of the closest commit at or before revnum on
// branchFrom. It returns -1 when the branch has no recorded mark at
// all, 0 when it has no mark that early or its closest entry records a
// deletion, and appends a human-readable description of the resolution
// to a non-empty desc.
func (r *Repository) MarkFrom(branchFrom string, revnum int, desc *string) int {
	from := r.DemandRef(branchFrom)
	if !from.Exists() || from.MarkCount() == 0 {
		return -1
	}
	mark, ok := from.markAtOrBefore(revnum)
	if !ok {
		r.log.Warnf("no mark found for r%d of branch %s in repository %s", revnum, branchFrom, r.name)
		return 0
	}
	if desc != nil && *desc != "" {
		*desc += fmt.Sprintf(" at r%d", revnum)
		if closestRev, _ := from.marks.Floor(revnum); closestRev != nil && closestRev.(int) != revnum {
			*desc += fmt.Sprintf(" => r%d", closestRev.(int))
		}
	}
	return mark
}

// CreateBranch points refName at the closest commit of branchFrom at
// branchRevNum via a staged reset. Branching from a ref that never
// existed is fatal; branching from a deleted or unknown point creates
// an empty branch pointing at the source ref name.
func (r *Repository) CreateBranch(refName string, revnum int, branchFrom string, branchRevNum int) error {
	if !strings.HasPrefix(refName, "refs/") || !strings.HasPrefix(branchFrom, "refs/") {
		return fmt.Errorf("%w: branch names must start with refs/: %q, %q", ErrFatal, refName, branchFrom)
	}
	desc := "from branch " + branchFrom
	mark := r.MarkFrom(branchFrom, branchRevNum, &desc)
	if mark == -1 {
		return fmt.Errorf("%w: %s in repository %s is branching from branch %s but the latter doesn't exist",
			ErrFatal, refName, r.name, branchFrom)
	}
	resetTo := fmt.Sprintf(":%d", mark)
	if mark == 0 {
		r.log.Warnf("%s in repository %s is branching but no exported commits exist in repository; creating an empty branch",
			refName, r.name)
		resetTo = branchFrom
		desc += ", deleted/unknown"
	}
	r.log.Debugf("creating branch %s from %s (r%d %s) in repository %s",
		refName, branchFrom, branchRevNum, desc, r.name)
	r.DemandRef(refName).note = r.DemandRef(branchFrom).note
	return r.resetBranch(refName, revnum, mark, resetTo, desc)
}

// DeleteBranch stages the deletion of refName. Deleting the default
// branch is silently ignored.
func (r *Repository) DeleteBranch(refName string, revnum int) error {
	if !strings.HasPrefix(refName, "refs/") {
		return fmt.Errorf("%w: branch name must start with refs/: %q", ErrFatal, refName)
	}
	if refName == "refs/heads/master" {
		return nil
	}
	return r.resetBranch(refName, revnum, 0, nullSHA, "delete")
}

// resetBranch stages the reset (or deletion, mark zero) of a ref,
// emitting a backup reset first when an existing branch is rewound at
// a different revision. A delete followed by a create of the same ref
// in the same revision cancels down to the create alone; a create
// followed by a delete drops both.
func (r *Repository) resetBranch(refName string, revnum, mark int, resetTo, comment string) error {
	if r.superModule != nil {
		r.superModule.SubmoduleChanged(r, refName, mark, revnum)
	}
	deleting := mark == 0

	ref := r.DemandRef(refName)
	backupCmd := ""
	if ref.Exists() && ref.lastChangeRev != revnum {
		var backupBranch string
		if deleting && strings.HasPrefix(refName, "refs/heads/") {
			backupBranch = fmt.Sprintf("refs/tags/backups/%s@%d", strings.TrimPrefix(refName, "refs/heads/"), revnum)
		} else {
			backupBranch = fmt.Sprintf("refs/backups/r%d%s", revnum, strings.TrimPrefix(refName, "refs"))
		}
		r.log.Debugf("backing up branch %s to %s in repository %s", refName, backupBranch, r.name)
		backupCmd = fmt.Sprintf("reset %s\nfrom %s\n\n", backupBranch, refName)
	}

	ref.lastChangeRev = revnum
	ref.putMark(revnum, mark)

	cmd := fmt.Sprintf("reset %s\nfrom %s\n\nprogress SVN r%d branch %s = :%d # %s\n\n",
		refName, resetTo, revnum, refName, mark, comment)

	if deleting {
		// A creation already staged in this revision followed by a
		// deletion: drop both, so nothing is emitted for the ref.
		if _, staged := r.resetBranches.Get(refName); staged {
			r.resetBranches.Remove(refName)
		} else {
			r.appendStaged(r.deletedBranches, refName, backupCmd+cmd)
		}
	} else {
		// A queued deletion followed by a recreation in the same
		// revision collapses to the recreation alone.
		if _, staged := r.deletedBranches.Get(refName); staged {
			r.deletedBranches.Remove(refName)
		}
		r.appendStaged(r.resetBranches, refName, backupCmd+cmd)
	}
	return nil
}

func (r *Repository) appendStaged(m interface {
	Get(interface{}) (interface{}, bool)
	Put(interface{}, interface{})
}, refName, cmd string) {
	if prev, ok := m.Get(refName); ok {
		cmd = prev.(string) + cmd
	}
	m.Put(refName, cmd)
}

// PrepareCommit flushes staged branch deletions and resets for the
// revision before any commit opens.
func (r *Repository) PrepareCommit(revnum int) error {
	if r.deletedBranches.Empty() && r.resetBranches.Empty() {
		return nil
	}
	if err := r.startFastImport(); err != nil {
		return err
	}
	for _, key := range r.deletedBranches.Keys() {
		cmd, _ := r.deletedBranches.Get(key)
		if err := r.ch.WriteString(cmd.(string)); err != nil {
			return err
		}
	}
	for _, key := range r.resetBranches.Keys() {
		cmd, _ := r.resetBranches.Get(key)
		if err := r.ch.WriteString(cmd.(string)); err != nil {
			return err
		}
	}
	r.deletedBranches.Clear()
	r.resetBranches.Clear()
	return r.ch.Flush()
}
