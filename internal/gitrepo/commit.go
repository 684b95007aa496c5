package gitrepo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Jopie64/Boost2Git/internal/fastimport"
)

// cvs2svnMarker identifies commits synthesized by cvs2svn, which
// record every file-level copy as a merge parent.
const cvs2svnMarker = "This commit was manufactured by cvs2svn"

// RevisionInfo carries the commit metadata of the SVN revision being
// replayed.
type RevisionInfo struct {
	Number int
	Author string
	Epoch  int64
	Log    string
}

// Advance performs one step of the open/close commit protocol and
// reports whether it made progress. During the discovery pass
// (discoverChanges true) a repository opens its next commit and sends
// the ls probe but does not block on the response; later passes close
// the open commit and open the next dirty ref, until no dirty refs
// remain.
func (r *Repository) Advance(rev *RevisionInfo, discoverChanges bool) (bool, error) {
	if r.DeferClose(discoverChanges) {
		return false, nil
	}
	if r.currentRef == nil {
		if len(r.modifiedRefs) == 0 {
			return false, nil
		}
		if err := r.openCommit(rev); err != nil {
			return false, err
		}
		if err := r.prepareToCloseCommit(); err != nil {
			return false, err
		}
		return true, nil
	}
	if discoverChanges {
		return false, nil
	}
	if err := r.closeCommit(rev); err != nil {
		return false, err
	}
	return true, nil
}

// openCommit opens a commit on the most recently dirtied ref: header,
// merge lines, pending deletions, accumulated file modifications and
// the progress annotation, in that order.
func (r *Repository) openCommit(rev *RevisionInfo) error {
	ref := r.modifiedRefs[len(r.modifiedRefs)-1]
	r.currentRef = ref
	r.log.Tracef("repository %s opening commit in ref %s", r.name, ref.Name)

	txn := r.demandTransaction(ref.Name, "", rev.Number)

	// A pending root deletion wipes .gitmodules along with everything
	// else; it has to be resynthesized in this same commit.
	for _, p := range ref.pendingDeletions {
		if p == "" && r.hasSubmodules {
			ref.rewriteDotGitmodules = true
		}
	}
	if r.hasSubmodules && (ref.lastSubmoduleListChangeRev == rev.Number || ref.rewriteDotGitmodules) {
		if err := r.updateDotGitmodules(ref, rev.Number); err != nil {
			return err
		}
		ref.rewriteDotGitmodules = false
	}

	parentMark := ref.LastMark()
	if !ref.Exists() && r.incremental {
		r.log.Warnf("branch %s in repository %s doesn't exist at revision %d -- did you resume from the wrong revision?",
			ref.Name, r.name, rev.Number)
	}
	mark, err := r.allocateCommitMark()
	if err != nil {
		return err
	}
	ref.putMark(rev.Number, mark)
	ref.lastChangeRev = rev.Number

	message := rev.Log
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	if r.opts.AddMetadata {
		message += "\n" + formatMetadataMessage(txn.svnPrefix, rev.Number, "")
	}

	if err := r.startFastImport(); err != nil {
		return err
	}
	if err := r.ch.Commit(ref.Name, mark, rev.Author, rev.Epoch, message); err != nil {
		return err
	}

	mergeDesc, err := r.writeMerges(ref, parentMark, rev.Log)
	if err != nil {
		return err
	}

	if err := r.writeDeletions(ref); err != nil {
		return err
	}

	if _, err := r.ch.Write(txn.modifiedFiles.Bytes()); err != nil {
		return err
	}

	progress := fmt.Sprintf("\nprogress SVN r%d branch %s = :%d", rev.Number, ref.Name, mark)
	if mergeDesc != "" {
		progress += " # merge from" + mergeDesc
	}
	if err := r.ch.WriteString(progress + "\n\n"); err != nil {
		return err
	}

	if r.opts.AddMetadataNotes {
		if err := txn.commitNote(rev, formatMetadataMessage(txn.svnPrefix, rev.Number, ""), false, ""); err != nil {
			return err
		}
	}
	return r.ch.Flush()
}

// writeMerges resolves the ref's pending merges to marks and emits the
// merge lines, honoring the cvs2svn workaround and the 16-parent cap.
// It returns the " :<mark>" description tail for the progress line.
func (r *Repository) writeMerges(ref *Ref, parentMark int, logMessage string) (string, error) {
	var marks []int
	for _, pm := range ref.pendingMerges {
		if pm.rev <= ref.mergedRevisions[pm.src] {
			continue
		}
		mark, ok := pm.src.markAtOrBefore(pm.rev)
		if !ok {
			r.log.Warnf("no commit found at or preceding the source of merge r%d in Git repo %s ref %s",
				pm.rev, r.name, pm.src.Name)
			continue
		}
		ref.mergedRevisions[pm.src] = pm.rev
		if mark == 0 {
			r.log.Warnf("unknown revision r%d of %s; skipping merge in repository %s",
				pm.rev, pm.src.Name, r.name)
			continue
		}
		duplicate := false
		for _, have := range marks {
			if have == mark {
				duplicate = true
				break
			}
		}
		if !duplicate {
			marks = append(marks, mark)
		}
	}
	ref.pendingMerges = nil

	if strings.Contains(logMessage, cvs2svnMarker) && len(marks) > 1 {
		sort.Ints(marks)
		highest := marks[len(marks)-1]
		r.log.Debugf("discarding all but the highest merge point as a workaround for cvs2svn created branch/tag in repository %s", r.name)
		marks = []int{highest}
	}

	desc := ""
	parents := 0
	if parentMark != 0 {
		parents = 1
	}
	for _, mark := range marks {
		if mark == parentMark {
			r.log.Debugf("skipping merge mark %d as it matches the parent in repository %s", mark, r.name)
			continue
		}
		parents++
		if parents > maxMergeParents {
			r.log.Warnf("too many merge parents in repository %s", r.name)
			break
		}
		desc += fmt.Sprintf(" :%d", mark)
		if err := r.ch.WriteString(fmt.Sprintf("merge :%d\n", mark)); err != nil {
			return "", err
		}
	}
	return desc, nil
}

// writeDeletions flushes the ref's pending deletions into the open
// commit. An empty path means everything goes.
func (r *Repository) writeDeletions(ref *Ref) error {
	for _, p := range ref.pendingDeletions {
		if p == "" {
			if err := r.ch.WriteString("deleteall\n"); err != nil {
				return err
			}
			continue
		}
		if err := r.ch.FileDelete(p); err != nil {
			return err
		}
	}
	ref.pendingDeletions = nil
	return nil
}

// prepareToCloseCommit probes the just-written commit's tree with an
// ls round-trip; the response is consumed in closeCommit. Dry runs
// have no process to answer, so the probe is skipped.
func (r *Repository) prepareToCloseCommit() error {
	if r.opts.DryRun {
		r.lsSent = false
		return nil
	}
	if err := r.ch.SendLs(""); err != nil {
		return err
	}
	r.lsSent = true
	return nil
}

// closeCommit finishes the open commit: it reads the tree SHA, drops
// the commit if the tree did not change, updates bookkeeping, and
// notifies the super-module of the final mark.
func (r *Repository) closeCommit(rev *RevisionInfo) error {
	ref := r.currentRef
	r.log.Tracef("repository %s closing commit in ref %s", r.name, ref.Name)

	finalMark := ref.LastMark()
	if r.lsSent {
		response, err := r.ch.ReadLine()
		if err != nil {
			return err
		}
		sha, ok := fastimport.ParseLsResponse(response)
		if !ok {
			r.log.Errorf("unrecognized response %q from ls in ref %s", response, ref.Name)
			// Never let the next commit be elided against stale state.
			ref.headTreeSHA = ""
		} else {
			r.log.Tracef("new tree SHA: %s", sha)
			if sha == emptyTreeSHA {
				r.log.Tracef("ref %s now has an empty tree", ref.Name)
			}
			// A commit that left the tree untouched is dropped, but
			// never the first commit on the ref.
			if sha == ref.headTreeSHA && ref.MarkCount() >= 2 {
				r.log.Tracef("tree unchanged; resetting ref %s", ref.Name)
				ref.dropLastMark()
				finalMark = ref.LastMark()
				if err := r.ch.Reset(ref.Name, finalMark); err != nil {
					return err
				}
				if err := r.ch.Flush(); err != nil {
					return err
				}
			}
			ref.headTreeSHA = sha
		}
	}
	r.lsSent = false

	r.removeModified(ref)
	r.currentRef = nil
	r.log.Tracef("%d modified refs remaining in %s", len(r.modifiedRefs), r.name)

	if r.superModule != nil {
		r.superModule.modifiedSubmoduleRefs--
		r.superModule.SubmoduleChanged(r, ref.Name, finalMark, rev.Number)
	}
	return nil
}

func (r *Repository) removeModified(ref *Ref) {
	for i, have := range r.modifiedRefs {
		if have == ref {
			r.modifiedRefs = append(r.modifiedRefs[:i], r.modifiedRefs[i+1:]...)
			return
		}
	}
}

// formatMetadataMessage renders the svn provenance trailer appended to
// commit messages and notes.
func formatMetadataMessage(svnPrefix string, revnum int, tag string) string {
	msg := fmt.Sprintf("svn path=%s; revision=%d", svnPrefix, revnum)
	if tag != "" {
		msg += "; tag=" + tag
	}
	return msg + "\n"
}
