package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Jopie64/Boost2Git/internal/gitrepo"
	"github.com/Jopie64/Boost2Git/internal/match"
	"github.com/Jopie64/Boost2Git/internal/svn"
)

// processChange classifies one changed SVN path and applies it to the
// repositories and refs it maps to.
func (imp *Importer) processChange(change *svn.Change, info *gitrepo.RevisionInfo) error {
	path := svn.CleanPath(change.Path)
	revnum := info.Number

	if imp.opts.DebugRules {
		imp.log.Infof("r%d %s %s", revnum, change.Action, path)
	}

	// Whole-branch operations come first: a path that is exactly a
	// branch root either creates, replaces or deletes the branch in
	// every repository declaring it.
	branchRules := imp.matcher.BranchRulesAt(path, revnum)

	switch change.Action {
	case svn.ActionDelete:
		if len(branchRules) > 0 || len(imp.matcher.BranchesUnder(path, revnum)) > 0 {
			return imp.deleteBranches(path, revnum)
		}
		return imp.deleteTree(path, revnum)

	case svn.ActionAdd, svn.ActionReplace:
		if change.Action == svn.ActionReplace {
			if len(branchRules) > 0 {
				if err := imp.deleteBranches(path, revnum); err != nil {
					return err
				}
			} else if err := imp.deleteTree(path, revnum); err != nil {
				return err
			}
		}
		if len(branchRules) > 0 && change.CopyFromPath != "" {
			return imp.copyBranches(branchRules, change, info)
		}
		if change.Kind == svn.KindDir {
			if change.CopyFromPath == "" {
				// Plain directory creation; Git trees are implicit.
				return nil
			}
			return imp.copyTree(path, change.CopyFromPath, change.CopyFromRev, info)
		}
		return imp.addFile(path, revnum, change)

	case svn.ActionModify:
		if change.Kind == svn.KindDir {
			// Directory property change; nothing to replay.
			return nil
		}
		return imp.addFile(path, revnum, change)
	}
	return fmt.Errorf("unhandled change action %v for %s", change.Action, path)
}

// addFile streams one file's content into the transaction of the ref
// its path maps to. A file copied from another branch of the same
// repository also records the ancestry.
func (imp *Importer) addFile(path string, revnum int, change *svn.Change) error {
	rule := imp.matcher.LongestMatch(path, revnum)
	if rule == nil {
		imp.log.Debugf("r%d: no rule matches %s", revnum, path)
		return nil
	}
	if imp.opts.DebugRules {
		imp.log.Infof("r%d %s matched by %s", revnum, path, rule)
	}
	repo, err := imp.demandRepo(rule.Repo.Name)
	if err != nil {
		return err
	}
	imp.touch(repo)
	txn, err := repo.DemandTransaction(rule.RefName(), rule.Branch.SvnPath, revnum)
	if err != nil {
		return err
	}
	if change != nil && change.CopyFromPath != "" {
		srcRule := imp.matcher.LongestMatch(svn.CleanPath(change.CopyFromPath), change.CopyFromRev)
		if srcRule != nil && srcRule.Repo == rule.Repo && srcRule.RefName() != rule.RefName() {
			txn.NoteCopyFromBranch(srcRule.RefName(), change.CopyFromRev)
		}
	}
	content, length, err := imp.src.Cat(path, revnum)
	if err != nil {
		return fmt.Errorf("r%d: %w", revnum, err)
	}
	defer content.Close()
	mode, err := imp.fileMode(path, revnum)
	if err != nil {
		return err
	}
	return txn.AddFileFromReader(rule.GitPath(path), mode, length, content)
}

// fileMode looks up the Git file mode of one SVN file.
func (imp *Importer) fileMode(path string, revnum int) (int, error) {
	nodes, err := imp.src.Tree(path, revnum)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if n.Path == "" {
			return n.Mode, nil
		}
	}
	return 0o100644, nil
}

// deleteTree removes the Git paths a deleted SVN subtree maps to; a
// deletion can fan out to several targets when deeper rules exist.
func (imp *Importer) deleteTree(path string, revnum int) error {
	type target struct {
		repo    string
		ref     string
		gitPath string
	}
	seen := make(map[target]bool)
	apply := func(rule *match.Rule, gitPath string) error {
		t := target{repo: rule.Repo.Name, ref: rule.RefName(), gitPath: gitPath}
		if seen[t] {
			return nil
		}
		seen[t] = true
		repo, err := imp.demandRepo(rule.Repo.Name)
		if err != nil {
			return err
		}
		imp.touch(repo)
		txn, err := repo.DemandTransaction(rule.RefName(), rule.Branch.SvnPath, revnum)
		if err != nil {
			return err
		}
		txn.DeleteFile(gitPath)
		return nil
	}

	if rule := imp.matcher.LongestMatch(path, revnum); rule != nil {
		if err := apply(rule, rule.GitPath(path)); err != nil {
			return err
		}
	}
	for _, rule := range imp.matcher.RulesUnder(path, revnum) {
		if err := apply(rule, rule.GitPath(rule.Prefix)); err != nil {
			return err
		}
	}
	return nil
}

// deleteBranches deletes every branch rooted at or below path.
func (imp *Importer) deleteBranches(path string, revnum int) error {
	for _, rule := range imp.matcher.BranchesUnder(path, revnum) {
		repo, err := imp.demandRepo(rule.Repo.Name)
		if err != nil {
			return err
		}
		imp.touch(repo)
		if err := repo.DeleteBranch(rule.RefName(), revnum); err != nil {
			return err
		}
	}
	return nil
}

// copyBranches replays an SVN copy whose destination is a branch or
// tag root: each repository declaring the destination resets the new
// ref to the closest commit of the source ref. Tag rules additionally
// synthesize an annotated tag.
func (imp *Importer) copyBranches(branchRules []*match.Rule, change *svn.Change, info *gitrepo.RevisionInfo) error {
	srcPath := svn.CleanPath(change.CopyFromPath)
	srcRules := imp.matcher.BranchRulesAt(srcPath, change.CopyFromRev)

	for _, rule := range branchRules {
		repo, err := imp.demandRepo(rule.Repo.Name)
		if err != nil {
			return err
		}
		imp.touch(repo)

		var srcRef string
		for _, src := range srcRules {
			if src.Repo == rule.Repo {
				srcRef = src.RefName()
				break
			}
		}
		if srcRef == "" {
			// The copy source is not a branch root in this repo;
			// fall back to replaying the tree contents.
			imp.log.Debugf("r%d: copy source %s is not a branch in repo %s; rewriting tree",
				info.Number, srcPath, rule.Repo.Name)
			if err := imp.copyTree(svn.CleanPath(change.Path), srcPath, change.CopyFromRev, info); err != nil {
				return err
			}
			continue
		}

		if err := repo.CreateBranch(rule.RefName(), info.Number, srcRef, change.CopyFromRev); err != nil {
			return err
		}
		if rule.Branch.IsTag() {
			repo.CreateAnnotatedTag(rule.RefName(), svn.CleanPath(change.Path), info.Number, info.Author, info.Epoch, info.Log)
		}
		if imp.opts.SvnBranches {
			// Replay the branch contents as SVN sees them instead of
			// trusting the Git-side reset alone.
			if err := imp.rewriteTree(svn.CleanPath(change.Path), info.Number, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyTree expands a directory copy file by file, letting each
// destination path find its own rule; it also records the branch
// ancestry when source and destination live on different refs of the
// same repository.
func (imp *Importer) copyTree(dstPath, srcPath string, srcRev int, info *gitrepo.RevisionInfo) error {
	nodes, err := imp.src.Tree(srcPath, srcRev)
	if err != nil {
		return err
	}
	srcRule := imp.matcher.LongestMatch(srcPath, srcRev)

	for _, node := range nodes {
		dst := dstPath
		src := srcPath
		if node.Path != "" {
			dst = dstPath + "/" + node.Path
			src = srcPath + "/" + node.Path
		}
		rule := imp.matcher.LongestMatch(dst, info.Number)
		if rule == nil {
			imp.log.Debugf("r%d: no rule matches %s", info.Number, dst)
			continue
		}
		repo, err := imp.demandRepo(rule.Repo.Name)
		if err != nil {
			return err
		}
		imp.touch(repo)
		txn, err := repo.DemandTransaction(rule.RefName(), rule.Branch.SvnPath, info.Number)
		if err != nil {
			return err
		}
		if srcRule != nil && srcRule.Repo == rule.Repo && srcRule.RefName() != rule.RefName() {
			txn.NoteCopyFromBranch(srcRule.RefName(), srcRev)
		}
		content, length, err := imp.src.Cat(src, srcRev)
		if err != nil {
			return fmt.Errorf("r%d: %w", info.Number, err)
		}
		if err := txn.AddFileFromReader(rule.GitPath(dst), node.Mode, length, content); err != nil {
			content.Close()
			return err
		}
		content.Close()
	}
	return nil
}

// rewriteTree replays the current SVN contents below path into the
// matching refs, for --svn-branches mode.
func (imp *Importer) rewriteTree(path string, revnum int, info *gitrepo.RevisionInfo) error {
	return imp.copyTree(path, path, revnum, info)
}

// writeGitlinkMap leaves a placeholder->SHA map next to a
// super-module's git dir; the post-pass rewriting gitlink entries into
// real submodule SHAs consumes it.
func (imp *Importer) writeGitlinkMap(repo *gitrepo.Repository) error {
	resolved, err := repo.GitlinkMarksMap()
	if err != nil {
		return err
	}
	if len(resolved) == 0 || imp.opts.DryRun {
		return nil
	}
	placeholders := make([]string, 0, len(resolved))
	for p := range resolved {
		placeholders = append(placeholders, p)
	}
	sort.Strings(placeholders)
	var buf []byte
	for _, p := range placeholders {
		buf = append(buf, p...)
		buf = append(buf, ' ')
		buf = append(buf, resolved[p]...)
		buf = append(buf, '\n')
	}
	path := filepath.Join(repo.GitDir(), "submodule-marks")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write gitlink map for %s: %w", repo.Name(), err)
	}
	return nil
}
