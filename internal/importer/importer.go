// Package importer walks the SVN log revision by revision, classifies
// every changed path through the rule matcher, and drives the
// per-repository commit protocol across all touched Git repositories.
package importer

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Jopie64/Boost2Git/internal/config"
	"github.com/Jopie64/Boost2Git/internal/fastimport"
	"github.com/Jopie64/Boost2Git/internal/gitrepo"
	"github.com/Jopie64/Boost2Git/internal/match"
	"github.com/Jopie64/Boost2Git/internal/rules"
	"github.com/Jopie64/Boost2Git/internal/svn"
)

// Importer is the revision dispatcher.
type Importer struct {
	src     svn.Source
	rs      *rules.Ruleset
	matcher *match.Matcher
	opts    *config.Options
	log     *logrus.Logger
	cache   *fastimport.Cache
	authors *svn.AuthorMap

	repositories map[string]*gitrepo.Repository
	changed      []*gitrepo.Repository // touch order within one revision
}

// New builds an importer over an SVN source and a loaded ruleset.
func New(src svn.Source, rs *rules.Ruleset, authors *svn.AuthorMap, opts *config.Options, log *logrus.Logger) *Importer {
	if authors == nil {
		authors = svn.NewAuthorMap()
	}
	return &Importer{
		src:          src,
		rs:           rs,
		matcher:      match.NewMatcher(rs),
		opts:         opts,
		log:          log,
		cache:        fastimport.NewCache(fastimport.MaxSimultaneousProcesses),
		authors:      authors,
		repositories: make(map[string]*gitrepo.Repository),
	}
}

// Matcher exposes the compiled rule matcher, for the rule-debugging
// commands.
func (imp *Importer) Matcher() *match.Matcher { return imp.matcher }

// demandRepo creates repository state lazily on first reference and
// links submodules to their super-module.
func (imp *Importer) demandRepo(name string) (*gitrepo.Repository, error) {
	if repo, ok := imp.repositories[name]; ok {
		return repo, nil
	}
	rule := imp.rs.Repo(name)
	if rule == nil || rule.Abstract {
		return nil, fmt.Errorf("no concrete repo rule named %q", name)
	}
	repo, err := gitrepo.NewRepository(rule, imp.rs, imp.opts, imp.cache, imp.log)
	if err != nil {
		return nil, err
	}
	imp.repositories[name] = repo
	if rule.SubmoduleOf != "" {
		super, err := imp.demandRepo(rule.SubmoduleOf)
		if err != nil {
			return nil, err
		}
		if err := repo.SetSuperModule(super, rule.SubmodulePath); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// touch records that a repository was modified in the current
// revision.
func (imp *Importer) touch(repo *gitrepo.Repository) {
	for _, have := range imp.changed {
		if have == repo {
			return
		}
	}
	imp.changed = append(imp.changed, repo)
}

// LastValidRevision determines where an interrupted or incremental run
// should resume, truncating repository logs back to the last point
// every marks file actually covers.
func (imp *Importer) LastValidRevision() (int, error) {
	// All concrete repos participate in the resume scan, whether or
	// not this run's revisions end up touching them.
	names := make([]string, 0, len(imp.rs.Repos))
	for i := range imp.rs.Repos {
		if !imp.rs.Repos[i].Abstract {
			names = append(names, imp.rs.Repos[i].Name)
		}
	}
	sort.Strings(names)

	cutoff := math.MaxInt32
	if imp.opts.ResumeFrom > 0 {
		cutoff = imp.opts.ResumeFrom
	}

	// The cutoff only ever decreases; rescan until it settles so a
	// rewind found in a later repo also truncates the earlier ones.
	for {
		prev := cutoff
		for _, name := range names {
			repo, err := imp.demandRepo(name)
			if err != nil {
				return 0, err
			}
			if _, err := repo.ScanLog(&cutoff); err != nil {
				return 0, err
			}
		}
		if cutoff == prev {
			break
		}
	}

	resume := 1
	for _, name := range names {
		repo := imp.repositories[name]
		rev, err := repo.LoadIncremental(cutoff)
		if err != nil {
			return 0, err
		}
		if rev > resume {
			resume = rev
		}
	}
	if resume > cutoff {
		resume = cutoff
	}
	return resume, nil
}

// ImportRevision replays one SVN revision across all affected
// repositories.
func (imp *Importer) ImportRevision(revnum int) error {
	rev, err := imp.src.Revision(revnum)
	if err != nil {
		return err
	}
	info := &gitrepo.RevisionInfo{
		Number: revnum,
		Author: imp.authors.Lookup(rev.Author),
		Epoch:  rev.Epoch,
		Log:    rev.Log,
	}
	imp.changed = imp.changed[:0]

	imp.log.Debugf("importing r%d: %d changed paths", revnum, len(rev.Changes))
	for i := range rev.Changes {
		if err := imp.processChange(&rev.Changes[i], info); err != nil {
			return err
		}
	}
	return imp.commitRevision(info)
}

// commitRevision closes the commits of every touched repository,
// deferring submodule-bearing repositories until their children have
// finalized.
func (imp *Importer) commitRevision(info *gitrepo.RevisionInfo) error {
	// Super-modules become dirty through their children; make sure
	// they participate in the close loop.
	for _, repo := range imp.changed {
		for super := repo.SuperModule(); super != nil; super = super.SuperModule() {
			imp.touch(super)
		}
	}

	for _, repo := range imp.changed {
		if err := repo.PrepareCommit(info.Number); err != nil {
			return err
		}
	}

	// Discovery pass: open commits and send the ls probes of every
	// repository that is not deferred, without blocking on responses.
	for _, repo := range imp.changed {
		if _, err := repo.Advance(info, true); err != nil {
			return err
		}
	}

	// Close loop: drive open/close steps to a fixpoint. Children
	// close first; their super-modules follow once no modified child
	// refs remain.
	for {
		pending := false
		progressed := false
		for _, repo := range imp.changed {
			if !repo.HasModifiedRefs() {
				continue
			}
			pending = true
			p, err := repo.Advance(info, false)
			if err != nil {
				return err
			}
			progressed = progressed || p
		}
		if !pending {
			break
		}
		if !progressed {
			return fmt.Errorf("%w: deferred-close deadlock at r%d", gitrepo.ErrFatal, info.Number)
		}
	}

	for _, repo := range imp.changed {
		if err := repo.EndRevision(); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes annotated tags, resolves gitlink placeholder maps and
// tears the process cache down so every fast-import flushes its marks
// file.
func (imp *Importer) Finish() error {
	names := make([]string, 0, len(imp.repositories))
	for name := range imp.repositories {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := imp.repositories[name].FinalizeTags(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := imp.cache.CloseAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	// Gitlink placeholders can only be resolved once the children's
	// marks files are flushed.
	for _, name := range names {
		if err := imp.writeGitlinkMap(imp.repositories[name]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreLogs puts truncated stream logs back, for runs that abort
// before reaching the previous tip.
func (imp *Importer) RestoreLogs() {
	for _, repo := range imp.repositories {
		if err := repo.RestoreLog(); err != nil {
			imp.log.Errorf("restore log of %s: %v", repo.Name(), err)
		}
	}
}
