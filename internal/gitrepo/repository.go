// Package gitrepo drives one target Git repository: its refs, its
// fast-import channel, mark allocation, the open/close commit protocol,
// branch creation and deletion with backups, annotated tags, and the
// submodule bookkeeping shared with a super-module repository.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/sirupsen/logrus"

	"github.com/Jopie64/Boost2Git/internal/config"
	"github.com/Jopie64/Boost2Git/internal/fastimport"
	"github.com/Jopie64/Boost2Git/internal/rules"
)

// MaxMark bounds the mark space: commit marks grow up from zero, file
// marks shrink down from MaxMark. Some versions of git fast-import
// misbehave with larger marks.
const MaxMark = 1<<20 - 2

// maxMergeParents is the fast-import limit on parents per commit.
const maxMergeParents = 16

// ErrFatal tags conditions that must abort the whole run.
var ErrFatal = errors.New("fatal")

// emptyTreeSHA is the hash of the empty tree; it shows up when a
// branch's whole content is deleted.
const emptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Repository owns one target Git repository and its fast-import
// channel.
type Repository struct {
	name   string
	gitDir string
	log    *logrus.Logger
	opts   *config.Options
	cache  *fastimport.Cache
	rules  *rules.Ruleset
	ch     *fastimport.Channel

	refs         map[string]*Ref
	modifiedRefs []*Ref // insertion order; the last entry opens first
	currentRef   *Ref
	lsSent       bool

	lastCommitMark int
	nextFileMark   int
	commitCount    int

	transactions map[string]*Transaction

	deletedBranches *linkedhashmap.Map // ref name -> staged command string
	resetBranches   *linkedhashmap.Map

	annotatedTags *linkedhashmap.Map // tag name -> *AnnotatedTag

	superModule           *Repository
	submodulePath         string
	hasSubmodules         bool
	modifiedSubmoduleRefs int

	incremental bool
}

// NewRepository creates the repository state for one concrete repo
// rule, creating the bare Git directory on disk unless dry-run.
func NewRepository(rule *rules.RepoRule, rs *rules.Ruleset, opts *config.Options, cache *fastimport.Cache, log *logrus.Logger) (*Repository, error) {
	r := &Repository{
		name:            rule.Name,
		gitDir:          rule.Name,
		log:             log,
		opts:            opts,
		cache:           cache,
		rules:           rs,
		refs:            make(map[string]*Ref),
		nextFileMark:    MaxMark,
		transactions:    make(map[string]*Transaction),
		deletedBranches: linkedhashmap.New(),
		resetBranches:   linkedhashmap.New(),
		annotatedTags:   linkedhashmap.New(),
	}
	r.ch = fastimport.New(rule.Name, r.gitDir, log)

	for i := range rule.Branches {
		r.DemandRef(rule.Branches[i].RefName())
	}
	// The default branch is considered present from the start.
	master := r.DemandRef("refs/heads/master")
	master.lastChangeRev = 1

	if !opts.DryRun {
		if err := r.ensureExistence(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Name returns the repository rule name.
func (r *Repository) Name() string { return r.name }

// SuperModule returns the repository this one is mounted in as a
// submodule, or nil.
func (r *Repository) SuperModule() *Repository { return r.superModule }

// GitDir returns the repository directory.
func (r *Repository) GitDir() string { return r.gitDir }

// SetChannel replaces the fast-import channel; tests install pipe
// channels here.
func (r *Repository) SetChannel(ch *fastimport.Channel) { r.ch = ch }

// ensureExistence creates the bare repository and seeds an empty marks
// file the first time a repo is referenced.
func (r *Repository) ensureExistence() error {
	if _, err := os.Stat(r.gitDir); err == nil {
		return nil
	}
	r.log.Debugf("creating new repository %s", r.name)
	if err := os.MkdirAll(r.gitDir, 0755); err != nil {
		return fmt.Errorf("create git dir: %w", err)
	}
	cmd := exec.Command(r.opts.GitExecutable, "init", "--bare", "--quiet")
	cmd.Dir = r.gitDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init %s: %v: %s", r.gitDir, err, out)
	}
	marks := filepath.Join(r.gitDir, fastimport.MarksFileName(r.name))
	if err := os.WriteFile(marks, nil, 0644); err != nil {
		return fmt.Errorf("seed marks file: %w", err)
	}
	return nil
}

// SetSuperModule links this repository as a submodule of super at
// submodulePath. Conflicting declarations abort the run.
func (r *Repository) SetSuperModule(super *Repository, submodulePath string) error {
	if super == nil {
		return nil
	}
	if r.superModule != nil {
		if r.superModule != super {
			return fmt.Errorf("%w: conflicting super-module specifications for %s", ErrFatal, r.name)
		}
		if r.submodulePath != submodulePath {
			return fmt.Errorf("%w: conflicting submodule path declarations for %s", ErrFatal, r.name)
		}
	}
	r.superModule = super
	r.submodulePath = submodulePath
	super.hasSubmodules = true
	return nil
}

// DemandRef returns the ref with the given name, creating it lazily.
func (r *Repository) DemandRef(name string) *Ref {
	if ref, ok := r.refs[name]; ok {
		return ref
	}
	ref := newRef(name)
	r.refs[name] = ref
	return ref
}

// Ref returns an existing ref or nil.
func (r *Repository) Ref(name string) *Ref {
	return r.refs[name]
}

func (r *Repository) isModified(ref *Ref) bool {
	for _, have := range r.modifiedRefs {
		if have == ref {
			return true
		}
	}
	return false
}

// ModifyRef marks a ref dirty for the current revision. When the ref
// is not dirty yet and discovery is disallowed, nil is returned and
// nothing changes. Dirtying a ref of a submodule repository also
// dirties the same-named ref of the super-module.
func (r *Repository) ModifyRef(name string, allowDiscovery bool) *Ref {
	ref := r.DemandRef(name)
	if r.isModified(ref) {
		return ref
	}
	if !allowDiscovery {
		return nil
	}
	r.log.Tracef("in Git repo %s, marking %s for modification", r.name, name)
	r.modifiedRefs = append(r.modifiedRefs, ref)

	if r.superModule != nil {
		r.superModule.modifiedSubmoduleRefs++
		if superRef := r.superModule.ModifyRef(name, allowDiscovery); superRef != nil {
			superRef.rewriteDotGitmodules = true
		}
	}
	return ref
}

// HasModifiedRefs reports whether any ref still has uncommitted state
// for the current revision.
func (r *Repository) HasModifiedRefs() bool {
	return len(r.modifiedRefs) > 0 || r.currentRef != nil
}

// DeferClose reports whether commits of this repository must wait.
// A repository with submodules cannot open or close its commit while
// changes are still being discovered or while any child ref remains
// unclosed, because the gitlink content depends on the children's
// final marks.
func (r *Repository) DeferClose(discoverChanges bool) bool {
	if !r.hasSubmodules {
		return false
	}
	return discoverChanges || r.modifiedSubmoduleRefs != 0
}

// startFastImport touches the process cache and (re)starts the child
// if needed, reloading branch tips on a fresh start.
func (r *Repository) startFastImport() error {
	if err := r.cache.Touch(r); err != nil {
		return err
	}
	if r.ch.Running() {
		return nil
	}
	if r.opts.DryRun {
		r.ch = fastimport.NewPipe(io.Discard, nil, nil, r.log)
	} else if err := r.ch.Start(); err != nil {
		return err
	}
	return r.reloadBranches()
}

// reloadBranches resets every known ref to its last mark so a freshly
// started fast-import sees current branch tips.
func (r *Repository) reloadBranches() error {
	resetNotes := false
	for name, ref := range r.refs {
		if !strings.HasPrefix(name, "refs/") {
			return fmt.Errorf("%w: ref %q does not start with refs/", ErrFatal, name)
		}
		last := ref.LastMark()
		if last == 0 {
			continue
		}
		resetNotes = true
		if err := r.ch.WriteString(fmt.Sprintf(
			"reset %s\nfrom :%d\n\nprogress Branch %s reloaded\n", name, last, name)); err != nil {
			return err
		}
	}
	if resetNotes && r.opts.AddMetadataNotes {
		if err := r.ch.WriteString(fmt.Sprintf(
			"reset refs/notes/commits\nfrom :%d\n", MaxMark+1)); err != nil {
			return err
		}
	}
	return nil
}

// CloseFastImport shuts down the child process and removes the repo
// from the process cache.
func (r *Repository) CloseFastImport() error {
	var err error
	if r.ch.Running() {
		err = r.ch.Close()
	}
	r.cache.Remove(r)
	return err
}

// RecordAncestor queues a merge of srcRefName@srcRev into dst; the
// merge line is emitted when dst's next commit opens.
func (r *Repository) RecordAncestor(dst *Ref, srcRefName string, srcRev int) {
	src := r.DemandRef(srcRefName)
	dst.recordMerge(src, srcRev)
}

// allocateCommitMark takes the next commit mark, aborting the run when
// the upward and downward counters are about to collide.
func (r *Repository) allocateCommitMark() (int, error) {
	mark := r.lastCommitMark + 1
	if mark >= r.nextFileMark-1 {
		return 0, fmt.Errorf("%w: mark space exhausted in repository %s", ErrFatal, r.name)
	}
	r.lastCommitMark = mark
	return mark, nil
}

// allocateFileMark takes the next blob mark from the top of the mark
// space.
func (r *Repository) allocateFileMark() (int, error) {
	mark := r.nextFileMark
	if mark <= r.lastCommitMark+1 {
		return 0, fmt.Errorf("%w: mark space exhausted in repository %s", ErrFatal, r.name)
	}
	r.nextFileMark--
	return mark, nil
}

// EndRevision verifies all refs closed and resets the per-revision
// file-mark counter; no file blob outlives its revision.
func (r *Repository) EndRevision() error {
	if r.HasModifiedRefs() {
		return fmt.Errorf("%w: repository %s still has open refs at end of revision", ErrFatal, r.name)
	}
	r.transactions = make(map[string]*Transaction)
	r.nextFileMark = MaxMark
	return nil
}
