// Package rules loads and validates the declarative ruleset that maps
// SVN paths to Git repositories, refs and paths.
package rules

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// UnboundedRev is used for rules with no upper revision limit.
const UnboundedRev = math.MaxInt32

// ContentRule maps an SVN subtree (relative to the matched branch root)
// to a destination prefix inside the target Git repository.
type ContentRule struct {
	SvnPath string `toml:"svn"`
	GitPath string `toml:"git"`
	Line    int    `toml:"-"`
}

// BranchRule declares that an SVN prefix holds a branch or tag.
type BranchRule struct {
	MinRev    int    `toml:"minrev"`
	MaxRev    int    `toml:"maxrev"`
	SvnPath   string `toml:"svn"`
	Name      string `toml:"name"`
	Qualifier string `toml:"qualifier"`
	Line      int    `toml:"-"`
}

// RefName returns the full Git ref name for the rule, always of the
// form refs/heads/... or refs/tags/...
func (b *BranchRule) RefName() string {
	return b.Qualifier + b.Name
}

// IsTag reports whether the rule produces a tag ref.
func (b *BranchRule) IsTag() bool {
	return strings.HasPrefix(b.Qualifier, "refs/tags/")
}

// RepoRule groups the content, branch and tag rules of one target Git
// repository. An abstract rule contributes rules to its descendants via
// Bases but is never instantiated as a repository.
type RepoRule struct {
	Abstract      bool          `toml:"abstract"`
	Name          string        `toml:"name"`
	Bases         []string      `toml:"bases"`
	SubmoduleOf   string        `toml:"submodule_of"`
	SubmodulePath string        `toml:"submodule_path"`
	MinRev        int           `toml:"minrev"`
	MaxRev        int           `toml:"maxrev"`
	Content       []ContentRule `toml:"content"`
	Branches      []BranchRule  `toml:"branch"`
	Tags          []BranchRule  `toml:"tag"`
	Line          int           `toml:"-"`
}

// Ruleset is the decoded and validated rule file.
type Ruleset struct {
	SubmoduleURLTemplate string     `toml:"submodule_url_template"`
	Repos                []RepoRule `toml:"repo"`

	byName map[string]*RepoRule
}

// DefaultSubmoduleURLTemplate is used when the rule file does not set
// submodule_url_template. {} is replaced by the submodule repo name.
const DefaultSubmoduleURLTemplate = "http://github.com/boostorg/{}"

// Load reads, decodes and validates a ruleset file.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes and validates ruleset text.
func Parse(text string) (*Ruleset, error) {
	var rs Ruleset
	meta, err := toml.Decode(text, &rs)
	if err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	for _, key := range meta.Undecoded() {
		return nil, fmt.Errorf("ruleset: unknown key %q", key.String())
	}
	if rs.SubmoduleURLTemplate == "" {
		rs.SubmoduleURLTemplate = DefaultSubmoduleURLTemplate
	}
	if err := rs.normalize(); err != nil {
		return nil, err
	}
	if err := rs.resolveBases(); err != nil {
		return nil, err
	}
	if err := rs.checkSubmoduleGraph(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Repo returns the repo rule with the given name, or nil.
func (rs *Ruleset) Repo(name string) *RepoRule {
	return rs.byName[name]
}

// SubmoduleURL renders the configured URL template for a repo name.
func (rs *Ruleset) SubmoduleURL(name string) string {
	return strings.ReplaceAll(rs.SubmoduleURLTemplate, "{}", name)
}

func (rs *Ruleset) normalize() error {
	rs.byName = make(map[string]*RepoRule, len(rs.Repos))
	for i := range rs.Repos {
		repo := &rs.Repos[i]
		if repo.Name == "" {
			return fmt.Errorf("ruleset: repo #%d has no name", i+1)
		}
		if _, dup := rs.byName[repo.Name]; dup {
			return fmt.Errorf("ruleset: duplicate repo rule %q", repo.Name)
		}
		rs.byName[repo.Name] = repo
		if repo.MinRev == 0 {
			repo.MinRev = 1
		}
		if repo.MaxRev == 0 {
			repo.MaxRev = UnboundedRev
		}
		if (repo.SubmoduleOf == "") != (repo.SubmodulePath == "") {
			return fmt.Errorf("ruleset: repo %q must set both submodule_of and submodule_path or neither", repo.Name)
		}
		for j := range repo.Branches {
			normalizeBranchRule(&repo.Branches[j], "refs/heads/")
		}
		for j := range repo.Tags {
			normalizeBranchRule(&repo.Tags[j], "refs/tags/")
		}
		for j := range repo.Content {
			repo.Content[j].SvnPath = trimSlashes(repo.Content[j].SvnPath)
			repo.Content[j].GitPath = trimSlashes(repo.Content[j].GitPath)
		}
	}
	return nil
}

func normalizeBranchRule(b *BranchRule, defaultQualifier string) {
	if b.Qualifier == "" {
		b.Qualifier = defaultQualifier
	}
	if b.MinRev == 0 {
		b.MinRev = 1
	}
	if b.MaxRev == 0 {
		b.MaxRev = UnboundedRev
	}
	b.SvnPath = trimSlashes(b.SvnPath)
}

func trimSlashes(p string) string {
	return strings.Trim(p, "/")
}

// resolveBases folds the content/branch/tag rules of every transitive
// base into each repo rule. Cycles are an error.
func (rs *Ruleset) resolveBases() error {
	state := make(map[string]int, len(rs.Repos)) // 0 unvisited, 1 in progress, 2 done
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		repo, ok := rs.byName[name]
		if !ok {
			return fmt.Errorf("ruleset: unknown base repo %q", name)
		}
		switch state[name] {
		case 1:
			return fmt.Errorf("ruleset: base cycle: %s", strings.Join(append(trail, name), " -> "))
		case 2:
			return nil
		}
		state[name] = 1
		for _, base := range repo.Bases {
			if err := visit(base, append(trail, name)); err != nil {
				return err
			}
			b := rs.byName[base]
			repo.Content = append(repo.Content, b.Content...)
			repo.Branches = append(repo.Branches, b.Branches...)
			repo.Tags = append(repo.Tags, b.Tags...)
		}
		state[name] = 2
		return nil
	}
	for i := range rs.Repos {
		if err := visit(rs.Repos[i].Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// checkSubmoduleGraph verifies that super/submodule edges reference
// known, concrete repos and form a DAG.
func (rs *Ruleset) checkSubmoduleGraph() error {
	for i := range rs.Repos {
		repo := &rs.Repos[i]
		if repo.SubmoduleOf == "" {
			continue
		}
		super, ok := rs.byName[repo.SubmoduleOf]
		if !ok {
			return fmt.Errorf("ruleset: repo %q is a submodule of unknown repo %q", repo.Name, repo.SubmoduleOf)
		}
		if super.Abstract {
			return fmt.Errorf("ruleset: repo %q is a submodule of abstract repo %q", repo.Name, repo.SubmoduleOf)
		}
		// walk up; a repeated name is a cycle
		seen := []string{repo.Name}
		for cur := repo; cur.SubmoduleOf != ""; {
			next := rs.byName[cur.SubmoduleOf]
			for _, s := range seen {
				if s == next.Name {
					return fmt.Errorf("ruleset: submodule cycle: %s -> %s", strings.Join(seen, " -> "), next.Name)
				}
			}
			seen = append(seen, next.Name)
			cur = next
		}
	}
	return nil
}
