// Package match implements the longest-prefix rule matcher. Rules are
// compiled into a trie keyed by SVN path components; a lookup descends
// as far as possible and picks the deepest rule whose revision window
// contains the queried revision.
package match

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Jopie64/Boost2Git/internal/rules"
)

// Rule is one compiled (repo, branch/tag, content) combination.
type Rule struct {
	Repo    *rules.RepoRule
	Branch  *rules.BranchRule
	Content *rules.ContentRule

	// Prefix is the full SVN prefix this rule matches, with no
	// leading or trailing slash. The branch part of the prefix is
	// Branch.SvnPath; the remainder comes from Content.SvnPath.
	Prefix string
	MinRev int
	MaxRev int
	Index  int
}

// Matches reports whether the rule window contains rev.
func (r *Rule) Matches(rev int) bool {
	return r.MinRev <= rev && rev <= r.MaxRev
}

// RefName is the full Git ref the rule targets.
func (r *Rule) RefName() string { return r.Branch.RefName() }

// GitPath maps an SVN path matched by this rule to the destination
// path inside the target repository.
func (r *Rule) GitPath(svnPath string) string {
	suffix := strings.Trim(strings.TrimPrefix(svnPath, r.Prefix), "/")
	if r.Content == nil {
		return suffix
	}
	return joinPath(r.Content.GitPath, suffix)
}

func (r *Rule) String() string {
	gitPath := ""
	if r.Content != nil {
		gitPath = r.Content.GitPath
	}
	return fmt.Sprintf("%s -> %s %s %s [r%d:r%d]",
		r.Prefix, r.Repo.Name, r.RefName(), gitPath, r.MinRev, r.MaxRev)
}

func joinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "/" + b
}

type node struct {
	children map[string]*node
	rules    []*Rule
}

func (n *node) child(component string) *node {
	c, ok := n.children[component]
	if !ok {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		c = &node{}
		n.children[component] = c
	}
	return c
}

// Matcher answers longest-prefix queries over the compiled ruleset.
type Matcher struct {
	root     node
	all      []*Rule
	branches []*Rule // one entry per (repo, branch/tag rule): the branch roots
	coverage map[*Rule]int
}

// NewMatcher compiles every concrete repo rule of the ruleset.
// Abstract repos contribute only through bases, which the ruleset has
// already folded in.
func NewMatcher(rs *rules.Ruleset) *Matcher {
	m := &Matcher{coverage: make(map[*Rule]int)}
	index := 0
	for i := range rs.Repos {
		repo := &rs.Repos[i]
		if repo.Abstract {
			continue
		}
		for _, group := range [][]rules.BranchRule{repo.Branches, repo.Tags} {
			for j := range group {
				branch := &group[j]
				minRev := maxInt(repo.MinRev, branch.MinRev)
				maxRev := minInt(repo.MaxRev, branch.MaxRev)
				if minRev > maxRev {
					continue
				}
				// The branch root itself, for whole-branch copy and
				// delete detection; not part of the content trie.
				m.branches = append(m.branches, &Rule{
					Repo:   repo,
					Branch: branch,
					Prefix: branch.SvnPath,
					MinRev: minRev,
					MaxRev: maxRev,
					Index:  index,
				})
				index++
				for k := range repo.Content {
					content := &repo.Content[k]
					rule := &Rule{
						Repo:    repo,
						Branch:  branch,
						Content: content,
						Prefix:  joinPath(branch.SvnPath, content.SvnPath),
						MinRev:  minRev,
						MaxRev:  maxRev,
						Index:   index,
					}
					index++
					m.insert(rule)
				}
			}
		}
	}
	return m
}

func (m *Matcher) insert(rule *Rule) {
	n := &m.root
	for _, component := range splitPath(rule.Prefix) {
		n = n.child(component)
	}
	n.rules = append(n.rules, rule)
	m.all = append(m.all, rule)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// LongestMatch returns the best rule for (svnPath, rev), or nil when no
// rule matches. Deeper prefixes win; ties break by declaration order.
func (m *Matcher) LongestMatch(svnPath string, rev int) *Rule {
	n := &m.root
	best := pickRule(n.rules, rev)
	for _, component := range splitPath(svnPath) {
		c, ok := n.children[component]
		if !ok {
			break
		}
		n = c
		if r := pickRule(n.rules, rev); r != nil {
			best = r
		}
	}
	if best != nil {
		m.coverage[best]++
	}
	return best
}

func pickRule(candidates []*Rule, rev int) *Rule {
	var best *Rule
	for _, r := range candidates {
		if !r.Matches(rev) {
			continue
		}
		if best == nil || r.Index < best.Index {
			best = r
		}
	}
	return best
}

// BranchRulesAt returns the branch-root rules whose SVN prefix is
// exactly svnPath and whose window contains rev. The dispatcher uses
// this to recognize whole-branch copies and deletions.
func (m *Matcher) BranchRulesAt(svnPath string, rev int) []*Rule {
	svnPath = strings.Trim(svnPath, "/")
	var out []*Rule
	for _, r := range m.branches {
		if r.Branch.SvnPath == svnPath && r.Matches(rev) {
			out = append(out, r)
		}
	}
	return out
}

// BranchesUnder returns branch-root rules whose SVN prefix lies at or
// below svnPath, for tree deletions that wipe several branches at once.
func (m *Matcher) BranchesUnder(svnPath string, rev int) []*Rule {
	svnPath = strings.Trim(svnPath, "/")
	var out []*Rule
	for _, r := range m.branches {
		if !r.Matches(rev) {
			continue
		}
		if svnPath == "" || r.Branch.SvnPath == svnPath ||
			strings.HasPrefix(r.Branch.SvnPath, svnPath+"/") {
			out = append(out, r)
		}
	}
	return out
}

// RulesUnder returns every rule whose prefix lies strictly below
// svnPath and whose window contains rev, in declaration order. A tree
// deletion of svnPath wipes each of these rules' targets.
func (m *Matcher) RulesUnder(svnPath string, rev int) []*Rule {
	svnPath = strings.Trim(svnPath, "/")
	var out []*Rule
	for _, r := range m.all {
		if !r.Matches(rev) {
			continue
		}
		if svnPath == "" && r.Prefix != "" ||
			svnPath != "" && strings.HasPrefix(r.Prefix, svnPath+"/") {
			out = append(out, r)
		}
	}
	return out
}

// Dump writes a human-readable rendering of the rule trie.
func (m *Matcher) Dump(w io.Writer) {
	m.dumpNode(w, &m.root, "", 0)
}

func (m *Matcher) dumpNode(w io.Writer, n *node, name string, depth int) {
	indent := strings.Repeat("  ", depth)
	if name != "" {
		fmt.Fprintf(w, "%s%s/\n", indent, name)
	}
	for _, r := range n.rules {
		fmt.Fprintf(w, "%s  = %s\n", indent, r)
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		m.dumpNode(w, n.children[c], c, depth+1)
	}
}

// Coverage returns per-rule match counts, ordered by declaration.
func (m *Matcher) Coverage() []CoverageEntry {
	out := make([]CoverageEntry, 0, len(m.all))
	for _, r := range m.all {
		out = append(out, CoverageEntry{Rule: r, Count: m.coverage[r]})
	}
	return out
}

// CoverageEntry pairs a rule with the number of paths it matched.
type CoverageEntry struct {
	Rule  *Rule
	Count int
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
