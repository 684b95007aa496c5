// Package cli defines the boost2git command line.
package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jopie64/Boost2Git/internal/config"
)

var (
	opts = config.NewOptions()

	quiet        bool
	verbose      bool
	extraVerbose bool
	matchPath    string
	matchRev     int
	dumpRules    bool
)

var rootCmd = &cobra.Command{
	Use:   "boost2git",
	Short: "Convert a Subversion repository into Git repositories",
	Long: `boost2git replays Subversion history through a declarative ruleset and
emits git fast-import streams for every target repository, including
branches, tags, merges and cross-repository submodule updates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runImport,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.GitExecutable, "git", "git", "path to the Git executable used for git init (git fast-import is started as git from PATH)")
	flags.StringVar(&opts.SvnRepo, "svnrepo", "", "path to the svn repository or dump file")
	flags.StringVar(&opts.RulesFile, "rules", "", "file with the conversion rules")
	flags.StringVar(&opts.AuthorsFile, "authors", "", "map between svn usernames and email addresses")
	flags.IntVar(&opts.ResumeFrom, "resume-from", 0, "start importing at this svn revision number")
	flags.IntVar(&opts.MaxRev, "max-rev", 0, "stop importing at this svn revision number")
	flags.IntVar(&opts.CommitInterval, "commit-interval", config.DefaultCommitInterval, "flush the fast-import cache every this many commits")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "write no Git repositories")
	flags.BoolVar(&opts.AddMetadata, "add-metadata", false, "add svn commit info to each git commit message")
	flags.BoolVar(&opts.AddMetadataNotes, "add-metadata-notes", false, "add svn commit info as git notes")
	flags.BoolVar(&opts.Coverage, "coverage", false, "dump an analysis of rule coverage")
	flags.BoolVar(&opts.DebugRules, "debug-rules", false, "print what rule is used for each path")
	flags.BoolVar(&opts.SvnBranches, "svn-branches", false, "use the contents of SVN when creating branches")
	flags.BoolVar(&opts.ExitSuccess, "exit-success", false, "exit with 0 even if errors occurred")
	flags.BoolVar(&dumpRules, "dump-rules", false, "dump the contents of the rule trie and exit")
	flags.StringVar(&matchPath, "match-path", "", "path to match in a quick ruleset test")
	flags.IntVar(&matchRev, "match-rev", 0, "optional revision to match in a quick ruleset test")
	flags.BoolVarP(&quiet, "quiet", "q", false, "be quiet")
	flags.BoolVarP(&verbose, "verbose", "V", false, "be verbose")
	flags.BoolVarP(&extraVerbose, "extra-verbose", "X", false, "be even more verbose")

	rootCmd.MarkFlagRequired("rules")
	rootCmd.Version = "0.9"
}

// Execute runs the command line and exits the process with the
// appropriate status: 0 on a clean run, 1 when anything was logged at
// error level, unless --exit-success overrides it.
func Execute() {
	err := rootCmd.Execute()
	code := 0
	if err != nil {
		logrus.StandardLogger().Error(err)
		code = 1
	}
	if errCounter != nil && errCounter.Errors() > 0 {
		code = 1
	}
	if opts.ExitSuccess {
		code = 0
	}
	os.Exit(code)
}

func logLevel() logrus.Level {
	switch {
	case extraVerbose:
		return logrus.TraceLevel
	case verbose:
		return logrus.DebugLevel
	case quiet:
		return logrus.WarnLevel
	}
	return logrus.InfoLevel
}
