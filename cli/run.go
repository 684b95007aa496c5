package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jopie64/Boost2Git/internal/config"
	"github.com/Jopie64/Boost2Git/internal/importer"
	"github.com/Jopie64/Boost2Git/internal/rules"
	"github.com/Jopie64/Boost2Git/internal/runstate"
	"github.com/Jopie64/Boost2Git/internal/svn"
)

// stateDBName is the run-state database kept next to the converted
// repositories.
const stateDBName = "boost2git-state.db"

var errCounter *config.ErrorCounter

func runImport(cmd *cobra.Command, args []string) error {
	log, counter := config.NewLogger(os.Stderr, logLevel())
	errCounter = counter

	log.Info("reading ruleset...")
	rs, err := rules.Load(opts.RulesFile)
	if err != nil {
		return err
	}
	log.Info("done reading ruleset.")

	imp := importer.New(nil, rs, nil, opts, log)
	if dumpRules {
		imp.Matcher().Dump(cmd.OutOrStdout())
		return nil
	}
	if matchPath != "" {
		rule := imp.Matcher().LongestMatch(matchPath, matchRev)
		if rule == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "The path wasn't matched\n")
			return fmt.Errorf("no rule matches %s", matchPath)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "The path was matched: %s\n", rule)
		return nil
	}

	if opts.SvnRepo == "" {
		return fmt.Errorf("--svnrepo is required")
	}

	var authors *svn.AuthorMap
	if opts.AuthorsFile != "" {
		authors, err = svn.LoadAuthorMap(opts.AuthorsFile)
		if err != nil {
			return err
		}
	}

	log.Infof("opening SVN repository at %s", opts.SvnRepo)
	src, err := svn.Open(opts.SvnRepo)
	if err != nil {
		return err
	}

	var state *runstate.DB
	if !opts.DryRun {
		state, err = runstate.Open(stateDBName)
		if err != nil {
			return err
		}
		defer state.Close()
		fingerprint, err := runstate.FingerprintRuleset(opts.RulesFile)
		if err != nil {
			return err
		}
		same, err := state.CheckRuleset(fingerprint)
		if err != nil {
			return err
		}
		if !same {
			log.Warn("ruleset changed since the previous run; incremental state may not line up")
		}
	}

	log.Info("preparing repositories and import processes...")
	imp = importer.New(src, rs, authors, opts, log)
	resume, err := imp.LastValidRevision()
	if err != nil {
		return err
	}

	maxRev := opts.MaxRev
	if maxRev < 1 {
		maxRev, err = src.LatestRevision()
		if err != nil {
			return err
		}
	}

	for rev := resume; rev <= maxRev; rev++ {
		if err := imp.ImportRevision(rev); err != nil {
			imp.RestoreLogs()
			if ferr := imp.Finish(); ferr != nil {
				log.Error(ferr)
			}
			return err
		}
	}

	if err := imp.Finish(); err != nil {
		return err
	}

	if opts.Coverage {
		reportCoverage(cmd, imp, state)
	}
	return nil
}

// reportCoverage prints per-rule match counts and persists them in the
// run-state database so repeated incremental runs aggregate.
func reportCoverage(cmd *cobra.Command, imp *importer.Importer, state *runstate.DB) {
	out := cmd.OutOrStdout()
	for _, entry := range imp.Matcher().Coverage() {
		total := uint64(entry.Count)
		if state != nil {
			if err := state.AddCoverage(entry.Rule.String(), entry.Count); err == nil {
				if sum, err := state.Coverage(entry.Rule.String()); err == nil {
					total = sum
				}
			}
		}
		fmt.Fprintf(out, "%8d  %s\n", total, entry.Rule)
	}
}
