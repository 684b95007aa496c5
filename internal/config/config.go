// Package config holds the process-wide options record and logging
// setup shared by every component of the importer.
package config

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Options is the parsed command line. One instance is created by the
// CLI and passed down explicitly; there are no hidden singletons.
type Options struct {
	GitExecutable    string
	SvnRepo          string
	RulesFile        string
	AuthorsFile      string
	ResumeFrom       int
	MaxRev           int
	CommitInterval   int
	DryRun           bool
	AddMetadata      bool
	AddMetadataNotes bool
	Coverage         bool
	DebugRules       bool
	SvnBranches      bool
	ExitSuccess      bool
}

// DefaultCommitInterval is how many transactions pass between
// checkpoint commands.
const DefaultCommitInterval = 10000

// NewOptions returns an options record with defaults applied.
func NewOptions() *Options {
	return &Options{
		GitExecutable:  "git",
		CommitInterval: DefaultCommitInterval,
	}
}

// ErrorCounter is a logrus hook counting Error-level entries, so the
// process exit code can reflect whether anything went wrong during the
// run.
type ErrorCounter struct {
	count atomic.Int64
}

// Levels implements logrus.Hook.
func (c *ErrorCounter) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

// Fire implements logrus.Hook.
func (c *ErrorCounter) Fire(*logrus.Entry) error {
	c.count.Add(1)
	return nil
}

// Errors returns how many error entries were logged.
func (c *ErrorCounter) Errors() int64 {
	return c.count.Load()
}

// NewLogger builds the process logger at the requested verbosity and
// attaches an error counter to it.
func NewLogger(out io.Writer, level logrus.Level) (*logrus.Logger, *ErrorCounter) {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	counter := &ErrorCounter{}
	log.AddHook(counter)
	return log, counter
}
