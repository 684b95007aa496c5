package gitrepo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Jopie64/Boost2Git/internal/fastimport"
)

// progressRe matches the authoritative resume lines of the per-repo
// stream log. Anything after # is a comment.
var progressRe = regexp.MustCompile(`^progress SVN r(\d+) branch (.+) = :(\d+)\s*$`)

// ScanLog reads the repository's stream log without touching any ref
// state, lowering cutoff when it finds a progress entry whose mark the
// marks file never recorded (a previous run was interrupted
// mid-commit). It returns the last revision recorded before the
// cutoff.
func (r *Repository) ScanLog(cutoff *int) (int, error) {
	logPath := fastimport.LogFileName(r.name)
	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open stream log: %w", err)
	}
	defer f.Close()

	marksPath := filepath.Join(r.gitDir, fastimport.MarksFileName(r.name))
	lastValidMark := fastimport.LastValidMark(marksPath, r.log)

	lastRevnum := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := parseProgressLine(scanner.Text())
		if entry == nil {
			continue
		}
		if entry.revnum >= *cutoff {
			break
		}
		if entry.mark > lastValidMark {
			r.log.Warnf("%s unknown commit mark found: rewinding -- did you hit Ctrl-C?", r.name)
			*cutoff = entry.revnum
			break
		}
		lastRevnum = entry.revnum
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan stream log: %w", err)
	}
	return lastRevnum, nil
}

// LoadIncremental replays the stream log up to (but excluding) cutoff,
// restoring ref marks and the commit-mark counter, and truncates the
// log at the first entry at or after the cutoff, keeping a .old backup.
// It returns the first revision this repository still needs.
func (r *Repository) LoadIncremental(cutoff int) (int, error) {
	logPath := fastimport.LogFileName(r.name)
	f, err := os.OpenFile(logPath, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open stream log: %w", err)
	}
	defer f.Close()

	bkup := logPath + ".old"
	lastRevnum := 0
	var pos, lineStart int64
	truncate := false

	reader := bufio.NewReader(f)
	for {
		lineStart = pos
		line, rerr := reader.ReadString('\n')
		pos += int64(len(line))
		if len(line) == 0 && rerr != nil {
			break
		}
		entry := parseProgressLine(line)
		if entry != nil {
			if entry.revnum >= cutoff {
				truncate = true
				break
			}
			if entry.revnum < lastRevnum {
				r.log.Warnf("%s revision numbers are not monotonic: got %d and then %d",
					r.name, lastRevnum, entry.revnum)
			}
			lastRevnum = entry.revnum

			if r.lastCommitMark < entry.mark {
				r.lastCommitMark = entry.mark
			}
			ref := r.DemandRef(entry.branch)
			if !ref.Exists() || entry.mark == 0 {
				ref.lastChangeRev = entry.revnum
			}
			ref.putMark(entry.revnum, entry.mark)
		}
		if rerr != nil {
			break
		}
	}

	r.incremental = lastRevnum > 0 || r.lastCommitMark > 0

	if !truncate {
		resume := lastRevnum + 1
		if resume == cutoff {
			// A stale backup would confuse RestoreLog later.
			os.Remove(bkup)
		}
		return resume, nil
	}

	// Truncating: keep a backup so an aborted run can restore it.
	os.Remove(bkup)
	if err := copyFile(logPath, bkup); err != nil {
		return 0, fmt.Errorf("back up stream log: %w", err)
	}
	r.log.Debugf("%s truncating history to revision %d", r.name, cutoff)
	if err := f.Truncate(lineStart); err != nil {
		return 0, fmt.Errorf("truncate stream log: %w", err)
	}
	return cutoff, nil
}

type progressEntry struct {
	revnum int
	branch string
	mark   int
}

func parseProgressLine(line string) *progressEntry {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	revnum, err1 := strconv.Atoi(m[1])
	mark, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return nil
	}
	return &progressEntry{revnum: revnum, branch: m[2], mark: mark}
}

// RestoreLog reinstates the pre-truncation backup, for runs that abort
// before reaching the previous tip.
func (r *Repository) RestoreLog() error {
	logPath := fastimport.LogFileName(r.name)
	bkup := logPath + ".old"
	if _, err := os.Stat(bkup); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("restore stream log: %w", err)
	}
	if err := os.Rename(bkup, logPath); err != nil {
		return fmt.Errorf("restore stream log: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
