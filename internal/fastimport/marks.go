package fastimport

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// LastValidMark scans a marks file and returns the highest mark of the
// leading gap-free run. A corrupt file (malformed entry, duplicate, or
// out-of-order mark) yields 0, which disables incremental mode for the
// repository.
func LastValidMark(path string, log *logrus.Logger) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	prev := 0
	lineno := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		mark := parseMarkLine(line)
		if mark == 0 {
			log.Warnf("%s line %d: marks file corrupt?", path, lineno)
			return 0
		}
		if mark == prev {
			log.Warnf("%s line %d: marks file has duplicates", path, lineno)
			return 0
		}
		if mark < prev {
			log.Warnf("%s line %d: marks file not sorted", path, lineno)
			return 0
		}
		if mark > prev+1 {
			break
		}
		prev = mark
	}
	return prev
}

// parseMarkLine extracts the mark of a ":<mark> <sha>" line, or 0.
func parseMarkLine(line string) int {
	if !strings.HasPrefix(line, ":") {
		return 0
	}
	markStr, _, ok := strings.Cut(line[1:], " ")
	if !ok {
		return 0
	}
	mark, err := strconv.Atoi(markStr)
	if err != nil {
		return 0
	}
	return mark
}

// ReadMarks loads every valid entry of a marks file into a mark→SHA
// map, for resolving gitlink placeholders after an import.
func ReadMarks(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open marks file: %w", err)
	}
	defer f.Close()

	marks := make(map[int]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		mark := parseMarkLine(line)
		if mark == 0 {
			continue
		}
		_, sha, _ := strings.Cut(line[1:], " ")
		if len(sha) == 40 {
			marks[mark] = sha
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read marks file: %w", err)
	}
	return marks, nil
}
