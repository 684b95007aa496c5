package fastimport

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestCommitHeaderFormat(t *testing.T) {
	var out, logSink bytes.Buffer
	ch := NewPipe(&out, nil, &logSink, testLogger())

	if err := ch.Commit("refs/heads/master", 1, "Alice <alice@example.com>", 1371238130, "add trunk"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := ch.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	want := "commit refs/heads/master\nmark :1\ncommitter Alice <alice@example.com> 1371238130 +0000\ndata 10\nadd trunk\n"
	if out.String() != want {
		t.Errorf("unexpected stream:\n%q\nwant:\n%q", out.String(), want)
	}
	if logSink.String() != want {
		t.Errorf("stream log should mirror the commit header, got %q", logSink.String())
	}
}

func TestResetFormat(t *testing.T) {
	var out bytes.Buffer
	ch := NewPipe(&out, nil, nil, testLogger())
	if err := ch.Reset("refs/heads/b", 7); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	ch.Flush()
	if out.String() != "reset refs/heads/b\nfrom :7\n\n" {
		t.Errorf("unexpected reset: %q", out.String())
	}
}

func TestWriteNoLogSkipsStreamLog(t *testing.T) {
	var out, logSink bytes.Buffer
	ch := NewPipe(&out, nil, &logSink, testLogger())
	if _, err := ch.WriteNoLog([]byte("blob\nmark :1048574\ndata 3\nhi\n")); err != nil {
		t.Fatalf("WriteNoLog failed: %v", err)
	}
	ch.Flush()
	if logSink.Len() != 0 {
		t.Errorf("blob payload leaked into the stream log: %q", logSink.String())
	}
	if !strings.Contains(out.String(), "data 3\nhi\n") {
		t.Errorf("blob missing from stream: %q", out.String())
	}
}

func TestReadLineSkipsProgressEchoes(t *testing.T) {
	responses := strings.NewReader(
		"progress SVN r1 branch refs/heads/master = :1\n" +
			"\n" +
			"040000 tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\t\n")
	ch := NewPipe(io.Discard, responses, nil, testLogger())

	line, err := ch.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	sha, ok := ParseLsResponse(line)
	if !ok {
		t.Fatalf("response not parseable: %q", line)
	}
	if sha != "4b825dc642cb6eb9a060e54bf8d69288fbee4904" {
		t.Errorf("unexpected sha %s", sha)
	}
}

func TestParseLsResponseRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"missing .gitmodules",
		"040000 tree short\tpath",
		"040000 tree ZZ25dc642cb6eb9a060e54bf8d69288fbee4904\tx",
	} {
		if _, ok := ParseLsResponse(line); ok {
			t.Errorf("expected %q to be rejected", line)
		}
	}
}

func writeMarksFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marks-test")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLastValidMark(t *testing.T) {
	path := writeMarksFile(t,
		":1 1111111111111111111111111111111111111111",
		":2 2222222222222222222222222222222222222222",
		":3 3333333333333333333333333333333333333333")
	if got := LastValidMark(path, testLogger()); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestLastValidMarkStopsAtGap(t *testing.T) {
	path := writeMarksFile(t,
		":1 1111111111111111111111111111111111111111",
		":2 2222222222222222222222222222222222222222",
		":5 5555555555555555555555555555555555555555")
	if got := LastValidMark(path, testLogger()); got != 2 {
		t.Errorf("expected the gap to stop the scan at 2, got %d", got)
	}
}

func TestLastValidMarkCorruption(t *testing.T) {
	for name, lines := range map[string][]string{
		"duplicate": {
			":1 1111111111111111111111111111111111111111",
			":1 1111111111111111111111111111111111111111",
		},
		"unsorted": {
			":2 2222222222222222222222222222222222222222",
			":1 1111111111111111111111111111111111111111",
		},
		"malformed": {"not a mark line"},
	} {
		path := writeMarksFile(t, lines...)
		if got := LastValidMark(path, testLogger()); got != 0 {
			t.Errorf("%s: expected corruption to yield 0, got %d", name, got)
		}
	}
}

func TestLastValidMarkMissingFile(t *testing.T) {
	if got := LastValidMark(filepath.Join(t.TempDir(), "nope"), testLogger()); got != 0 {
		t.Errorf("expected 0 for a missing file, got %d", got)
	}
}

func TestReadMarks(t *testing.T) {
	path := writeMarksFile(t,
		":1 1111111111111111111111111111111111111111",
		":7 7777777777777777777777777777777777777777")
	marks, err := ReadMarks(path)
	if err != nil {
		t.Fatalf("ReadMarks failed: %v", err)
	}
	if marks[7] != "7777777777777777777777777777777777777777" {
		t.Errorf("unexpected marks %v", marks)
	}
}

type fakeProc struct {
	name   string
	closed *[]string
}

func (f *fakeProc) CloseFastImport() error {
	*f.closed = append(*f.closed, f.name)
	return nil
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var closed []string
	a := &fakeProc{"a", &closed}
	b := &fakeProc{"b", &closed}
	c := &fakeProc{"c", &closed}

	cache := NewCache(2)
	cache.Touch(a)
	cache.Touch(b)
	cache.Touch(a) // refresh a; b is now oldest
	cache.Touch(c)

	if len(closed) != 1 || closed[0] != "b" {
		t.Fatalf("expected b evicted, got %v", closed)
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 live processes, got %d", cache.Len())
	}

	cache.CloseAll()
	if len(closed) != 3 {
		t.Errorf("expected all processes closed, got %v", closed)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache after CloseAll")
	}
}
