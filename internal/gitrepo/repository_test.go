package gitrepo

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Jopie64/Boost2Git/internal/config"
	"github.com/Jopie64/Boost2Git/internal/fastimport"
	"github.com/Jopie64/Boost2Git/internal/rules"
)

// chdirT changes the working directory to dir and restores the previous
// directory when the test completes (equivalent to testing.T.Chdir, which
// requires a newer Go toolchain than this module currently builds with).
func chdirT(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testRepo builds a repository in a temp working directory with a pipe
// channel; out captures the fast-import stream and responses feeds the
// ls round-trips.
func testRepo(t *testing.T, name string, responses string) (*Repository, *bytes.Buffer) {
	t.Helper()
	chdirT(t, t.TempDir())
	return testRepoIn(t, name, responses)
}

func testRepoIn(t *testing.T, name string, responses string) (*Repository, *bytes.Buffer) {
	t.Helper()
	if err := os.MkdirAll(name, 0755); err != nil {
		t.Fatal(err)
	}
	rule := &rules.RepoRule{Name: name}
	rs := &rules.Ruleset{SubmoduleURLTemplate: rules.DefaultSubmoduleURLTemplate}
	repo, err := NewRepository(rule, rs, config.NewOptions(), fastimport.NewCache(10), testLogger())
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	var out bytes.Buffer
	repo.SetChannel(fastimport.NewPipe(&out, strings.NewReader(responses), nil, testLogger()))
	return repo, &out
}

func lsResponse(sha string) string {
	return fmt.Sprintf("040000 tree %s\t\n", sha)
}

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// runRevision drives the full open/close protocol for one repository.
func runRevision(t *testing.T, repo *Repository, rev *RevisionInfo) {
	t.Helper()
	if err := repo.PrepareCommit(rev.Number); err != nil {
		t.Fatalf("PrepareCommit failed: %v", err)
	}
	if _, err := repo.Advance(rev, true); err != nil {
		t.Fatalf("Advance(discover) failed: %v", err)
	}
	for repo.HasModifiedRefs() {
		progressed, err := repo.Advance(rev, false)
		if err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
		if !progressed {
			t.Fatal("no progress closing commits")
		}
	}
	if err := repo.EndRevision(); err != nil {
		t.Fatalf("EndRevision failed: %v", err)
	}
}

func TestSimpleCommitStream(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, err := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	if err != nil {
		t.Fatalf("DemandTransaction failed: %v", err)
	}
	if err := txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n")); err != nil {
		t.Fatalf("AddFileFromReader failed: %v", err)
	}

	rev := &RevisionInfo{Number: 1, Author: "Alice <alice@example.com>", Epoch: 1371238130, Log: "add trunk"}
	runRevision(t, repo, rev)

	stream := out.String()
	wantBlob := fmt.Sprintf("blob\nmark :%d\ndata 3\nhi\n", MaxMark)
	if !strings.Contains(stream, wantBlob) {
		t.Errorf("missing blob, stream:\n%s", stream)
	}
	if !strings.Contains(stream, "commit refs/heads/master\nmark :1\ncommitter Alice <alice@example.com> 1371238130 +0000\ndata 10\nadd trunk\n") {
		t.Errorf("missing commit header, stream:\n%s", stream)
	}
	if !strings.Contains(stream, fmt.Sprintf("M 100644 :%d a.txt\n", MaxMark)) {
		t.Errorf("missing file modification, stream:\n%s", stream)
	}
	if !strings.Contains(stream, "progress SVN r1 branch refs/heads/master = :1\n") {
		t.Errorf("missing progress line, stream:\n%s", stream)
	}

	ref := repo.Ref("refs/heads/master")
	if ref.LastMark() != 1 || ref.MarkCount() != 1 {
		t.Errorf("unexpected ref marks: last %d, count %d", ref.LastMark(), ref.MarkCount())
	}
}

func TestTreeUnchangedElision(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA)+lsResponse(shaA))

	// First commit establishes the tree SHA.
	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	if err := txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n")); err != nil {
		t.Fatal(err)
	}
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	// Second commit yields the same tree: it must be rewound.
	if _, err := repo.DemandTransaction("refs/heads/master", "trunk", 3); err != nil {
		t.Fatal(err)
	}
	runRevision(t, repo, &RevisionInfo{Number: 3, Author: "a <a@b>", Epoch: 2, Log: "prop only"})

	ref := repo.Ref("refs/heads/master")
	if ref.MarkCount() != 1 {
		t.Errorf("elided commit should be erased from marks, count %d", ref.MarkCount())
	}
	if ref.LastMark() != 1 {
		t.Errorf("expected ref rewound to mark 1, got %d", ref.LastMark())
	}
	if !strings.Contains(out.String(), "reset refs/heads/master\nfrom :1\n\n") {
		t.Errorf("missing rewind reset, stream:\n%s", out.String())
	}
	// The mark counter is not rolled back.
	if repo.lastCommitMark != 2 {
		t.Errorf("lastCommitMark should stay at 2, got %d", repo.lastCommitMark)
	}
}

func TestFirstCommitNeverElided(t *testing.T) {
	// The ls response matches the (empty) head SHA only if elision
	// considered the first commit; it must not.
	repo, out := testRepo(t, "website", lsResponse(shaA))
	repo.Ref("refs/heads/master").headTreeSHA = shaA

	if _, err := repo.DemandTransaction("refs/heads/master", "trunk", 1); err != nil {
		t.Fatal(err)
	}
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	if strings.Contains(out.String(), "reset refs/heads/master") {
		t.Errorf("first commit must not be elided, stream:\n%s", out.String())
	}
	if repo.Ref("refs/heads/master").MarkCount() != 1 {
		t.Error("first commit mark should survive")
	}
}

func TestUnparseableLsResponseClearsHeadSHA(t *testing.T) {
	repo, _ := testRepo(t, "website", "garbage\n"+lsResponse(shaB))

	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	ref := repo.Ref("refs/heads/master")
	if ref.headTreeSHA != "" {
		t.Errorf("head SHA should be cleared after a bad ls response, got %q", ref.headTreeSHA)
	}

	// The next commit must not be elided even if its tree would match.
	txn, _ = repo.DemandTransaction("refs/heads/master", "trunk", 2)
	txn.AddFileFromReader("b.txt", 0o100644, 3, strings.NewReader("ho\n"))
	runRevision(t, repo, &RevisionInfo{Number: 2, Author: "a <a@b>", Epoch: 2, Log: "two"})
	if ref.MarkCount() != 2 {
		t.Errorf("expected both commits kept, count %d", ref.MarkCount())
	}
}

func TestBranchCreateFromMark(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	if err := repo.CreateBranch("refs/heads/b", 2, "refs/heads/master", 1); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := repo.PrepareCommit(2); err != nil {
		t.Fatalf("PrepareCommit failed: %v", err)
	}

	stream := out.String()
	if !strings.Contains(stream, "reset refs/heads/b\nfrom :1\n\n") {
		t.Errorf("missing branch reset, stream:\n%s", stream)
	}
	if !strings.Contains(stream, "progress SVN r2 branch refs/heads/b = :1 # from branch refs/heads/master") {
		t.Errorf("missing progress comment, stream:\n%s", stream)
	}
}

func TestBranchCreateClosestMark(t *testing.T) {
	repo, _ := testRepo(t, "website", lsResponse(shaA)+lsResponse(shaB))

	for rev := 1; rev <= 2; rev++ {
		txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", rev)
		txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader(fmt.Sprintf("r%d\n", rev)))
		runRevision(t, repo, &RevisionInfo{Number: rev, Author: "a <a@b>", Epoch: int64(rev), Log: "x"})
	}

	// Branching from r5 resolves to the closest mark at or before it.
	desc := "d"
	if mark := repo.MarkFrom("refs/heads/master", 5, &desc); mark != 2 {
		t.Errorf("expected closest mark 2, got %d", mark)
	}
	// Branching from before the first commit finds nothing.
	if mark := repo.MarkFrom("refs/heads/master", 0, nil); mark != 0 {
		t.Errorf("expected 0 for too-early revision, got %d", mark)
	}
}

func TestBranchFromMissingRefIsFatal(t *testing.T) {
	repo, _ := testRepo(t, "website", "")
	err := repo.CreateBranch("refs/heads/b", 2, "refs/heads/unknown", 1)
	if err == nil {
		t.Fatal("expected fatal error for missing branch source")
	}
}

func TestDeleteMasterIsNoOp(t *testing.T) {
	repo, out := testRepo(t, "website", "")
	if err := repo.DeleteBranch("refs/heads/master", 3); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if err := repo.PrepareCommit(3); err != nil {
		t.Fatalf("PrepareCommit failed: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("deleting master must emit nothing, got:\n%s", out.String())
	}
}

func TestDeleteBranchBackup(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/b", "branches/b", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	if err := repo.DeleteBranch("refs/heads/b", 5); err != nil {
		t.Fatal(err)
	}
	if err := repo.PrepareCommit(5); err != nil {
		t.Fatal(err)
	}
	stream := out.String()
	if !strings.Contains(stream, "reset refs/tags/backups/b@5\nfrom refs/heads/b\n\n") {
		t.Errorf("missing deletion backup, stream:\n%s", stream)
	}
	if !strings.Contains(stream, "reset refs/heads/b\nfrom "+nullSHA+"\n\n") {
		t.Errorf("missing deletion reset, stream:\n%s", stream)
	}
}

func TestResetBackupNaming(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/b", "branches/b", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	// Re-pointing an existing branch at another mark backs it up
	// under refs/backups/r<rev>/.
	if err := repo.CreateBranch("refs/heads/b", 7, "refs/heads/b", 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.PrepareCommit(7); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "reset refs/backups/r7/heads/b\nfrom refs/heads/b\n\n") {
		t.Errorf("missing reset backup, stream:\n%s", out.String())
	}
}

func TestDeleteThenCreateCancels(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	if err := repo.DeleteBranch("refs/heads/b", 4); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateBranch("refs/heads/b", 4, "refs/heads/master", 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.PrepareCommit(4); err != nil {
		t.Fatal(err)
	}
	stream := out.String()
	if strings.Contains(stream, nullSHA) {
		t.Errorf("deletion must be canceled by the recreation, stream:\n%s", stream)
	}
	if strings.Contains(stream, "backups") {
		t.Errorf("no backup must survive the cancellation, stream:\n%s", stream)
	}
	if !strings.Contains(stream, "reset refs/heads/b\nfrom :1\n\n") {
		t.Errorf("the final reset must survive, stream:\n%s", stream)
	}
}

func TestCreateThenDeleteDropsBoth(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})
	before := out.Len()

	if err := repo.CreateBranch("refs/heads/b", 4, "refs/heads/master", 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteBranch("refs/heads/b", 4); err != nil {
		t.Fatal(err)
	}
	if err := repo.PrepareCommit(4); err != nil {
		t.Fatal(err)
	}
	if out.Len() != before {
		t.Errorf("create-then-delete must emit nothing, got:\n%s", out.String()[before:])
	}
}

func TestMergeBookkeeping(t *testing.T) {
	repo, out := testRepo(t, "website", strings.Repeat(lsResponse(shaA), 1)+lsResponse(shaB)+lsResponse(shaA))

	// Commit on the source branch first.
	txn, _ := repo.DemandTransaction("refs/heads/src", "branches/src", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	// Destination commit merging from src@1.
	txn, _ = repo.DemandTransaction("refs/heads/dst", "branches/dst", 2)
	txn.AddFileFromReader("b.txt", 0o100644, 3, strings.NewReader("ho\n"))
	txn.NoteCopyFromBranch("refs/heads/src", 1)
	runRevision(t, repo, &RevisionInfo{Number: 2, Author: "a <a@b>", Epoch: 2, Log: "merge"})

	if !strings.Contains(out.String(), "merge :1\n") {
		t.Errorf("missing merge line, stream:\n%s", out.String())
	}

	dst := repo.Ref("refs/heads/dst")
	src := repo.Ref("refs/heads/src")
	if dst.mergedRevisions[src] != 1 {
		t.Errorf("merged revision not recorded: %v", dst.mergedRevisions)
	}

	// A second merge from the same revision is suppressed.
	txn, _ = repo.DemandTransaction("refs/heads/dst", "branches/dst", 3)
	txn.AddFileFromReader("c.txt", 0o100644, 3, strings.NewReader("hu\n"))
	txn.NoteCopyFromBranch("refs/heads/src", 1)
	runRevision(t, repo, &RevisionInfo{Number: 3, Author: "a <a@b>", Epoch: 3, Log: "again"})

	if strings.Count(out.String(), "merge :1\n") != 1 {
		t.Errorf("already-merged revision must not emit another merge line, stream:\n%s", out.String())
	}
}

func TestMergeIntoSelfRejected(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA))

	txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", 1)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	txn.NoteCopyFromBranch("refs/heads/master", 1)
	runRevision(t, repo, &RevisionInfo{Number: 1, Author: "a <a@b>", Epoch: 1, Log: "one"})

	if strings.Contains(out.String(), "merge") {
		t.Errorf("merge into self must be skipped, stream:\n%s", out.String())
	}
}

func TestMergeFromUnknownRevisionSkipped(t *testing.T) {
	repo, out := testRepo(t, "website", lsResponse(shaA)+lsResponse(shaB))

	txn, _ := repo.DemandTransaction("refs/heads/src", "branches/src", 5)
	txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader("hi\n"))
	runRevision(t, repo, &RevisionInfo{Number: 5, Author: "a <a@b>", Epoch: 1, Log: "one"})

	// Merging from r2 of src, which has no mark that early: skipped
	// with a warning, the commit still goes through.
	txn, _ = repo.DemandTransaction("refs/heads/dst", "branches/dst", 6)
	txn.AddFileFromReader("b.txt", 0o100644, 3, strings.NewReader("ho\n"))
	repo.RecordAncestor(repo.DemandRef("refs/heads/dst"), "refs/heads/src", 2)
	runRevision(t, repo, &RevisionInfo{Number: 6, Author: "a <a@b>", Epoch: 2, Log: "two"})

	if strings.Contains(out.String(), "merge :") {
		t.Errorf("unknown merge source must not emit a merge line, stream:\n%s", out.String())
	}
	if repo.Ref("refs/heads/dst").MarkCount() != 1 {
		t.Error("destination commit should still exist")
	}
}

func TestCvs2svnMergeWorkaround(t *testing.T) {
	const branches = 3
	responses := strings.Repeat(lsResponse(shaA), branches) + lsResponse(shaB)
	repo, out := testRepo(t, "website", responses)

	for i := 1; i <= branches; i++ {
		ref := fmt.Sprintf("refs/heads/src%d", i)
		txn, _ := repo.DemandTransaction(ref, "branches/src", i)
		txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader(fmt.Sprintf("r%d\n", i)))
		runRevision(t, repo, &RevisionInfo{Number: i, Author: "a <a@b>", Epoch: int64(i), Log: "x"})
	}

	txn, _ := repo.DemandTransaction("refs/heads/dst", "branches/dst", 9)
	txn.AddFileFromReader("b.txt", 0o100644, 3, strings.NewReader("ho\n"))
	for i := 1; i <= branches; i++ {
		txn.NoteCopyFromBranch(fmt.Sprintf("refs/heads/src%d", i), i)
	}
	log := "This commit was manufactured by cvs2svn to create branch 'x'."
	runRevision(t, repo, &RevisionInfo{Number: 9, Author: "a <a@b>", Epoch: 9, Log: log})

	stream := out.String()
	if strings.Count(stream, "merge :") != 1 {
		t.Errorf("cvs2svn commit must keep a single merge, stream:\n%s", stream)
	}
	if !strings.Contains(stream, fmt.Sprintf("merge :%d\n", branches)) {
		t.Errorf("the highest mark must survive, stream:\n%s", stream)
	}
}

func TestSixteenParentCap(t *testing.T) {
	const branches = 20
	responses := strings.Repeat(lsResponse(shaA), branches) + lsResponse(shaB)
	repo, out := testRepo(t, "website", responses)

	for i := 1; i <= branches; i++ {
		ref := fmt.Sprintf("refs/heads/src%d", i)
		txn, _ := repo.DemandTransaction(ref, "branches/src", i)
		txn.AddFileFromReader("a.txt", 0o100644, 3, strings.NewReader(fmt.Sprintf("r%d\n", i)))
		runRevision(t, repo, &RevisionInfo{Number: i, Author: "a <a@b>", Epoch: int64(i), Log: "x"})
	}

	txn, _ := repo.DemandTransaction("refs/heads/dst", "branches/dst", 30)
	txn.AddFileFromReader("b.txt", 0o100644, 3, strings.NewReader("ho\n"))
	for i := 1; i <= branches; i++ {
		txn.NoteCopyFromBranch(fmt.Sprintf("refs/heads/src%d", i), i)
	}
	runRevision(t, repo, &RevisionInfo{Number: 30, Author: "a <a@b>", Epoch: 30, Log: "octopus"})

	// The new commit has no parent on dst, so 16 merge parents fit.
	if got := strings.Count(out.String(), "merge :"); got != maxMergeParents {
		t.Errorf("expected %d merge lines, got %d", maxMergeParents, got)
	}
}

func TestMarkAllocationInvariant(t *testing.T) {
	repo, _ := testRepo(t, "website", "")
	repo.lastCommitMark = MaxMark - 5
	repo.nextFileMark = MaxMark - 2

	if _, err := repo.allocateCommitMark(); err != nil {
		t.Fatalf("allocation should still fit: %v", err)
	}
	if _, err := repo.allocateCommitMark(); err == nil {
		t.Fatal("expected commit mark exhaustion to be fatal")
	}
	if _, err := repo.allocateFileMark(); err != nil {
		t.Fatalf("file mark should still fit: %v", err)
	}
	if _, err := repo.allocateFileMark(); err == nil {
		t.Fatal("expected file mark exhaustion to be fatal")
	}
}

func TestCommitMarksAreSequential(t *testing.T) {
	repo, _ := testRepo(t, "website", strings.Repeat(lsResponse(shaA)+lsResponse(shaB), 3))

	shas := []string{shaA, shaB, shaA, shaB, shaA, shaB}
	for i := 1; i <= len(shas); i++ {
		txn, _ := repo.DemandTransaction("refs/heads/master", "trunk", i)
		txn.AddFileFromReader("a.txt", 0o100644, 4, strings.NewReader(fmt.Sprintf("r%02d\n", i)))
		runRevision(t, repo, &RevisionInfo{Number: i, Author: "a <a@b>", Epoch: int64(i), Log: "x"})
	}
	if repo.lastCommitMark != len(shas) {
		t.Errorf("expected %d sequential marks, got %d", len(shas), repo.lastCommitMark)
	}
	if repo.nextFileMark != MaxMark {
		t.Errorf("file mark counter must reset every revision, got %d", repo.nextFileMark)
	}
}
