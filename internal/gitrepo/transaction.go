package gitrepo

import (
	"bytes"
	"fmt"
	"io"
)

// Transaction accumulates the file operations of one ref within one
// SVN revision. Blob payloads stream to fast-import immediately; the
// M lines referencing their marks are buffered here and written when
// the commit opens.
type Transaction struct {
	repo      *Repository
	refName   string
	svnPrefix string
	revnum    int

	modifiedFiles bytes.Buffer
}

// DemandTransaction returns the transaction for refName in the current
// revision, creating it (and dirtying the ref) on first use. Every
// commit-interval created transactions, a checkpoint flushes the
// fast-import state to disk.
func (r *Repository) DemandTransaction(refName, svnPrefix string, revnum int) (*Transaction, error) {
	_, existed := r.transactions[refName]
	txn := r.demandTransaction(refName, svnPrefix, revnum)
	if existed {
		return txn, nil
	}
	r.commitCount++
	if r.opts.CommitInterval > 0 && r.commitCount%r.opts.CommitInterval == 0 {
		if err := r.startFastImport(); err != nil {
			return nil, err
		}
		if err := r.ch.Checkpoint(); err != nil {
			return nil, err
		}
		r.log.Debugf("checkpoint: marks file of %s flushed", r.name)
	}
	return txn, nil
}

func (r *Repository) demandTransaction(refName, svnPrefix string, revnum int) *Transaction {
	if txn, ok := r.transactions[refName]; ok {
		if txn.svnPrefix == "" {
			txn.svnPrefix = svnPrefix
		}
		return txn
	}
	if _, known := r.refs[refName]; !known {
		r.log.Debugf("creating branch %q in repository %q", refName, r.name)
	}
	r.ModifyRef(refName, true)
	txn := &Transaction{
		repo:      r,
		refName:   refName,
		svnPrefix: svnPrefix,
		revnum:    revnum,
	}
	r.transactions[refName] = txn
	return txn
}

// AddFile allocates a blob mark, records the M line for the commit,
// and writes the blob header; the returned writer takes exactly length
// bytes of content, after which CloseBlob must be called.
func (t *Transaction) AddFile(path string, mode int, length int64) (io.Writer, error) {
	r := t.repo
	mark, err := r.allocateFileMark()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&t.modifiedFiles, "M %o :%d %s\n", mode, mark, path)

	if r.opts.DryRun {
		return io.Discard, nil
	}
	if err := r.startFastImport(); err != nil {
		return nil, err
	}
	if _, err := r.ch.WriteNoLog([]byte(fmt.Sprintf("blob\nmark :%d\ndata %d\n", mark, length))); err != nil {
		return nil, err
	}
	return blobWriter{r.ch}, nil
}

// CloseBlob terminates a streamed blob payload.
func (t *Transaction) CloseBlob() error {
	if t.repo.opts.DryRun {
		return nil
	}
	_, err := t.repo.ch.WriteNoLog([]byte("\n"))
	return err
}

// AddFileFromReader streams a whole blob from r.
func (t *Transaction) AddFileFromReader(path string, mode int, length int64, r io.Reader) error {
	w, err := t.AddFile(path, mode, length)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(w, r, length); err != nil {
		return fmt.Errorf("stream blob %s: %w", path, err)
	}
	return t.CloseBlob()
}

type blobWriter struct {
	ch interface {
		WriteNoLog([]byte) (int, error)
	}
}

func (w blobWriter) Write(b []byte) (int, error) { return w.ch.WriteNoLog(b) }

// DeleteFile queues a deletion on the ref; the empty path deletes the
// whole tree.
func (t *Transaction) DeleteFile(path string) {
	t.repo.DemandRef(t.refName).recordDeletion(path)
}

// NoteCopyFromBranch records that this ref's next commit merges from
// branchFrom at branchRevNum. Merging a branch into itself is refused.
func (t *Transaction) NoteCopyFromBranch(branchFrom string, branchRevNum int) {
	r := t.repo
	if t.refName == branchFrom {
		r.log.Warnf("cannot merge inside a branch in repository %s", r.name)
		return
	}
	src := r.DemandRef(branchFrom)
	if !src.Exists() || src.MarkCount() == 0 {
		r.log.Warnf("%s is copying from branch %s but the latter doesn't exist; continuing, assuming the files exist in repository %s",
			t.refName, branchFrom, r.name)
		return
	}
	r.log.Debugf("repository %s branch %s has some files copied from %s@%d",
		r.name, t.refName, branchFrom, branchRevNum)
	r.RecordAncestor(r.DemandRef(t.refName), branchFrom, branchRevNum)
}

// UpdateSubmodule records a gitlink entry for a child repository. The
// child's commit SHA is unknown while the stream is being written, so
// its mark is transliterated into the 40 digits where the SHA belongs;
// a post-pass resolves the placeholders from the marks file.
func (t *Transaction) UpdateSubmodule(child *Repository, childMark int) {
	fmt.Fprintf(&t.modifiedFiles, "M 160000 %040d %s\n", childMark, child.submodulePath)
}

// commitNote attaches svn provenance metadata to the tip of the ref as
// a Git note. There is no way to attach a note to a tag itself with
// fast-import, so tag notes also land on the supporting ref.
func (t *Transaction) commitNote(rev *RevisionInfo, noteText string, appendNote bool, commitRef string) error {
	r := t.repo
	ref := t.refName
	target := commitRef
	if target == "" {
		target = ref
	}
	message := "Adding Git note for current " + target + "\n"
	text := noteText
	if appendNote && commitRef == "" {
		if existing := r.DemandRef(ref).note; existing != "" {
			text = existing + text
			message = "Appending Git note for current " + target + "\n"
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "commit refs/notes/commits\nmark :%d\n", MaxMark+1)
	fmt.Fprintf(&buf, "committer %s %d +0000\n", rev.Author, rev.Epoch)
	fmt.Fprintf(&buf, "data %d\n%s\n", len(message), message)
	fmt.Fprintf(&buf, "N inline %s\n", target)
	fmt.Fprintf(&buf, "data %d\n%s\n", len(text), text)
	if _, err := r.ch.Write(buf.Bytes()); err != nil {
		return err
	}
	if commitRef == "" {
		r.DemandRef(ref).note = text
	}
	return nil
}
