package gitrepo

import (
	"fmt"
	"strings"
)

// AnnotatedTag is the pending state of one tag to synthesize at the
// end of the import.
type AnnotatedTag struct {
	SupportingRef string
	SvnPrefix     string
	RevNum        int
	Author        string
	Log           string
	Epoch         int64
}

// CreateAnnotatedTag records or refreshes a tag; the fast-import tag
// blocks are flushed once at end of import by FinalizeTags.
func (r *Repository) CreateAnnotatedTag(refName, svnPrefix string, revnum int, author string, epoch int64, log string) {
	tagName := strings.TrimPrefix(refName, "refs/tags/")
	if _, ok := r.annotatedTags.Get(tagName); !ok {
		r.log.Debugf("creating annotated tag %s (%s) in repository %s", tagName, refName, r.name)
	} else {
		r.log.Debugf("re-creating annotated tag %s in repository %s", tagName, r.name)
	}
	r.annotatedTags.Put(tagName, &AnnotatedTag{
		SupportingRef: refName,
		SvnPrefix:     svnPrefix,
		RevNum:        revnum,
		Author:        author,
		Log:           log,
		Epoch:         epoch,
	})
}

// FinalizeTags emits a tag block for every recorded annotated tag,
// pointing at its supporting ref, and optionally attaches the svn
// provenance as a note on that ref.
func (r *Repository) FinalizeTags() error {
	if r.annotatedTags.Empty() {
		return nil
	}
	r.log.Debugf("finalizing tags for %s", r.name)
	if err := r.startFastImport(); err != nil {
		return err
	}

	for _, key := range r.annotatedTags.Keys() {
		tagName := key.(string)
		v, _ := r.annotatedTags.Get(key)
		tag := v.(*AnnotatedTag)

		if !strings.HasPrefix(tag.SupportingRef, "refs/") {
			return fmt.Errorf("%w: tag %s has bad supporting ref %q", ErrFatal, tagName, tag.SupportingRef)
		}
		message := tag.Log
		if !strings.HasSuffix(message, "\n") {
			message += "\n"
		}
		if r.opts.AddMetadata {
			message += "\n" + formatMetadataMessage(tag.SvnPrefix, tag.RevNum, tagName)
		}

		if err := r.ch.WriteString(fmt.Sprintf(
			"progress Creating annotated tag %s from ref %s\n"+
				"tag %s\nfrom %s\ntagger %s %d +0000\ndata %d\n%s\n",
			tagName, tag.SupportingRef,
			tagName, tag.SupportingRef, tag.Author, tag.Epoch, len(message), message)); err != nil {
			return err
		}

		// There is no way to attach a note to the tag object itself
		// with fast-import; append it to the supporting ref's tip.
		if r.opts.AddMetadataNotes {
			txn := &Transaction{repo: r, refName: tag.SupportingRef, svnPrefix: tag.SvnPrefix, revnum: tag.RevNum}
			rev := &RevisionInfo{Number: tag.RevNum, Author: tag.Author, Epoch: tag.Epoch, Log: tag.Log}
			if err := txn.commitNote(rev, formatMetadataMessage(tag.SvnPrefix, tag.RevNum, tagName), true, ""); err != nil {
				return err
			}
		}
	}
	return r.ch.Flush()
}
