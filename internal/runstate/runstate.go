// Package runstate persists run metadata across imports: the
// fingerprint of the ruleset the repositories were built with, and
// accumulated rule-coverage counters.
package runstate

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"

	"go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// Buckets
var (
	BucketMeta     = []byte("meta")     // run metadata, e.g. ruleset fingerprint
	BucketCoverage = []byte("coverage") // rule key -> match count
)

var keyRulesetFingerprint = []byte("ruleset-fingerprint")

// DB wraps the bolt database holding run state.
type DB struct{ *bbolt.DB }

// Open opens (or creates) the run-state database.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(BucketMeta); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(BucketCoverage); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.DB.Close() }

// FingerprintRuleset hashes the raw ruleset file so a changed ruleset
// can be detected between incremental runs.
func FingerprintRuleset(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CheckRuleset compares the stored fingerprint with the current one
// and stores the new value. It returns true when the ruleset is
// unchanged since the previous run (or no previous run exists).
func (db *DB) CheckRuleset(fingerprint string) (bool, error) {
	same := true
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketMeta)
		if prev := b.Get(keyRulesetFingerprint); prev != nil && string(prev) != fingerprint {
			same = false
		}
		return b.Put(keyRulesetFingerprint, []byte(fingerprint))
	})
	return same, err
}

// AddCoverage accumulates a rule's match count.
func (db *DB) AddCoverage(ruleKey string, count int) error {
	if count < 0 {
		return errors.New("negative coverage count")
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketCoverage)
		total := uint64(count)
		if prev := b.Get([]byte(ruleKey)); len(prev) == 8 {
			total += binary.BigEndian.Uint64(prev)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], total)
		return b.Put([]byte(ruleKey), buf[:])
	})
}

// Coverage returns the accumulated match count for a rule key.
func (db *DB) Coverage(ruleKey string) (uint64, error) {
	var total uint64
	err := db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(BucketCoverage).Get([]byte(ruleKey)); len(v) == 8 {
			total = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return total, err
}
