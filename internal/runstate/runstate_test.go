package runstate

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckRuleset(t *testing.T) {
	db := openTestDB(t)

	same, err := db.CheckRuleset("aaaa")
	if err != nil {
		t.Fatalf("CheckRuleset failed: %v", err)
	}
	if !same {
		t.Error("first run should report an unchanged ruleset")
	}

	same, err = db.CheckRuleset("aaaa")
	if err != nil {
		t.Fatal(err)
	}
	if !same {
		t.Error("identical fingerprint should report unchanged")
	}

	same, err = db.CheckRuleset("bbbb")
	if err != nil {
		t.Fatal(err)
	}
	if same {
		t.Error("a changed fingerprint must be detected")
	}
}

func TestFingerprintRuleset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	if err := os.WriteFile(path, []byte("[[repo]]\nname = \"x\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	a, err := FingerprintRuleset(path)
	if err != nil {
		t.Fatalf("FingerprintRuleset failed: %v", err)
	}
	b, err := FingerprintRuleset(path)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || len(a) != 64 {
		t.Errorf("fingerprint not stable: %q vs %q", a, b)
	}

	if err := os.WriteFile(path, []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := FingerprintRuleset(path)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("different content must fingerprint differently")
	}
}

func TestCoverageAccumulates(t *testing.T) {
	db := openTestDB(t)

	if err := db.AddCoverage("trunk -> website", 3); err != nil {
		t.Fatal(err)
	}
	if err := db.AddCoverage("trunk -> website", 4); err != nil {
		t.Fatal(err)
	}
	total, err := db.Coverage("trunk -> website")
	if err != nil {
		t.Fatal(err)
	}
	if total != 7 {
		t.Errorf("expected accumulated total 7, got %d", total)
	}
	if total, _ := db.Coverage("never seen"); total != 0 {
		t.Errorf("unknown rule should have zero coverage, got %d", total)
	}
}
