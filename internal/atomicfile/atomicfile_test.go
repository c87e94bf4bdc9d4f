package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReplaceCreatesFileWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	rolledBack, err := Replace(path, []byte(`{"a":1}`), false)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if rolledBack {
		t.Fatalf("rolledBack should be false on a fresh write")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("got %s", got)
	}
	if _, err := os.Stat(path + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("tmp file should not survive a successful replace")
	}
}

func TestReplaceSwapsExistingFileAndCleansBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if _, err := Replace(path, []byte(`{"v":1}`), false); err != nil {
		t.Fatalf("initial Replace: %v", err)
	}

	if _, err := Replace(path, []byte(`{"v":2}`), false); err != nil {
		t.Fatalf("second Replace: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("got %s, want {\"v\":2}", got)
	}
	if _, err := os.Stat(path + bakSuffix); !os.IsNotExist(err) {
		t.Fatalf(".bak should be removed after a successful swap")
	}
}

func TestReplaceFaultInjectionRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if _, err := Replace(path, []byte(`{"v":1}`), false); err != nil {
		t.Fatalf("initial Replace: %v", err)
	}

	rolledBack, err := Replace(path, []byte(`{"v":2}`), true)
	if err == nil {
		t.Fatalf("expected forced swap failure to return an error")
	}
	if !rolledBack {
		t.Fatalf("expected rollback to succeed")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("on-disk contents should equal pre-update bytes after rollback, got %s", got)
	}
	if _, err := os.Stat(path + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("tmp file should be cleaned up after a forced failure")
	}
	if _, err := os.Stat(path + bakSuffix); !os.IsNotExist(err) {
		t.Fatalf(".bak should be consumed by the restore")
	}
}
