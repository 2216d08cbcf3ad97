package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

const goalFileContent = `schema_version: 1
file_type: goal
goal:
  intent: add the inner planets
  thread_id: t1
`

func TestAtomicWrite_ReadableAfterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goal.yaml")

	if err := AtomicWrite(path, []byte(goalFileContent)); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != goalFileContent {
		t.Errorf("content mismatch:\n%s", content)
	}
	if err := ValidateSchemaHeaderFromBytes(content, FileTypeGoal); err != nil {
		t.Errorf("written file fails header validation: %v", err)
	}
}

func TestAtomicWrite_KeepsPreviousAsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := AtomicWrite(path, []byte("schema_version: 1\nfile_type: config\nrev: one\n")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("schema_version: 1\nfile_type: config\nrev: two\n")); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	if !strings.Contains(string(bak), "rev: one") {
		t.Errorf("backup should hold the previous revision, got:\n%s", bak)
	}

	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile current failed: %v", err)
	}
	if !strings.Contains(string(cur), "rev: two") {
		t.Errorf("current file should hold the new revision, got:\n%s", cur)
	}
}

func TestAtomicWrite_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goal.yaml")

	err := AtomicWrite(path, []byte(":\n  invalid: [\n    broken"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	// Neither the target nor a temp file may survive a failed write.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d entries", len(entries))
	}
}

func TestAtomicWrite_FailedWriteKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := AtomicWrite(path, []byte("rev: one\n")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, []byte(":\n  broken: [\n")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var doc map[string]string
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		t.Fatalf("surviving file is not valid YAML: %v", err)
	}
	if doc["rev"] != "one" {
		t.Errorf("rev: got %q, want %q", doc["rev"], "one")
	}
}
