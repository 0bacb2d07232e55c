package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates parent dirs and content", func(t *testing.T) {
		path := filepath.Join(tmpDir, "a", "b", "status.json")
		if err := AtomicWriteFile(path, []byte("hello"), 0644); err != nil {
			t.Fatalf("AtomicWriteFile failed: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading file: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("content = %q, want hello", got)
		}
	})

	t.Run("overwrites and leaves no temp files", func(t *testing.T) {
		path := filepath.Join(tmpDir, "over.txt")
		for _, content := range []string{"initial", "replaced"} {
			if err := AtomicWriteFile(path, []byte(content), 0600); err != nil {
				t.Fatalf("AtomicWriteFile failed: %v", err)
			}
		}
		got, _ := os.ReadFile(path)
		if string(got) != "replaced" {
			t.Errorf("content = %q, want replaced", got)
		}
		entries, _ := os.ReadDir(tmpDir)
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("mode = %o, want 600", info.Mode().Perm())
		}
	})
}
