package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWithin(t *testing.T) {
	tmpDir := t.TempDir()

	dataDir := filepath.Join(tmpDir, "data")
	outsideDir := filepath.Join(tmpDir, "outside")
	if err := os.MkdirAll(filepath.Join(dataDir, "plots"), 0755); err != nil {
		t.Fatalf("Failed to create data directory: %v", err)
	}
	if err := os.MkdirAll(outsideDir, 0755); err != nil {
		t.Fatalf("Failed to create outside directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "plots", "a.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to create cloud file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outsideDir, "secret.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to create outside file: %v", err)
	}
	if err := os.Symlink(outsideDir, filepath.Join(dataDir, "escape")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "existing nested file", path: "plots/a.json"},
		{name: "missing file inside", path: "plots/b.json"},
		{name: "dot segments that stay inside", path: "plots/../plots/a.json"},
		{name: "empty", path: "", wantErr: true},
		{name: "parent traversal", path: "../outside/secret.json", wantErr: true},
		{name: "absolute path", path: filepath.Join(outsideDir, "secret.json"), wantErr: true},
		{name: "symlink to outside file", path: "escape/secret.json", wantErr: true},
		{name: "symlink to outside missing file", path: "escape/new.json", wantErr: true},
		{name: "symlink itself", path: "escape", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveWithin(dataDir, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideDirectory) {
					t.Errorf("ResolveWithin(%q) error = %v, want ErrOutsideDirectory", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveWithin(%q) unexpected error: %v", tt.path, err)
			}
			if filepath.Base(got) != filepath.Base(tt.path) {
				t.Errorf("ResolveWithin(%q) = %q", tt.path, got)
			}
		})
	}
}

func TestResolveWithin_MissingRoot(t *testing.T) {
	_, err := ResolveWithin(filepath.Join(t.TempDir(), "nope"), "a.json")
	if err == nil {
		t.Fatal("expected error for missing data directory")
	}
	if errors.Is(err, ErrOutsideDirectory) {
		t.Errorf("missing root should not be reported as traversal: %v", err)
	}
}
