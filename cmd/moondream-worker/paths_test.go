package main

import (
	"os"
	"path/filepath"
	"testing"
)

// chdir switches the working directory for the duration of the test and
// restores the previous one on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}

func TestResolveDBPath_AbsolutePassesThrough(t *testing.T) {
	got := resolveDBPath("/srv/moondream/./data/moondream.sqlite3", "")
	want := "/srv/moondream/data/moondream.sqlite3"
	if got != want {
		t.Fatalf("resolveDBPath() = %q, want %q", got, want)
	}
}

func TestResolveDBPath_RelativeToConfigRoot(t *testing.T) {
	cfgPath := filepath.Join("/home/kay/photos", defaultConfigDir, defaultConfigFile)

	got := resolveDBPath("data/moondream.sqlite3", cfgPath)
	want := filepath.Join("/home/kay/photos", "data", "moondream.sqlite3")
	if got != want {
		t.Fatalf("resolveDBPath() = %q, want %q", got, want)
	}
}

func TestResolveDBPath_SearchesAncestors(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o750); err != nil {
		t.Fatal(err)
	}
	dbFile := filepath.Join(root, "data", "moondream.sqlite3")
	if err := os.WriteFile(dbFile, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "exports", "2025")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	chdir(t, sub)

	got := resolveDBPath(filepath.Join("data", "moondream.sqlite3"), "")

	// Resolve through the tempdir symlinks some platforms use.
	wantInfo, err := os.Stat(dbFile)
	if err != nil {
		t.Fatal(err)
	}
	gotInfo, err := os.Stat(got)
	if err != nil {
		t.Fatalf("resolveDBPath() = %q, which does not exist", got)
	}
	if !os.SameFile(wantInfo, gotInfo) {
		t.Fatalf("resolveDBPath() = %q, want the file at %q", got, dbFile)
	}
}

func TestResolveDBPath_FallsBackToCwd(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	got := resolveDBPath(filepath.Join("data", "moondream.sqlite3"), "")
	want := filepath.Join(cwd, "data", "moondream.sqlite3")
	if got != want {
		t.Fatalf("resolveDBPath() = %q, want %q", got, want)
	}
}

func TestResolveDBPath_EmptyUsesDefault(t *testing.T) {
	cfgPath := filepath.Join("/opt/moondream", defaultConfigDir, defaultConfigFile)

	got := resolveDBPath("", cfgPath)
	want := filepath.Join("/opt/moondream", "data", "moondream.sqlite3")
	if got != want {
		t.Fatalf("resolveDBPath() = %q, want %q", got, want)
	}
}

func TestFindConfigFile_WalksUpward(t *testing.T) {
	root := t.TempDir()
	cfgDir := filepath.Join(root, defaultConfigDir)
	if err := os.MkdirAll(cfgDir, 0o750); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(cfgDir, defaultConfigFile)
	if err := os.WriteFile(cfgFile, []byte("version: \"1\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	chdir(t, sub)

	got := findConfigFile()
	if got == "" {
		t.Fatal("findConfigFile() = \"\", want a path")
	}
	wantInfo, err := os.Stat(cfgFile)
	if err != nil {
		t.Fatal(err)
	}
	gotInfo, err := os.Stat(got)
	if err != nil {
		t.Fatalf("findConfigFile() = %q, which does not exist", got)
	}
	if !os.SameFile(wantInfo, gotInfo) {
		t.Fatalf("findConfigFile() = %q, want the file at %q", got, cfgFile)
	}
}
