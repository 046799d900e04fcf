package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func newTestFS(t *testing.T) (*LocalFS, string) {
	t.Helper()
	dir := t.TempDir()
	return NewLocalFS(dir), dir
}

func names(entries []FileEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	slices.Sort(out)
	return out
}

func Test_ListRegularFilesOnly(t *testing.T) {
	store, dir := newTestFS(t)

	for _, name := range []string{"a.txt", "b.bin", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link")); err != nil {
		t.Logf("symlink not supported: %v", err)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	got := names(entries)
	want := []string{".hidden", "a.txt", "b.bin"}
	if !slices.Equal(got, want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for _, e := range entries {
		if !e.Regular || e.Size != int64(len(e.Name)) {
			t.Errorf("entry %+v has wrong size or type", e)
		}
	}
}

func Test_ListMissingDirectory(t *testing.T) {
	store := NewLocalFS(filepath.Join(t.TempDir(), "missing"))
	if _, err := store.List(); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

func Test_WriteReadRoundTrip(t *testing.T) {
	store, _ := newTestFS(t)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty.txt", []byte{}},
		{"text.txt", []byte("hello\nworld\n")},
		{"binary.bin", []byte{0, '|', '|', 0xff, '\n'}},
		{"big.bin", bytes.Repeat([]byte("0123456789"), 10000)},
		{"with space.txt", []byte("spaces are fine")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Write(tt.name, tt.data); err != nil {
				t.Fatal(err)
			}
			got, err := store.Read(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("Read() returned %d bytes, want %d", len(got), len(tt.data))
			}
		})
	}
}

func Test_WriteOverwrites(t *testing.T) {
	store, _ := newTestFS(t)
	if err := store.Write("f", []byte("a much longer first version")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("f", []byte("short")); err != nil {
		t.Fatal(err)
	}
	got, err := store.Read("f")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "short" {
		t.Errorf("Read() = %q, want %q", got, "short")
	}
}

func Test_ReadNotFound(t *testing.T) {
	store, dir := newTestFS(t)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("outside the store"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"missing.txt", "sub", "link"} {
		_, err := store.Read(name)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Read(%q) err = %v, want ErrNotFound", name, err)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Read(%q) err = %v, should also match fs.ErrNotExist", name, err)
		}
	}
}

func Test_InvalidNames(t *testing.T) {
	store, dir := newTestFS(t)
	outside := filepath.Join(filepath.Dir(dir), "outside.txt")

	tests := []string{"", ".", "..", "../outside.txt", "a/b", `a\b`, "nul\x00byte", "/", "||data.bin"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if ValidName(name) {
				t.Errorf("ValidName(%q) = true", name)
			}
			if err := store.Write(name, []byte("x")); !errors.Is(err, ErrInvalidName) {
				t.Errorf("Write(%q) err = %v, want ErrInvalidName", name, err)
			}
			if _, err := store.Read(name); !errors.Is(err, ErrInvalidName) {
				t.Errorf("Read(%q) err = %v, want ErrInvalidName", name, err)
			}
		})
	}
	if _, err := os.Stat(outside); err == nil {
		t.Fatal("a file was written outside the store")
	}
}

func Test_RemoveAndRename(t *testing.T) {
	store, _ := newTestFS(t)
	if err := store.Write("old.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := store.Rename("/old.txt", "/new.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Stat("old.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still present: %v", err)
	}
	if err := store.Remove("new.txt"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("new.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func Test_StatFS(t *testing.T) {
	store, _ := newTestFS(t)
	stat, err := store.StatFS()
	if err != nil {
		t.Skipf("StatFS not supported: %v", err)
	}
	if stat.Bsize == 0 {
		t.Errorf("block size is zero: %+v", stat)
	}
}

func Test_WatchInvalidatesListing(t *testing.T) {
	store, dir := newTestFS(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() = %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !store.Watching() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("List() = %v, want empty", names(entries))
	}

	// written behind the store's back, only the watcher can notice
	if err := os.WriteFile(filepath.Join(dir, "external.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	for {
		entries, err = store.List()
		if err != nil {
			t.Fatal(err)
		}
		if slices.Equal(names(entries), []string{"external.txt"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listing never picked up the new file: %v", names(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// writes through the store invalidate directly
	if err := store.Write("internal.txt", []byte("y")); err != nil {
		t.Fatal(err)
	}
	entries, err = store.List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(entries), []string{"external.txt", "internal.txt"}) {
		t.Errorf("List() = %v after Write", names(entries))
	}
}
