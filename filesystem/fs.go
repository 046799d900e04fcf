// Description: filesystem package
// The file store served by the socket server and the sftp gateway.
// It is a single flat directory: only regular files directly inside it are
// listed or transferred, and every name is validated before it touches the disk.

package filesystem

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
)

var (
	// ErrNotFound is returned for a name that is not a regular file in the store.
	ErrNotFound = fmt.Errorf("file not found: %w", fs.ErrNotExist)
	// ErrInvalidName is returned before any disk access for names that could escape the store.
	ErrInvalidName = errors.New("invalid file name")
)

// FileEntry describes one file of the store
type FileEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Regular bool
}

// FS is the interface the session server uses to reach the files
// List returns the regular files of the store
// Read returns the full content of a file
// ReadFile copies a file to the given writer
// Write creates or overwrites a file with the given bytes
// WriteFile creates or overwrites a file from the given reader
// Remove removes a file
// Rename renames a file inside the store
// Stat returns the file info of a file
type FS interface {
	// RootDir returns the local directory that is served
	RootDir() string
	// List returns the regular files of the store
	List() ([]FileEntry, error)
	// Read returns the full content of a file
	Read(name string) ([]byte, error)
	// ReadFile copies a file to the given writer
	ReadFile(name string, w io.Writer) (int64, error)
	// Write creates or overwrites a file with the given bytes
	Write(name string, data []byte) error
	// WriteFile creates or overwrites a file from the given reader
	WriteFile(name string, r io.Reader) error
	// Remove removes a file
	Remove(name string) error
	// Rename renames a file inside the store
	Rename(original string, target string) error
	// Stat returns the file info of a file
	Stat(name string) (fs.FileInfo, error)
}

// FSWithFile is the interface that wraps the extra methods the sftp gateway needs
type FSWithFile interface {
	FS
	// File opens the file with the given os flags
	File(name string, flag int) (*os.File, error)
	// StatFS returns the status of the file system holding the store
	StatFS() (*sftp.StatVFS, error)
}

// Ensure that LocalFS implements the FSWithFile interface
var _ FSWithFile = &LocalFS{}

// LocalFS is a flat directory on the local disk
type LocalFS struct {
	localDir string
	logger   *slog.Logger

	// the listing is cached only while Watch keeps it honest
	cacheMu  sync.Mutex
	watching bool
	listing  []FileEntry
}

func NewLocalFS(localDir string) *LocalFS {
	return &LocalFS{
		localDir: localDir,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the store.
func (FS *LocalFS) SetLogger(l *slog.Logger) {
	FS.logger = l
}

// Logger returns the logger for the store.
func (FS *LocalFS) Logger() *slog.Logger {
	l := FS.logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("module", "filesystem")
}

// RootDir returns the local directory that is served
func (FS *LocalFS) RootDir() string {
	return FS.localDir
}

// List returns the regular files of the store in directory order.
// Directories, symlinks, sockets and other special files are skipped.
func (FS *LocalFS) List() ([]FileEntry, error) {
	FS.cacheMu.Lock()
	defer FS.cacheMu.Unlock()

	if FS.watching && FS.listing != nil {
		return slices.Clone(FS.listing), nil
	}

	entries, err := os.ReadDir(FS.localDir)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}

	list := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		list = append(list, FileEntry{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Regular: true,
		})
	}

	if FS.watching {
		FS.listing = list
		return slices.Clone(list), nil
	}
	return list, nil
}

// Read returns the full content of a file
func (FS *LocalFS) Read(name string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := FS.ReadFile(name, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFile copies a regular file to the given writer
func (FS *LocalFS) ReadFile(name string, w io.Writer) (int64, error) {
	file, err := FS.File(name, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n, err := io.Copy(w, file)
	if err != nil {
		return n, fmt.Errorf("error reading file: %w", err)
	}
	return n, nil
}

// Write creates or overwrites a file with the given bytes
func (FS *LocalFS) Write(name string, data []byte) error {
	return FS.WriteFile(name, bytes.NewReader(data))
}

// WriteFile creates or overwrites a file from the given reader
func (FS *LocalFS) WriteFile(name string, r io.Reader) error {
	file, err := FS.File(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err = io.Copy(file, r); err != nil {
		return fmt.Errorf("writing file error: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("closing and saving file error: %w", err)
	}
	FS.invalidate()
	return nil
}

// File opens the file with the given os flags, creating it with 0644 when asked to.
// An existing entry that is not a regular file is reported as not found,
// symlinks are never followed out of the store.
func (FS *LocalFS) File(name string, flag int) (*os.File, error) {
	name, err := FS.cleanName(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(FS.localDir, name)
	if info, err := os.Lstat(path); err == nil && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}

	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("opening file error: %w", err)
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		FS.invalidate()
	}
	return file, nil
}

// Remove removes a file
func (FS *LocalFS) Remove(name string) error {
	name, err := FS.cleanName(name)
	if err != nil {
		return err
	}
	if _, err := FS.Stat(name); err != nil {
		return err
	}
	defer FS.invalidate()

	err = os.Remove(filepath.Join(FS.localDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("error removing file: %w", err)
	}
	return nil
}

// Rename renames a file inside the store
func (FS *LocalFS) Rename(original, target string) error {
	original, err := FS.cleanName(original)
	if err != nil {
		return err
	}
	target, err = FS.cleanName(target)
	if err != nil {
		return err
	}
	defer FS.invalidate()

	FS.Logger().Debug("rename", "from", original, "to", target)
	err = os.Rename(filepath.Join(FS.localDir, original), filepath.Join(FS.localDir, target))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, original)
		}
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}

// Stat returns the file info of a regular file
func (FS *LocalFS) Stat(name string) (fs.FileInfo, error) {
	name, err := FS.cleanName(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(filepath.Join(FS.localDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}
	return info, nil
}

func (FS *LocalFS) invalidate() {
	FS.cacheMu.Lock()
	FS.listing = nil
	FS.cacheMu.Unlock()
}

// ValidName reports whether name can be used as a file of the store.
func ValidName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	// "||" marks a payload in the legacy framing
	if strings.HasPrefix(name, "||") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// cleanName accepts a bare file name, a single leading "/" is dropped
// so the sftp gateway can pass its absolute paths.
func (FS *LocalFS) cleanName(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
