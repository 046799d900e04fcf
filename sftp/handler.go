package sftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/tools"
	"github.com/pkg/sftp"
)

// Sessions serves the flat store to one ssh user. The store has no
// directories, the only directory is the root "/".
type Sessions struct {
	fs     filesystem.FSWithFile
	logger *slog.Logger
	user   string
}

var _ sftp.StatVFSFileCmder = &Sessions{}

func NewFileSys(sessions *Sessions) sftp.Handlers {
	return sftp.Handlers{
		FileGet:  sessions,
		FilePut:  sessions,
		FileCmd:  sessions,
		FileList: sessions,
	}
}

func (s *Sessions) logRequest(name string, request *sftp.Request) {
	s.logger.Debug(name,
		"user", s.user,
		"request.Method", request.Method,
		"request.Filepath", request.Filepath,
		"request.Attrs", tools.IsPrintable(request.Attrs),
		"request.Flags", request.Flags,
		"request.Target", request.Target,
	)
}

// fileName turns an sftp path into a store name, anything below a sub directory is refused.
func fileName(p string) (string, error) {
	dir, name := path.Split(path.Clean("/" + p))
	if dir != "/" || !filesystem.ValidName(name) {
		return "", fmt.Errorf("%w: %s", filesystem.ErrInvalidName, p)
	}
	return name, nil
}

func (s *Sessions) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	s.logRequest("Fileread", request)

	name, err := fileName(request.Filepath)
	if err != nil {
		return nil, err
	}
	file, err := s.fs.File(name, os.O_RDONLY)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, mapError(err)
	}
	return file, nil
}

func (s *Sessions) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	s.logRequest("Filewrite", request)

	name, err := fileName(request.Filepath)
	if err != nil {
		return nil, err
	}
	file, err := s.fs.File(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, mapError(err)
	}
	return file, nil
}

func (s *Sessions) Filecmd(request *sftp.Request) error {
	s.logRequest("Filecmd", request)

	switch request.Method {
	case "Setstat":
		// permissions and times are owned by the server
		name, err := fileName(request.Filepath)
		if err != nil {
			return err
		}
		_, err = s.fs.Stat(name)
		return mapError(err)

	case "Rename":
		// SFTP-v2: "It is an error if there already exists a file with the name specified by newpath."
		return s.PosixRename(request)

	case "Remove":
		name, err := fileName(request.Filepath)
		if err != nil {
			return err
		}
		return mapError(s.fs.Remove(name))
	}

	// Mkdir, Rmdir, Link and Symlink make no sense in a flat store
	return sftp.ErrSSHFxOpUnsupported
}

func (s *Sessions) PosixRename(request *sftp.Request) error {
	original, err := fileName(request.Filepath)
	if err != nil {
		return err
	}
	target, err := fileName(request.Target)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(target); err == nil {
		return fs.ErrExist
	}
	return mapError(s.fs.Rename(original, target))
}

func (s *Sessions) StatVFS(request *sftp.Request) (*sftp.StatVFS, error) {
	s.logRequest("StatVFS", request)
	return s.fs.StatFS()
}

type ListerAt []os.FileInfo

// ListAt Modeled after strings.Reader's ReadAt() implementation
func (f ListerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(f)) {
		return 0, io.EOF
	}
	n := copy(ls, f[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Sessions) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	s.logRequest("Filelist", request)

	isRoot := path.Clean("/"+request.Filepath) == "/"

	switch request.Method {
	case "List":
		if !isRoot {
			return nil, sftp.ErrSSHFxNoSuchFile
		}
		entries, err := s.fs.List()
		if err != nil {
			s.logger.Error("Filelist error", "error", err)
			return nil, fmt.Errorf("fileList error: %w", err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			infos = append(infos, entryInfo(entry))
		}
		return ListerAt(infos), nil

	case "Stat", "Lstat":
		if isRoot {
			info, err := os.Stat(s.fs.RootDir())
			if err != nil {
				return nil, fmt.Errorf("fileStat error: %w", err)
			}
			return ListerAt{rootInfo{info}}, nil
		}
		name, err := fileName(request.Filepath)
		if err != nil {
			return nil, sftp.ErrSSHFxNoSuchFile
		}
		info, err := s.fs.Stat(name)
		if err != nil {
			return nil, mapError(err)
		}
		return ListerAt{info}, nil
	}

	return nil, sftp.ErrSSHFxOpUnsupported
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, filesystem.ErrNotFound):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, filesystem.ErrInvalidName):
		return sftp.ErrSSHFxPermissionDenied
	}
	return err
}

// fileInfo is an os.FileInfo built from a listing entry
type fileInfo struct {
	entry filesystem.FileEntry
}

func entryInfo(e filesystem.FileEntry) os.FileInfo { return fileInfo{entry: e} }

func (f fileInfo) Name() string       { return f.entry.Name }
func (f fileInfo) Size() int64        { return f.entry.Size }
func (f fileInfo) Mode() fs.FileMode  { return 0644 }
func (f fileInfo) ModTime() time.Time { return f.entry.ModTime }
func (f fileInfo) IsDir() bool        { return false }
func (f fileInfo) Sys() any           { return nil }

// rootInfo names the store directory "/"
type rootInfo struct {
	fs.FileInfo
}

func (r rootInfo) Name() string { return "/" }
