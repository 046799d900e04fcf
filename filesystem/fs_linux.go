package filesystem

import (
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/sys/unix"
)

// StatFS returns the status of the file system holding the store
func (FS *LocalFS) StatFS() (*sftp.StatVFS, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(FS.localDir, &stat); err != nil {
		return nil, fmt.Errorf("error getting file system info: %w", err)
	}

	return &sftp.StatVFS{
		Bsize:   uint64(stat.Bsize),
		Frsize:  uint64(stat.Frsize),
		Blocks:  stat.Blocks,
		Bfree:   stat.Bfree,
		Bavail:  stat.Bavail,
		Files:   stat.Files,
		Ffree:   stat.Ffree,
		Favail:  stat.Ffree, // linux has no separate count for unprivileged users
		Fsid:    uint64(uint32(stat.Fsid.Val[1]))<<32 | uint64(uint32(stat.Fsid.Val[0])),
		Flag:    uint64(stat.Flags),
		Namemax: uint64(stat.Namelen),
	}, nil
}
