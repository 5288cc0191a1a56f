//go:build linux || darwin

package storage

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"btcore/internal/base"
)

// ErrLocked is returned when another process holds the database file.
var ErrLocked = errors.New("database file is locked by another process")

// File implements Storage on a regular file using positional I/O. An
// exclusive advisory lock is held on the file for the lifetime of the store.
type File struct {
	file *os.File
	fd   int
	counters
}

// OpenFile opens or creates the database file at path.
func OpenFile(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR | os.O_CREATE
	how := unix.LOCK_EX
	if readOnly {
		flag = os.O_RDONLY
		how = unix.LOCK_SH
	}
	file, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, err
	}

	fd := int(file.Fd())
	if err := unix.Flock(fd, how|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "%s", path)
		}
		return nil, errors.Wrapf(err, "lock %s", path)
	}

	return &File{file: file, fd: fd}, nil
}

func (f *File) ReadPage(pgno base.Pgno, p *base.Page) error {
	if f.file == nil {
		return ErrClosed
	}
	if pgno == 0 {
		return errors.Newf("read of page 0")
	}

	f.reads.Add(1)
	n, err := unix.Pread(f.fd, p.Data[:], offset(pgno))
	if err != nil {
		return errors.Wrapf(err, "read page %d", pgno)
	}
	f.read.Add(uint64(n))
	// Short reads happen past EOF; the remainder of the page is zero.
	clear(p.Data[n:])
	return nil
}

func (f *File) WritePage(pgno base.Pgno, p *base.Page) error {
	if f.file == nil {
		return ErrClosed
	}
	if pgno == 0 {
		return errors.Newf("write of page 0")
	}

	f.writes.Add(1)
	n, err := unix.Pwrite(f.fd, p.Data[:], offset(pgno))
	f.written.Add(uint64(max(n, 0)))
	if err != nil {
		return errors.Wrapf(err, "write page %d", pgno)
	}
	if n != base.PageSize {
		return errors.Newf("short write: wrote %d bytes, expected %d", n, base.PageSize)
	}
	return nil
}

func (f *File) Truncate(nPage uint32) error {
	if f.file == nil {
		return ErrClosed
	}
	return unix.Ftruncate(f.fd, int64(nPage)*base.PageSize)
}

func (f *File) Size() (uint32, error) {
	if f.file == nil {
		return 0, ErrClosed
	}
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, err
	}
	return uint32(st.Size / base.PageSize), nil
}

// Sync flushes written pages to stable storage.
func (f *File) Sync() error {
	if f.file == nil {
		return ErrClosed
	}
	f.syncs.Add(1)
	return unix.Fsync(f.fd)
}

// Close releases the lock and closes the file.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	_ = unix.Flock(f.fd, unix.LOCK_UN)
	err := f.file.Close()
	f.file = nil
	return err
}

// Stats returns I/O statistics
func (f *File) Stats() Stats {
	return f.stats()
}
