//go:build !linux && !darwin

package storage

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"btcore/internal/base"
)

// ErrLocked is returned when another process holds the database file.
var ErrLocked = errors.New("database file is locked by another process")

// File implements Storage on a regular file. On platforms without flock no
// inter-process lock is taken.
type File struct {
	file *os.File
	counters
}

// OpenFile opens or creates the database file at path.
func OpenFile(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: file}, nil
}

func (f *File) ReadPage(pgno base.Pgno, p *base.Page) error {
	if f.file == nil {
		return ErrClosed
	}
	if pgno == 0 {
		return errors.Newf("read of page 0")
	}
	f.reads.Add(1)
	n, err := f.file.ReadAt(p.Data[:], offset(pgno))
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "read page %d", pgno)
	}
	f.read.Add(uint64(n))
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
	n, err := f.file.WriteAt(p.Data[:], offset(pgno))
	f.written.Add(uint64(n))
	if err != nil {
		return errors.Wrapf(err, "write page %d", pgno)
	}
	return nil
}

func (f *File) Truncate(nPage uint32) error {
	if f.file == nil {
		return ErrClosed
	}
	return f.file.Truncate(int64(nPage) * base.PageSize)
}

func (f *File) Size() (uint32, error) {
	if f.file == nil {
		return 0, ErrClosed
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(info.Size() / base.PageSize), nil
}

func (f *File) Sync() error {
	if f.file == nil {
		return ErrClosed
	}
	f.syncs.Add(1)
	return f.file.Sync()
}

func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Stats returns I/O statistics
func (f *File) Stats() Stats {
	return f.stats()
}
