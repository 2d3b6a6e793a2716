package ubifs

import (
	"fmt"
	"io"
	"os"
)

// Target accepts whole-LEB writes. Implementations never see a partial
// LEB: every buffer handed to LebChange is exactly leb_size bytes.
type Target interface {
	LebChange(lnum int, buf []byte) error
	Finalize(lebCnt int) error
	Close() error
}

// FileTarget writes LEBs into a regular file at lnum*leb_size. LEBs may
// arrive out of order; Finalize fills every untouched LEB with 0xFF so the
// final file length is exactly leb_cnt*leb_size.
type FileTarget struct {
	f       *os.File
	lebSize int
	written map[int]bool
}

func NewFileTarget(path string, lebSize int) (*FileTarget, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileTarget{
		f:       f,
		lebSize: lebSize,
		written: make(map[int]bool),
	}, nil
}

func (t *FileTarget) LebChange(lnum int, buf []byte) error {
	if len(buf) != t.lebSize {
		return fmt.Errorf("LEB %d: short buffer (%d bytes)", lnum, len(buf))
	}
	_, err := t.f.WriteAt(buf, int64(lnum)*int64(t.lebSize))
	if err != nil {
		return err
	}
	t.written[lnum] = true
	return nil
}

func (t *FileTarget) Finalize(lebCnt int) error {
	empty := make([]byte, t.lebSize)
	fill(empty, 0xFF)
	for lnum := 0; lnum < lebCnt; lnum++ {
		if t.written[lnum] {
			continue
		}
		_, err := t.f.WriteAt(empty, int64(lnum)*int64(t.lebSize))
		if err != nil {
			return err
		}
	}
	return t.f.Truncate(int64(lebCnt) * int64(t.lebSize))
}

func (t *FileTarget) Close() error {
	return t.f.Close()
}

// SeekerTarget adapts any io.WriteSeeker, for callers that compile into a
// buffer or stream rather than a file on disk.
type SeekerTarget struct {
	w       io.WriteSeeker
	lebSize int
	written map[int]bool
	maxLnum int
}

func NewSeekerTarget(w io.WriteSeeker, lebSize int) *SeekerTarget {
	return &SeekerTarget{
		w:       w,
		lebSize: lebSize,
		written: make(map[int]bool),
	}
}

func (t *SeekerTarget) LebChange(lnum int, buf []byte) error {
	if len(buf) != t.lebSize {
		return fmt.Errorf("LEB %d: short buffer (%d bytes)", lnum, len(buf))
	}
	_, err := t.w.Seek(int64(lnum)*int64(t.lebSize), io.SeekStart)
	if err != nil {
		return err
	}
	_, err = t.w.Write(buf)
	if err != nil {
		return err
	}
	t.written[lnum] = true
	if lnum > t.maxLnum {
		t.maxLnum = lnum
	}
	return nil
}

func (t *SeekerTarget) Finalize(lebCnt int) error {
	empty := make([]byte, t.lebSize)
	fill(empty, 0xFF)
	for lnum := 0; lnum < lebCnt; lnum++ {
		if t.written[lnum] {
			continue
		}
		err := t.LebChange(lnum, empty)
		if err != nil {
			return err
		}
	}
	_, err := t.w.Seek(int64(lebCnt)*int64(t.lebSize), io.SeekStart)
	return err
}

func (t *SeekerTarget) Close() error {
	return nil
}
