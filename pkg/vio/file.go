package vio

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Unix file-type bits as they appear in Stat.Mode.
const (
	ModeTypeMask = 0xF000
	ModeSocket   = 0xC000
	ModeSymlink  = 0xA000
	ModeRegular  = 0x8000
	ModeBlockDev = 0x6000
	ModeDir      = 0x4000
	ModeCharDev  = 0x2000
	ModeFifo     = 0x1000
)

// Stat carries the host inode attributes an image builder needs. Times
// are seconds since the epoch; the builders write with one-second
// granularity.
type Stat struct {
	Mode     uint32
	Size     uint64
	UID      uint32
	GID      uint32
	Nlink    uint32
	Dev      uint64
	Ino      uint64
	Rdev     uint64
	AtimeSec int64
	CtimeSec int64
	MtimeSec int64
}

// Xattr is one extended attribute.
type Xattr struct {
	Name  string
	Value []byte
}

// File represents a file from the filesystem, or a synthetic one.
type File interface {

	// Name returns the base name of the file, not a
	// full path (see filepath.Base).
	Name() string

	// Size returns the size of the file in bytes. If
	// the file represents a directory the size returned
	// should be zero.
	Size() int

	// ModTime returns the time the file was most
	// recently modified.
	ModTime() time.Time

	// Stat returns the inode attributes of the file.
	Stat() Stat

	// Xattrs enumerates the file's extended attributes. Hosts or
	// filesystems without xattr support return an empty list, not an
	// error.
	Xattrs() ([]Xattr, error)

	// Read implements io.Reader to retrieve file
	// contents.
	Read(p []byte) (n int, err error)

	// Close implements io.Closer.
	Close() error

	// IsDir returns true if the File represents a
	// directory.
	IsDir() bool

	// IsSymlink returns true if the File represents a symlink.
	IsSymlink() bool

	// Symlink returns the symlink target, or an empty string if the
	// File is not a symlink.
	Symlink() string
}

// CustomFileArgs configures a synthetic file. A zero Mode is derived
// from IsDir/IsSymlink, defaulting to a regular file.
type CustomFileArgs struct {
	Name       string
	Size       int
	ModTime    time.Time
	IsDir      bool
	IsSymlink  bool
	Symlink    string
	ReadCloser io.ReadCloser
	Stat       Stat
	Xattrs     []Xattr
}

// CustomFile creates a File from the args.
func CustomFile(args CustomFileArgs) File {

	if args.ReadCloser == nil {
		args.ReadCloser = ioutil.NopCloser(strings.NewReader(args.Symlink))
	}

	if args.Stat.Mode&ModeTypeMask == 0 {
		switch {
		case args.IsDir:
			args.Stat.Mode |= ModeDir
			if args.Stat.Mode&0777 == 0 {
				args.Stat.Mode |= 0755
			}
		case args.IsSymlink:
			args.Stat.Mode |= ModeSymlink | 0777
		default:
			args.Stat.Mode |= ModeRegular
			if args.Stat.Mode&0777 == 0 {
				args.Stat.Mode |= 0644
			}
		}
	}

	if args.Stat.Nlink == 0 {
		args.Stat.Nlink = 1
	}

	if args.Stat.Size == 0 {
		args.Stat.Size = uint64(args.Size)
	}

	if args.ModTime.IsZero() {
		args.ModTime = time.Unix(args.Stat.MtimeSec, 0).UTC()
	} else if args.Stat.MtimeSec == 0 {
		args.Stat.MtimeSec = args.ModTime.Unix()
		args.Stat.AtimeSec = args.ModTime.Unix()
		args.Stat.CtimeSec = args.ModTime.Unix()
	}

	return &customFile{
		args: args,
	}
}

type customFile struct {
	args CustomFileArgs
}

func (f *customFile) Name() string {
	return f.args.Name
}

func (f *customFile) Size() int {
	return f.args.Size
}

func (f *customFile) ModTime() time.Time {
	return f.args.ModTime
}

func (f *customFile) Stat() Stat {
	return f.args.Stat
}

func (f *customFile) Xattrs() ([]Xattr, error) {
	return f.args.Xattrs, nil
}

func (f *customFile) IsDir() bool {
	return f.args.IsDir
}

func (f *customFile) IsSymlink() bool {
	return f.args.IsSymlink
}

func (f *customFile) Symlink() string {
	return f.args.Symlink
}

func (f *customFile) Read(p []byte) (n int, err error) {
	return f.args.ReadCloser.Read(p)
}

func (f *customFile) Close() error {
	return f.args.ReadCloser.Close()
}

// hostFile is a lazily-opened file on the host filesystem.
type hostFile struct {
	path    string
	name    string
	size    int
	modTime time.Time
	stat    Stat
	symlink string
	rc      io.ReadCloser
}

func (f *hostFile) Name() string {
	return f.name
}

func (f *hostFile) Size() int {
	return f.size
}

func (f *hostFile) ModTime() time.Time {
	return f.modTime
}

func (f *hostFile) Stat() Stat {
	return f.stat
}

func (f *hostFile) Xattrs() ([]Xattr, error) {
	return hostXattrs(f.path)
}

func (f *hostFile) IsDir() bool {
	return f.stat.Mode&ModeTypeMask == ModeDir
}

func (f *hostFile) IsSymlink() bool {
	return f.stat.Mode&ModeTypeMask == ModeSymlink
}

func (f *hostFile) Symlink() string {
	return f.symlink
}

func (f *hostFile) Read(p []byte) (n int, err error) {
	if f.rc == nil {
		if f.stat.Mode&ModeTypeMask != ModeRegular {
			return 0, io.EOF
		}
		f.rc, err = os.Open(f.path)
		if err != nil {
			return 0, err
		}
	}
	return f.rc.Read(p)
}

func (f *hostFile) Close() error {
	if f.rc == nil {
		return nil
	}
	rc := f.rc
	f.rc = nil
	return rc.Close()
}

// Path returns the host path backing a File loaded with LazyOpen, or an
// empty string for synthetic files.
func Path(f File) string {
	hf, ok := f.(*hostFile)
	if !ok {
		return ""
	}
	return hf.path
}

// LazyOpen creates a File from the host filesystem without opening it.
// The file is opened when it is first read, so the function is safe for
// use on very large directory trees.
func LazyOpen(path string) (File, error) {

	st, err := hostStat(path)
	if err != nil {
		return nil, err
	}

	f := &hostFile{
		path:    path,
		name:    filepath.Base(path),
		stat:    st,
		modTime: time.Unix(st.MtimeSec, 0).UTC(),
	}

	switch st.Mode & ModeTypeMask {
	case ModeRegular:
		f.size = int(st.Size)
	case ModeSymlink:
		lpath, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		f.symlink = filepath.ToSlash(lpath)
		f.size = len(f.symlink)
		f.stat.Size = uint64(f.size)
		f.rc = ioutil.NopCloser(strings.NewReader(f.symlink))
	}

	return f, nil
}

// Open mimics the os.Open function but returns an implementation of File,
// with contents available immediately.
func Open(path string) (File, error) {
	f, err := LazyOpen(path)
	if err != nil {
		return nil, err
	}
	hf := f.(*hostFile)
	if hf.stat.Mode&ModeTypeMask == ModeRegular {
		hf.rc, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}
