package vio

import (
	"os"

	"golang.org/x/sys/unix"
)

func hostStat(path string) (Stat, error) {
	var st unix.Stat_t
	err := unix.Lstat(path, &st)
	if err != nil {
		return Stat{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return Stat{
		Mode:     st.Mode,
		Size:     uint64(st.Size),
		UID:      st.Uid,
		GID:      st.Gid,
		Nlink:    uint32(st.Nlink),
		Dev:      uint64(st.Dev),
		Ino:      st.Ino,
		Rdev:     uint64(st.Rdev),
		AtimeSec: st.Atim.Sec,
		CtimeSec: st.Ctim.Sec,
		MtimeSec: st.Mtim.Sec,
	}, nil
}

// hostXattrs enumerates a path's extended attributes without following
// symlinks. Filesystems without xattr support yield an empty list.
func hostXattrs(path string) ([]Xattr, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP || err == unix.ENOENT {
			return nil, nil
		}
		return nil, err
	}
	if sz == 0 {
		return nil, nil
	}

	buf := make([]byte, sz)
	sz, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:sz]

	var attrs []Xattr
	for len(buf) > 0 {
		i := 0
		for i < len(buf) && buf[i] != 0 {
			i++
		}
		name := string(buf[:i])
		if i == len(buf) {
			buf = nil
		} else {
			buf = buf[i+1:]
		}
		if name == "" {
			continue
		}

		vsz, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			return nil, err
		}
		value := make([]byte, vsz)
		vsz, err = unix.Lgetxattr(path, name, value)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, Xattr{Name: name, Value: value[:vsz]})
	}
	return attrs, nil
}
