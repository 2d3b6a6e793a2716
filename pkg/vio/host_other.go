//go:build !linux
// +build !linux

package vio

import (
	"os"
)

// hostStat is a reduced fallback for hosts without the unix stat
// syscalls. Ownership, link counts and device numbers are unavailable.
func hostStat(path string) (Stat, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Stat{}, err
	}

	st := Stat{
		Nlink:    1,
		Size:     uint64(fi.Size()),
		MtimeSec: fi.ModTime().Unix(),
		AtimeSec: fi.ModTime().Unix(),
		CtimeSec: fi.ModTime().Unix(),
	}

	mode := fi.Mode()
	st.Mode = uint32(mode.Perm())
	switch {
	case mode.IsDir():
		st.Mode |= ModeDir
	case mode&os.ModeSymlink != 0:
		st.Mode |= ModeSymlink
	case mode&os.ModeNamedPipe != 0:
		st.Mode |= ModeFifo
	case mode&os.ModeSocket != 0:
		st.Mode |= ModeSocket
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			st.Mode |= ModeCharDev
		} else {
			st.Mode |= ModeBlockDev
		}
	default:
		st.Mode |= ModeRegular
	}

	return st, nil
}

func hostXattrs(path string) ([]Xattr, error) {
	return nil, nil
}
