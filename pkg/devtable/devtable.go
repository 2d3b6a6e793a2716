// Package devtable parses device table files in the classic mtd-utils
// format and answers lookups by directory during image assembly.
//
// Each non-comment line reads:
//
//	<path> <type> <mode> <uid> <gid> <major> <minor> <start> <inc> <count>
//
// where type is one of d (directory), f (regular file), c (character
// device), b (block device) or p (fifo). When count is greater than zero
// a range of count device nodes <path><N> is created, with N counting up
// by one from start and the minor number advancing by inc per node.
package devtable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	unixpath "path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// File-type bits for Entry.Mode.
const (
	TypeMask = 0xF000
	Regular  = 0x8000
	BlockDev = 0x6000
	Dir      = 0x4000
	CharDev  = 0x2000
	Fifo     = 0x1000
)

// Entry describes one name within a directory. Implied entries are
// parent directories the table did not declare explicitly; they are
// created when missing but never override an existing file's attributes.
type Entry struct {
	Name    string
	Mode    uint32 // permissions plus file-type bits
	UID     uint32
	GID     uint32
	Major   uint32
	Minor   uint32
	Implied bool
}

// PathEntries collects every entry belonging to one directory.
type PathEntries struct {
	Path    string
	byName  map[string]*Entry
	ordered []*Entry
}

// FindName returns the entry with the given name, or nil.
func (pe *PathEntries) FindName(name string) *Entry {
	if pe == nil {
		return nil
	}
	return pe.byName[name]
}

// Entries returns the directory's entries in table order.
func (pe *PathEntries) Entries() []*Entry {
	if pe == nil {
		return nil
	}
	return pe.ordered
}

// Table is a parsed device table, indexed by directory.
type Table struct {
	byPath map[string]*PathEntries
}

// FindPath returns the entries for the given image directory ("/" for
// the root), or nil.
func (t *Table) FindPath(dir string) *PathEntries {
	if t == nil {
		return nil
	}
	return t.byPath[dir]
}

func (t *Table) add(path string, e *Entry) {
	pe := t.byPath[path]
	if pe == nil {
		pe = &PathEntries{
			Path:   path,
			byName: make(map[string]*Entry),
		}
		t.byPath[path] = pe
	}
	if old := pe.byName[e.Name]; old != nil {
		*old = *e
		return
	}
	pe.byName[e.Name] = e
	pe.ordered = append(pe.ordered, e)
}

// LoadFile parses the device table at path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tbl, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "device table %q", path)
	}
	return tbl, nil
}

// Parse reads a device table.
func Parse(r io.Reader) (*Table, error) {

	t := &Table{
		byPath: make(map[string]*PathEntries),
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		err := t.parseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t.addImpliedDirs()

	return t, nil
}

// addImpliedDirs declares every undeclared parent directory so lookups
// during assembly can create the full chain.
func (t *Table) addImpliedDirs() {
	paths := make([]string, 0, len(t.byPath))
	for path := range t.byPath {
		paths = append(paths, path)
	}
	for _, path := range paths {
		t.ensureDir(path)
	}
}

func (t *Table) ensureDir(path string) {
	if path == "/" || path == "" {
		return
	}
	dir, name := unixpath.Split(path)
	dir = unixpath.Clean(dir)
	if pe := t.byPath[dir]; pe != nil && pe.byName[name] != nil {
		return
	}
	t.add(dir, &Entry{
		Name:    name,
		Mode:    Dir | 0755,
		Implied: true,
	})
	t.ensureDir(dir)
}

func (t *Table) parseLine(line string) error {

	fields := strings.Fields(line)
	if len(fields) < 5 {
		return fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	path := fields[0]
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q is not absolute", path)
	}
	path = unixpath.Clean(path)

	var typeBits uint32
	switch fields[1] {
	case "d":
		typeBits = Dir
	case "f":
		typeBits = Regular
	case "c":
		typeBits = CharDev
	case "b":
		typeBits = BlockDev
	case "p":
		typeBits = Fifo
	default:
		return fmt.Errorf("unknown entry type %q", fields[1])
	}

	perm, err := strconv.ParseUint(fields[2], 8, 32)
	if err != nil {
		return fmt.Errorf("bad mode %q", fields[2])
	}

	nums := make([]uint64, 7)
	for i := 3; i < len(fields) && i < 10; i++ {
		s := fields[i]
		if s == "-" {
			continue
		}
		nums[i-3], err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("bad numeric field %q", s)
		}
	}
	uid, gid := uint32(nums[0]), uint32(nums[1])
	major, minor := uint32(nums[2]), uint32(nums[3])
	start, inc, count := nums[4], nums[5], nums[6]

	dir, name := unixpath.Split(path)
	dir = unixpath.Clean(dir)
	if name == "" && path != "/" {
		return fmt.Errorf("path %q has no name component", path)
	}

	base := &Entry{
		Name:  name,
		Mode:  typeBits | uint32(perm)&07777,
		UID:   uid,
		GID:   gid,
		Major: major,
		Minor: minor,
	}

	if count == 0 {
		t.add(dir, base)
		return nil
	}

	if typeBits != CharDev && typeBits != BlockDev {
		return fmt.Errorf("count given for non-device entry %q", path)
	}
	for i := uint64(0); i < count; i++ {
		e := *base
		e.Name = name + strconv.FormatUint(start+i, 10)
		e.Minor = minor + uint32(i*inc)
		ecopy := e
		t.add(dir, &ecopy)
	}
	return nil
}
