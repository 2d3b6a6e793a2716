package vio

import (
	"errors"
	"io/ioutil"
	"os"
	unixpath "path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNodeNotFound is returned when attempting to look up a
// node within a FileTree that does not exist.
var ErrNodeNotFound = errors.New("node not found")

// WalkFunc is the type of function called for each file or
// directory visited by FileTree.Walk. The root node will
// have path ".", and all other nodes will be built from
// that (e.g. "./a").
type WalkFunc func(path string, f File) error

// WalkNodeFunc is the type of function called for each node
// visited by FileTree.WalkNode.
type WalkNodeFunc func(path string, n *TreeNode) error

// ErrSkip can be passed as the result from a WalkFunc to
// tell FileTree.Walk to skip the remainder of the directory.
var ErrSkip = errors.New("skip")

// FileTree organizes the files and directories that will become the
// contents of a filesystem image.
type FileTree interface {
	Close() error

	// Map adds f to the FileTree at path. It automatically
	// creates parent directories (recursively) if necessary,
	// and it automatically replaces any existing nodes
	// within the tree if there are collisions, calling
	// the Close method recursively on all replaced
	// nodes.
	//
	// Mapping a directory over an existing directory
	// node does not delete all existing nodes under the
	// directory, but instead merges over the top of
	// them, only replacing nodes with the same name.
	Map(path string, f File) error

	// Unmap removes a node from the FileTree, calling
	// the Close method recursively on all removed
	// nodes.
	Unmap(path string) error

	// Walk traverses the FileTree recursively in a
	// pre-order tree traversal.
	Walk(fn WalkFunc) error

	// WalkNode traverses the FileTree recursively and
	// passes in a complete tree node so we can learn
	// more about it's place in the tree.
	WalkNode(fn WalkNodeFunc) error

	// Root returns the root node of the tree.
	Root() *TreeNode

	NodeCount() int
}

type tree struct {
	root   *TreeNode
	closed bool
}

// TreeNode is the structure that all nodes in a FileTree are built on.
// Children are kept sorted by name.
type TreeNode struct {
	File     File
	Parent   *TreeNode
	Children []*TreeNode
}

func (n *TreeNode) Path() string {

	if n.Parent == nil || n.Parent == n {
		return "/"
	}

	s := n.Parent.Path()
	return unixpath.Join(s, n.File.Name())

}

func (n *TreeNode) path() string {

	if n.Path() == "/" {
		return "."
	}

	return "." + n.Path()

}

func splitPath(path string) (next, rest string) {

	strs := strings.SplitN(path, "/", 2)
	next = strs[0]
	if len(strs) == 2 {
		rest = strs[1]
	}

	return next, rest

}

func (n *TreeNode) mapIn(path string, f File) error {

	var err error
	next, rest := splitPath(path)

	newNode := &TreeNode{
		Parent:   n,
		Children: []*TreeNode{},
	}

	if rest == "" {
		newNode.File = f
	} else {
		newNode.File = CustomFile(CustomFileArgs{
			Name:    next,
			IsDir:   true,
			ModTime: f.ModTime(),
		})
		err = newNode.mapIn(rest, f)
		if err != nil {
			return err
		}
	}

	before, selected, after := n.sliceChildren(next)

	if selected != nil {
		if selected.File.IsDir() && newNode.File.IsDir() {
			// merge
			if rest != "" {
				err = selected.mapIn(rest, f)
			} else {
				// keep existing children, adopt the new file's
				// attributes
				old := selected.File
				selected.File = f
				err = old.Close()
			}
			return err
		}

		// replace
		err := selected.close()
		if err != nil {
			return err
		}
	}

	// insert
	n.Children = append(before, append([]*TreeNode{newNode}, after...)...)
	return nil

}

func (n *TreeNode) close() error {

	err := n.walk(func(path string, f File) error {
		return f.Close()
	})
	if err != nil {
		return err
	}

	return nil

}

func (n *TreeNode) sliceChildren(next string) (before []*TreeNode, selected *TreeNode, after []*TreeNode) {

	l := len(n.Children)
	k := sort.Search(l, func(i int) bool {
		return next <= n.Children[i].File.Name()
	})

	if k == l || next != n.Children[k].File.Name() {
		return n.Children[:k], nil, n.Children[k:]
	}

	return n.Children[:k], n.Children[k], n.Children[k+1:]

}

func (n *TreeNode) unmap(path string) error {

	var err error

	next, rest := splitPath(path)
	before, selected, after := n.sliceChildren(next)
	if selected == nil {
		return ErrNodeNotFound
	}

	if rest != "" {
		return selected.unmap(rest)
	}

	err = selected.close()
	if err != nil {
		return err
	}

	n.Children = append(before, after...)
	return nil

}

func (n *TreeNode) walk(fn WalkFunc) error {

	var err error
	var isDir = n.File.IsDir()

	err = fn(n.path(), n.File)
	if err == nil && isDir {
		for _, child := range n.Children {
			err = child.walk(fn)
			if err != nil {
				break
			}
		}
	}

	if err == ErrSkip && isDir {
		return nil
	}

	if err != nil {
		return err
	}

	return nil

}

func (n *TreeNode) walkNode(fn WalkNodeFunc) error {

	var err error
	var isDir = n.File.IsDir()

	err = fn(n.path(), n)
	if err == nil && isDir {
		for _, child := range n.Children {
			err = child.walkNode(fn)
			if err != nil {
				break
			}
		}
	}

	if err == ErrSkip && isDir {
		return nil
	}

	if err != nil {
		return err
	}

	return nil

}

// NewFileTree returns a new filetree with an empty root directory. The
// root's timestamps are pinned to the epoch so images built from purely
// synthetic trees are reproducible.
func NewFileTree() FileTree {
	data := ioutil.NopCloser(strings.NewReader(""))

	return &tree{
		root: &TreeNode{
			File: CustomFile(CustomFileArgs{
				Name:       ".",
				Size:       0,
				IsDir:      true,
				ModTime:    time.Unix(0, 0).UTC(),
				ReadCloser: data,
			}),
			Parent:   nil,
			Children: []*TreeNode{},
		},
	}
}

type loadFromDirectory struct {
	dir  string
	tree FileTree
}

func (v *loadFromDirectory) walker(path string, fi os.FileInfo, err error) error {

	if err != nil {
		return err
	}

	path = filepath.ToSlash(path)
	abs := path
	path = strings.TrimPrefix(path, v.dir)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}

	f, err := LazyOpen(abs)
	if err != nil {
		return err
	}

	err = v.tree.Map(path, f)
	if err != nil {
		return err
	}

	return nil

}

// FileTreeFromDirectory creates a new FileTree based on a directory. The
// files in the tree will be loaded in lazily, so the function should be safe
// for use on very large directory trees. The root node carries the
// directory's own attributes.
func FileTreeFromDirectory(dir string) (FileTree, error) {

	dir = filepath.ToSlash(dir)

	rootStat, err := hostStat(dir)
	if err != nil {
		return nil, err
	}

	t := &tree{
		root: &TreeNode{
			File: CustomFile(CustomFileArgs{
				Name:  ".",
				IsDir: true,
				Stat:  rootStat,
			}),
			Parent:   nil,
			Children: []*TreeNode{},
		},
	}

	v := &loadFromDirectory{
		tree: t,
		dir:  dir,
	}

	err = filepath.Walk(dir, v.walker)
	if err != nil {
		return nil, err
	}

	return v.tree, nil

}

func (t *tree) Close() error {

	if t.closed {
		return errors.New("already closed")
	}
	t.closed = true
	err := t.Walk(func(path string, f File) error {
		return f.Close()
	})
	if err != nil {
		return err
	}

	return nil
}

func (t *tree) NodeCount() int {
	count := 0
	_ = t.root.walkNode(func(path string, n *TreeNode) error {
		count++
		return nil
	})
	return count
}

func (t *tree) Root() *TreeNode {
	return t.root
}

func (t *tree) Map(path string, f File) error {

	if f.Size() < 0 {
		return errors.New("cannot map object with negative size")
	}

	path = filepath.ToSlash(path)
	path = unixpath.Clean(path)
	path = filepath.ToSlash(path)
	path = unixpath.Join("/", path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return errors.New("cannot map over the root node")
	}

	return t.root.mapIn(path, f)

}

func (t *tree) WalkNode(fn WalkNodeFunc) error {
	return t.root.walkNode(fn)
}

func (t *tree) Walk(fn WalkFunc) error {
	return t.root.walk(fn)
}

func (t *tree) Unmap(path string) error {

	path = unixpath.Clean(path)
	path = filepath.ToSlash(path)
	return t.root.unmap(path)

}
