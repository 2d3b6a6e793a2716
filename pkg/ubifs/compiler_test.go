package ubifs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"strconv"
	"strings"
	"testing"

	"github.com/vorteil/ubimg/pkg/devtable"
	"github.com/vorteil/ubimg/pkg/vio"
)

const (
	tMinIO   = 2048
	tLebSize = 126976
	tMaxLebs = 100
)

func testOpts() Opts {
	return Opts{
		MinIOSize: tMinIO,
		LebSize:   tLebSize,
		MaxLebCnt: tMaxLebs,
		Compr:     "none",
	}
}

func mapFile(t *testing.T, tree vio.FileTree, path, content string) {
	t.Helper()
	err := tree.Map(path, vio.CustomFile(vio.CustomFileArgs{
		Name:       path[strings.LastIndex(path, "/")+1:],
		Size:       len(content),
		ReadCloser: ioutil.NopCloser(strings.NewReader(content)),
	}))
	if err != nil {
		t.Fatal(err)
	}
}

func buildImage(t *testing.T, tree vio.FileTree, opts Opts) []byte {
	t.Helper()
	img, err := tryBuildImage(tree, opts)
	if err != nil {
		t.Fatalf("failed to compile image: %v", err)
	}
	return img
}

func tryBuildImage(tree vio.FileTree, opts Opts) ([]byte, error) {
	buf := vio.NewBuffer()
	target := NewSeekerTarget(buf, opts.LebSize)
	c := NewCompiler(&CompilerArgs{
		FileTree: tree,
		Target:   target,
		Opts:     opts,
	})
	err := c.Compile(context.Background())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type rawNode struct {
	lnum  int
	offs  int
	typ   uint8
	len   int
	sqnum uint64
	node  []byte
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func le64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// scanLeb decodes the node sequence at the front of a LEB, validating
// magic and CRC, skipping padding nodes, stopping at erased space.
func scanLeb(t *testing.T, img []byte, lebSize, lnum int) []rawNode {
	t.Helper()
	leb := img[lnum*lebSize : (lnum+1)*lebSize]
	var nodes []rawNode
	offs := 0
	for offs+ChSz <= lebSize {
		if le32(leb[offs:]) != NodeMagic {
			break
		}
		length := int(le32(leb[offs+16:]))
		typ := leb[offs+20]
		if length < ChSz || offs+length > lebSize {
			t.Fatalf("LEB %d: bad node length %d at %d", lnum, length, offs)
		}
		if le32(leb[offs+4:]) != nodeCRC(leb[offs+8:offs+length]) {
			t.Fatalf("LEB %d: bad CRC at %d", lnum, offs)
		}
		if typ == PadNode {
			padLen := int(le32(leb[offs+24:]))
			offs += PadNodeSz + padLen
			continue
		}
		nodes = append(nodes, rawNode{
			lnum:  lnum,
			offs:  offs,
			typ:   typ,
			len:   length,
			sqnum: le64(leb[offs+8:]),
			node:  leb[offs : offs+length],
		})
		offs += align8(length)
	}
	return nodes
}

func readNodeAt(t *testing.T, img []byte, lebSize, lnum, offs int) rawNode {
	t.Helper()
	leb := img[lnum*lebSize : (lnum+1)*lebSize]
	if le32(leb[offs:]) != NodeMagic {
		t.Fatalf("no node at %d:%d", lnum, offs)
	}
	length := int(le32(leb[offs+16:]))
	if le32(leb[offs+4:]) != nodeCRC(leb[offs+8:offs+length]) {
		t.Fatalf("bad CRC at %d:%d", lnum, offs)
	}
	return rawNode{
		lnum:  lnum,
		offs:  offs,
		typ:   leb[offs+20],
		len:   length,
		sqnum: le64(leb[offs+8:]),
		node:  leb[offs : offs+length],
	}
}

func parseSB(t *testing.T, img []byte) SBNode {
	t.Helper()
	var sb SBNode
	err := binary.Read(bytes.NewReader(img[:SBNodeSz]), binary.LittleEndian, &sb)
	if err != nil {
		t.Fatal(err)
	}
	if sb.Ch.Magic != NodeMagic || sb.Ch.NodeType != SBNodeType {
		t.Fatalf("superblock header malformed")
	}
	return sb
}

func parseMst(t *testing.T, img []byte, lebSize int) MstNode {
	t.Helper()
	var mst MstNode
	err := binary.Read(bytes.NewReader(img[MstLnum*lebSize:]), binary.LittleEndian, &mst)
	if err != nil {
		t.Fatal(err)
	}
	if mst.Ch.Magic != NodeMagic || mst.Ch.NodeType != MstNodeType {
		t.Fatalf("master node header malformed")
	}
	return mst
}

func parseIno(t *testing.T, n rawNode) InoNodeHdr {
	t.Helper()
	var ino InoNodeHdr
	err := binary.Read(bytes.NewReader(n.node), binary.LittleEndian, &ino)
	if err != nil {
		t.Fatal(err)
	}
	return ino
}

func parseDent(t *testing.T, n rawNode) (DentNodeHdr, string) {
	t.Helper()
	var dent DentNodeHdr
	err := binary.Read(bytes.NewReader(n.node), binary.LittleEndian, &dent)
	if err != nil {
		t.Fatal(err)
	}
	name := string(n.node[DentNodeSz : DentNodeSz+int(dent.Nlen)])
	return dent, name
}

func parseData(t *testing.T, n rawNode) (DataNodeHdr, []byte) {
	t.Helper()
	var dn DataNodeHdr
	err := binary.Read(bytes.NewReader(n.node), binary.LittleEndian, &dn)
	if err != nil {
		t.Fatal(err)
	}
	return dn, n.node[DataNodeSz:]
}

func nodesOfType(nodes []rawNode, typ uint8) []rawNode {
	var out []rawNode
	for _, n := range nodes {
		if n.typ == typ {
			out = append(out, n)
		}
	}
	return out
}

func scanMainArea(t *testing.T, img []byte, lebSize int, sb SBNode, mst MstNode) []rawNode {
	t.Helper()
	mainFirst := LogLnum + int(sb.LogLebs) + int(sb.LptLebs) + int(sb.OrphLebs)
	var nodes []rawNode
	for lnum := mainFirst; lnum < int(mst.LebCnt); lnum++ {
		nodes = append(nodes, scanLeb(t, img, lebSize, lnum)...)
	}
	return nodes
}

func TestHelloImage(t *testing.T) {

	tree := vio.NewFileTree()
	mapFile(t, tree, "/hello", "hi\n")

	img := buildImage(t, tree, testOpts())

	sb := parseSB(t, img)
	if sb.FmtVersion != 4 {
		t.Errorf("fmt_version = %d, expected 4", sb.FmtVersion)
	}
	if sb.MinIOSize != tMinIO || sb.LebSize != tLebSize || sb.MaxLebCnt != tMaxLebs {
		t.Errorf("superblock geometry mismatch")
	}
	if sb.DefaultCompr != ComprNone {
		t.Errorf("default_compr = %d, expected none", sb.DefaultCompr)
	}
	if sb.Fanout != 8 {
		t.Errorf("fanout = %d, expected 8", sb.Fanout)
	}

	mst := parseMst(t, img, tLebSize)
	if int(mst.LebCnt)*tLebSize != len(img) {
		t.Errorf("image length %d != leb_cnt %d * leb_size", len(img), mst.LebCnt)
	}

	// Both master LEBs must be byte-identical.
	if !bytes.Equal(img[MstLnum*tLebSize:(MstLnum+1)*tLebSize],
		img[(MstLnum+1)*tLebSize:(MstLnum+2)*tLebSize]) {
		t.Errorf("master node copies differ")
	}

	if mst.HighestInum != FirstIno+1 {
		t.Errorf("highest_inum = %d, expected %d", mst.HighestInum, FirstIno+1)
	}

	nodes := scanMainArea(t, img, tLebSize, sb, mst)

	// Sequence numbers must be unique and strictly increasing in
	// emission order.
	for i := 1; i < len(nodes); i++ {
		if nodes[i].sqnum <= nodes[i-1].sqnum {
			t.Errorf("sqnum not increasing at node %d", i)
		}
	}

	datas := nodesOfType(nodes, DataNode)
	if len(datas) != 1 {
		t.Fatalf("expected 1 data node, got %d", len(datas))
	}
	dn, payload := parseData(t, datas[0])
	if dn.Size != 3 || dn.ComprType != ComprNone || string(payload) != "hi\n" {
		t.Errorf("data node mismatch: size %d compr %d payload %q", dn.Size, dn.ComprType, payload)
	}

	dents := nodesOfType(nodes, DentNode)
	if len(dents) != 1 {
		t.Fatalf("expected 1 dentry, got %d", len(dents))
	}
	dent, name := parseDent(t, dents[0])
	if name != "hello" || dent.Inum != FirstIno+1 || dent.Type != ItypeReg {
		t.Errorf("dentry mismatch: name %q inum %d type %d", name, dent.Inum, dent.Type)
	}

	inos := nodesOfType(nodes, InoNode)
	if len(inos) != 2 {
		t.Fatalf("expected 2 inodes, got %d", len(inos))
	}
	var rootIno, fileIno *InoNodeHdr
	for i := range inos {
		ino := parseIno(t, inos[i])
		switch le32(ino.Key[:4]) {
		case RootIno:
			rootIno = &ino
		case FirstIno + 1:
			fileIno = &ino
		}
	}
	if rootIno == nil || fileIno == nil {
		t.Fatalf("missing inode nodes")
	}
	if fileIno.Size != 3 || fileIno.Nlink != 1 || fileIno.Mode != vio.ModeRegular|0644 {
		t.Errorf("file inode mismatch: size %d nlink %d mode %o", fileIno.Size, fileIno.Nlink, fileIno.Mode)
	}
	if rootIno.Nlink != 2 || rootIno.Mode&vio.ModeTypeMask != vio.ModeDir {
		t.Errorf("root inode mismatch: nlink %d mode %o", rootIno.Nlink, rootIno.Mode)
	}
	wantSize := uint64(InoNodeSz + align8(DentNodeSz+len("hello")+1))
	if rootIno.Size != wantSize {
		t.Errorf("root size = %d, expected %d", rootIno.Size, wantSize)
	}

	// The GC LEB is erased.
	gc := img[int(mst.GcLnum)*tLebSize : (int(mst.GcLnum)+1)*tLebSize]
	for i, b := range gc {
		if b != 0xFF {
			t.Fatalf("GC LEB dirty at offset %d", i)
		}
	}

	// The root index node covers every leaf.
	root := readNodeAt(t, img, tLebSize, int(mst.RootLnum), int(mst.RootOffs))
	if root.typ != IdxNodeType {
		t.Fatalf("zroot is not an index node")
	}
	if cc := int(le32(root.node[ChSz:]) & 0xffff); cc != 4 {
		t.Errorf("root index child count = %d, expected 4", cc)
	}
}

func TestEmptyImage(t *testing.T) {

	img := buildImage(t, nil, testOpts())

	sb := parseSB(t, img)
	mst := parseMst(t, img, tLebSize)

	nodes := scanMainArea(t, img, tLebSize, sb, mst)
	inos := nodesOfType(nodes, InoNode)
	if len(inos) != 1 {
		t.Fatalf("expected only the root inode, got %d inodes", len(inos))
	}
	ino := parseIno(t, inos[0])
	if le32(ino.Key[:4]) != RootIno || ino.Nlink != 2 {
		t.Errorf("root inode mismatch")
	}
	if len(nodesOfType(nodes, DataNode)) != 0 || len(nodesOfType(nodes, DentNode)) != 0 {
		t.Errorf("unexpected leaves in empty image")
	}
	if mst.HighestInum != FirstIno {
		t.Errorf("highest_inum = %d, expected %d", mst.HighestInum, FirstIno)
	}
}

func TestBlockBoundaries(t *testing.T) {

	for _, tc := range []struct {
		size  int
		nodes int
	}{
		{size: BlockSize, nodes: 1},
		{size: BlockSize + 1, nodes: 2},
	} {
		tree := vio.NewFileTree()
		mapFile(t, tree, "/f", strings.Repeat("A", tc.size))
		img := buildImage(t, tree, testOpts())

		sb := parseSB(t, img)
		mst := parseMst(t, img, tLebSize)
		datas := nodesOfType(scanMainArea(t, img, tLebSize, sb, mst), DataNode)
		if len(datas) != tc.nodes {
			t.Errorf("size %d: expected %d data nodes, got %d", tc.size, tc.nodes, len(datas))
		}
	}
}

func TestSparseFile(t *testing.T) {

	tree := vio.NewFileTree()
	mapFile(t, tree, "/zeroes", strings.Repeat("\x00", 2*BlockSize))
	img := buildImage(t, tree, testOpts())

	sb := parseSB(t, img)
	mst := parseMst(t, img, tLebSize)
	nodes := scanMainArea(t, img, tLebSize, sb, mst)
	if n := len(nodesOfType(nodes, DataNode)); n != 0 {
		t.Errorf("expected no data nodes for an all-zero file, got %d", n)
	}
	for _, n := range nodesOfType(nodes, InoNode) {
		ino := parseIno(t, n)
		if le32(ino.Key[:4]) == FirstIno+1 && ino.Size != 2*BlockSize {
			t.Errorf("inode size = %d, expected %d", ino.Size, 2*BlockSize)
		}
	}
}

func TestHardLinks(t *testing.T) {

	tree := vio.NewFileTree()
	content := "hello world"
	for _, name := range []string{"a", "b"} {
		err := tree.Map("/"+name, vio.CustomFile(vio.CustomFileArgs{
			Name:       name,
			Size:       len(content),
			ReadCloser: ioutil.NopCloser(strings.NewReader(content)),
			Stat: vio.Stat{
				Nlink: 2,
				Dev:   1,
				Ino:   42,
			},
		}))
		if err != nil {
			t.Fatal(err)
		}
	}

	img := buildImage(t, tree, testOpts())

	sb := parseSB(t, img)
	mst := parseMst(t, img, tLebSize)
	nodes := scanMainArea(t, img, tLebSize, sb, mst)

	if mst.HighestInum != FirstIno+1 {
		t.Errorf("highest_inum = %d, expected %d", mst.HighestInum, FirstIno+1)
	}

	var linked *InoNodeHdr
	for _, n := range nodesOfType(nodes, InoNode) {
		ino := parseIno(t, n)
		if le32(ino.Key[:4]) == FirstIno+1 {
			if linked != nil {
				t.Fatalf("multi-linked inode emitted more than once")
			}
			linked = &ino
		}
	}
	if linked == nil {
		t.Fatalf("multi-linked inode missing")
	}
	if linked.Nlink != 2 {
		t.Errorf("nlink = %d, expected 2", linked.Nlink)
	}

	dents := nodesOfType(nodes, DentNode)
	if len(dents) != 2 {
		t.Fatalf("expected 2 dentries, got %d", len(dents))
	}
	for _, n := range dents {
		dent, _ := parseDent(t, n)
		if dent.Inum != FirstIno+1 {
			t.Errorf("dentry does not reference the shared inode")
		}
	}

	if n := len(nodesOfType(nodes, DataNode)); n != 1 {
		t.Errorf("expected 1 data node, got %d", n)
	}
}

func TestTooManyLEBs(t *testing.T) {

	tree := vio.NewFileTree()

	content := make([]byte, 400*1024)
	for i := range content {
		content[i] = byte(i*31 + 7)
	}
	err := tree.Map("/big", vio.CustomFile(vio.CustomFileArgs{
		Name:       "big",
		Size:       len(content),
		ReadCloser: ioutil.NopCloser(bytes.NewReader(content)),
	}))
	if err != nil {
		t.Fatal(err)
	}

	_, err = tryBuildImage(tree, Opts{
		MinIOSize: 8,
		LebSize:   15360,
		MaxLebCnt: 24,
		Compr:     "none",
	})
	if !errors.Is(err, ErrTooManyLEBs) {
		t.Errorf("expected ErrTooManyLEBs, got %v", err)
	}
}

// walkIndex descends from an index node counting reachable leaves and
// checking every branch target decodes as a valid node.
func walkIndex(t *testing.T, img []byte, lebSize int, n rawNode, leaves *int) {
	t.Helper()
	childCnt := int(le32(n.node[ChSz:]) & 0xffff)
	level := int(le32(n.node[ChSz:]) >> 16)
	for j := 0; j < childCnt; j++ {
		br := n.node[IdxNodeSz+j*(BranchSz+SKLen):]
		lnum := int(le32(br[0:]))
		offs := int(le32(br[4:]))
		child := readNodeAt(t, img, lebSize, lnum, offs)
		if level > 0 {
			if child.typ != IdxNodeType {
				t.Fatalf("index branch at level %d does not point at an index node", level)
			}
			walkIndex(t, img, lebSize, child, leaves)
		} else {
			if child.typ == IdxNodeType {
				t.Fatalf("level 0 branch points at an index node")
			}
			*leaves++
		}
	}
}

func TestMultiLevelIndex(t *testing.T) {

	tree := vio.NewFileTree()
	fileCnt := 60
	for i := 0; i < fileCnt; i++ {
		mapFile(t, tree, "/file-"+strconv.Itoa(i), "x")
	}

	img := buildImage(t, tree, testOpts())

	mst := parseMst(t, img, tLebSize)
	root := readNodeAt(t, img, tLebSize, int(mst.RootLnum), int(mst.RootOffs))
	if root.typ != IdxNodeType {
		t.Fatalf("zroot is not an index node")
	}
	if level := int(le32(root.node[ChSz:]) >> 16); level == 0 {
		t.Errorf("expected a multi-level index")
	}

	leaves := 0
	walkIndex(t, img, tLebSize, root, &leaves)
	want := fileCnt*3 + 1
	if leaves != want {
		t.Errorf("index reaches %d leaves, expected %d", leaves, want)
	}
}

func TestDeviceTable(t *testing.T) {

	tbl, err := devtable.Parse(strings.NewReader("/dev/null c 666 0 0 1 3\n"))
	if err != nil {
		t.Fatal(err)
	}

	opts := testOpts()
	opts.Devtable = tbl
	img := buildImage(t, nil, opts)

	sb := parseSB(t, img)
	mst := parseMst(t, img, tLebSize)
	nodes := scanMainArea(t, img, tLebSize, sb, mst)

	var devDirInum, nullInum uint64
	for _, n := range nodesOfType(nodes, DentNode) {
		dent, name := parseDent(t, n)
		switch name {
		case "dev":
			if dent.Type != ItypeDir {
				t.Errorf("dev dentry type = %d", dent.Type)
			}
			devDirInum = dent.Inum
		case "null":
			if dent.Type != ItypeChr {
				t.Errorf("null dentry type = %d", dent.Type)
			}
			nullInum = dent.Inum
		}
	}
	if devDirInum == 0 || nullInum == 0 {
		t.Fatalf("missing device table entries")
	}

	found := false
	for _, n := range nodesOfType(nodes, InoNode) {
		ino := parseIno(t, n)
		if uint64(le32(ino.Key[:4])) != nullInum {
			continue
		}
		found = true
		if ino.Mode != vio.ModeCharDev|0666 {
			t.Errorf("null mode = %o", ino.Mode)
		}
		if ino.DataLen != 8 {
			t.Fatalf("device inode data_len = %d", ino.DataLen)
		}
		dev := le64(n.node[InoNodeSz:])
		if dev != makedevHuge(1, 3) {
			t.Errorf("device descriptor = %#x", dev)
		}
	}
	if !found {
		t.Fatalf("device inode missing")
	}
}

func TestDeviceTableRejectsRegularFiles(t *testing.T) {

	tbl, err := devtable.Parse(strings.NewReader("/foo f 644 0 0\n"))
	if err != nil {
		t.Fatal(err)
	}

	opts := testOpts()
	opts.Devtable = tbl
	_, err = tryBuildImage(nil, opts)
	if !errors.Is(err, ErrDeviceTable) {
		t.Errorf("expected ErrDeviceTable, got %v", err)
	}
}

func TestReproducibleBuild(t *testing.T) {

	build := func() []byte {
		tree := vio.NewFileTree()
		err := tree.Map("/hello", vio.CustomFile(vio.CustomFileArgs{
			Name:       "hello",
			Size:       3,
			ReadCloser: ioutil.NopCloser(strings.NewReader("hi\n")),
			Stat:       vio.Stat{MtimeSec: 1000000, AtimeSec: 1000000, CtimeSec: 1000000},
		}))
		if err != nil {
			t.Fatal(err)
		}
		opts := testOpts()
		opts.UUID = "a366588c-bcf7-4a58-bbae-2db1a3bd0d9c"
		return buildImage(t, tree, opts)
	}

	a := build()
	b := build()
	if !bytes.Equal(a, b) {
		t.Errorf("two builds from identical inputs differ")
	}
}
