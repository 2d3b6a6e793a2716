package ubifs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	unixpath "path"
	"strconv"
	"time"

	"github.com/vorteil/ubimg/pkg/devtable"
	"github.com/vorteil/ubimg/pkg/vio"
)

// InumXattr carries the image inode number of its owner, for hosts that
// replicate numbering across rebuilds.
const InumXattr = "user.image-inode-number"

const selinuxXattr = "security.selinux"

// linkKey identifies a host inode for hard-link counting.
type linkKey struct {
	dev uint64
	ino uint64
}

// linkEntry parks a multi-linked file until the walk has seen every link
// to it and the final nlink value is known.
type linkEntry struct {
	useInum  uint64
	useNlink uint32
	path     string
	file     vio.File
	stat     vio.Stat
}

type linkTable struct {
	m     map[linkKey]*linkEntry
	order []*linkEntry
}

func newLinkTable() *linkTable {
	return &linkTable{
		m: make(map[linkKey]*linkEntry),
	}
}

func (t *linkTable) lookup(dev, ino uint64) *linkEntry {
	k := linkKey{dev: dev, ino: ino}
	e := t.m[k]
	if e == nil {
		e = &linkEntry{}
		t.m[k] = e
		t.order = append(t.order, e)
	}
	return e
}

func (c *Compiler) nextInum() uint64 {
	c.highestInum++
	return c.highestInum
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// overrideAttributes applies a device table entry over host-derived
// attributes: owner, the full mode including the file-type bits, and for
// device entries the device number. The entry's file type is not checked
// against the type of the host file.
func overrideAttributes(st *vio.Stat, e *devtable.Entry) error {
	st.UID = e.UID
	st.GID = e.GID
	st.Mode = e.Mode
	if e.Mode&devtable.TypeMask == devtable.CharDev ||
		e.Mode&devtable.TypeMask == devtable.BlockDev {
		st.Rdev = makedevHuge(e.Major, e.Minor)
	}
	return nil
}

func hostMajor(rdev uint64) uint32 {
	return uint32(rdev>>8)&0xfff | uint32(rdev>>32)&^0xfff
}

func hostMinor(rdev uint64) uint32 {
	return uint32(rdev)&0xff | uint32(rdev>>12)&^0xff
}

// writeData walks the source tree, emitting every leaf node, and then
// flushes the parked multi-linked files and the write head.
func (c *Compiler) writeData(ctx context.Context) error {

	var root *vio.TreeNode
	var rootStat vio.Stat

	if c.tree != nil {
		root = c.tree.Root()
		rootStat = root.File.Stat()
	} else {
		now := time.Now().Unix()
		rootStat = vio.Stat{
			Mode:     vio.ModeDir | 0755,
			Nlink:    2,
			AtimeSec: now,
			CtimeSec: now,
			MtimeSec: now,
		}
	}

	if c.opts.SquashOwner {
		rootStat.UID = 0
		rootStat.GID = 0
	}

	if ph := c.opts.Devtable.FindPath("/"); ph != nil {
		if nh := ph.FindName(""); nh != nil {
			err := overrideAttributes(&rootStat, nh)
			if err != nil {
				return err
			}
		}
	}

	c.headFlags = 0

	err := c.addDirectory(ctx, root, "/", RootIno, rootStat, c.cryptor)
	if err != nil {
		return err
	}
	err = c.addMultiLinkedFiles()
	if err != nil {
		return err
	}
	return c.flushNodes()
}

// addDirectory emits a directory's children (recursively), its synthetic
// device-table entries, and finally the directory's own inode. The node
// argument is nil for directories that exist only in the device table.
func (c *Compiler) addDirectory(ctx context.Context, n *vio.TreeNode, dirPath string,
	dirInum uint64, st vio.Stat, fctx Cryptor) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.Debugf("%s", dirPath)

	c.maxSqnum++
	dirCreatSqnum := c.maxSqnum

	size := int64(InoNodeSz)
	nlink := uint32(2)
	ph := c.opts.Devtable.FindPath(dirPath)
	seen := make(map[string]bool)

	var children []*vio.TreeNode
	if n != nil {
		children = n.Children
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := child.File.Name()
		childPath := unixpath.Join(dirPath, name)
		childSt := child.File.Stat()

		if c.opts.SquashOwner {
			// The device table may still override this.
			childSt.UID = 0
			childSt.GID = 0
		}

		if nh := ph.FindName(name); nh != nil {
			seen[name] = true
			if !nh.Implied {
				err := overrideAttributes(&childSt, nh)
				if err != nil {
					return err
				}
			}
		}

		inum := c.nextInum()

		var newFctx Cryptor
		var err error
		if fctx != nil {
			newFctx, err = fctx.Inherit()
			if err != nil {
				return err
			}
		}

		var typ uint8
		if childSt.Mode&vio.ModeTypeMask == vio.ModeDir {
			err = c.addDirectory(ctx, child, childPath, inum, childSt, newFctx)
			if err != nil {
				return err
			}
			nlink++
			typ = ItypeDir
		} else {
			typ, err = c.addNonDir(child.File, childPath, &inum, 0, childSt, newFctx)
			if err != nil {
				return err
			}
		}

		knameLen, err := c.addDentNode(dirInum, name, inum, typ, fctx)
		if err != nil {
			return err
		}
		size += int64(align8(DentNodeSz + knameLen + 1))
	}

	for _, e := range ph.Entries() {
		if e.Name == "" || seen[e.Name] {
			continue
		}

		if e.Mode&devtable.TypeMask == devtable.Regular {
			return fmt.Errorf("%w: %s/%s: regular files cannot be created via device table",
				ErrDeviceTable, dirPath, e.Name)
		}

		fakeSt := st
		fakeSt.Nlink = 1
		err := overrideAttributes(&fakeSt, e)
		if err != nil {
			return err
		}

		childPath := unixpath.Join(dirPath, e.Name)
		inum := c.nextInum()

		var newFctx Cryptor
		if fctx != nil {
			newFctx, err = fctx.Inherit()
			if err != nil {
				return err
			}
		}

		var typ uint8
		if e.Mode&devtable.TypeMask == devtable.Dir {
			err = c.addDirectory(ctx, nil, childPath, inum, fakeSt, newFctx)
			if err != nil {
				return err
			}
			nlink++
			typ = ItypeDir
		} else {
			typ, err = c.addNonDir(nil, childPath, &inum, 0, fakeSt, newFctx)
			if err != nil {
				return err
			}
		}

		knameLen, err := c.addDentNode(dirInum, e.Name, inum, typ, fctx)
		if err != nil {
			return err
		}
		size += int64(align8(DentNodeSz + knameLen + 1))
	}

	c.creatSqnum = dirCreatSqnum

	st.Size = uint64(size)
	st.Nlink = nlink
	var xattrSrc vio.File
	if n != nil {
		xattrSrc = n.File
	}
	return c.addInode(st, dirInum, nil, false, xattrSrc, dirPath, fctx)
}

// addNonDir dispatches a non-directory entry. The target inode number is
// passed and returned through inum because multi-linked files reuse the
// number of their first sighting. nlink is non-zero only during the
// multi-link flush pass; a zero value means the link count is not yet
// final for files with more than one host link.
func (c *Compiler) addNonDir(f vio.File, path string, inum *uint64, nlink uint32,
	st vio.Stat, fctx Cryptor) (uint8, error) {

	c.log.Debugf("%s", path)

	var typ uint8
	switch st.Mode & vio.ModeTypeMask {
	case vio.ModeRegular:
		typ = ItypeReg
	case vio.ModeCharDev:
		typ = ItypeChr
	case vio.ModeBlockDev:
		typ = ItypeBlk
	case vio.ModeSymlink:
		typ = ItypeLnk
	case vio.ModeSocket:
		typ = ItypeSock
	case vio.ModeFifo:
		typ = ItypeFifo
	default:
		return 0, fmt.Errorf("file %q has unknown inode type", path)
	}

	if nlink != 0 {
		st.Nlink = nlink
	} else if st.Nlink > 1 {
		// Park the file until every link to it inside the tree has
		// been counted.
		e := c.links.lookup(st.Dev, st.Ino)
		if e.useNlink == 0 {
			e.useInum = *inum
			e.useNlink = 1
			e.path = path
			e.file = f
		} else {
			*inum = e.useInum
			e.useNlink++
			// Hand back the unused inode number.
			c.highestInum--
		}
		e.stat = st
		return typ, nil
	} else {
		st.Nlink = 1
	}

	c.maxSqnum++
	c.creatSqnum = c.maxSqnum

	switch typ {
	case ItypeReg:
		return typ, c.addFile(f, path, st, *inum, fctx)
	case ItypeChr, ItypeBlk:
		return typ, c.addDevInode(f, path, st, *inum)
	case ItypeLnk:
		return typ, c.addSymlinkInode(f, path, st, *inum, fctx)
	default:
		return typ, c.addInode(st, *inum, nil, false, nil, path, nil)
	}
}

// addMultiLinkedFiles emits the files parked in the link table, now with
// final link counts.
func (c *Compiler) addMultiLinkedFiles() error {
	for _, e := range c.links.order {
		c.log.Debugf("%s", e.path)
		_, err := c.addNonDir(e.file, e.path, &e.useInum, e.useNlink, e.stat, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// addFile streams a regular file block by block, skipping holes,
// compressing and optionally encrypting each block, and finally emits the
// file's inode.
func (c *Compiler) addFile(f vio.File, path string, st vio.Stat, inum uint64, fctx Cryptor) error {

	var fileSize int64
	var blockNo uint32

	defer f.Close()

	for {
		n, err := io.ReadFull(f, c.blockBuf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return sourceErrf(path, err)
		}
		if n == 0 {
			break
		}
		buf := c.blockBuf[:n]
		fileSize += int64(n)

		// Skip holes.
		if allZero(buf) {
			blockNo++
			if n < BlockSize {
				break
			}
			continue
		}

		payload, comprType := c.zc.compress(buf, c.defaultCompr)

		hdr := DataNodeHdr{}
		hdr.Ch.NodeType = DataNode
		key := dataKey(inum, blockNo)
		key.write(hdr.Key[:])
		hdr.Size = uint32(n)
		hdr.ComprType = comprType

		if fctx != nil {
			hdr.ComprSize = uint16(len(payload))
			payload, err = fctx.EncryptData(payload, blockNo)
			if err != nil {
				return sourceErrf(path, err)
			}
		}

		node := append(marshalNode(&hdr), payload...)
		err = c.addNode(key, nil, node)
		if err != nil {
			return err
		}

		blockNo++
		if n < BlockSize {
			break
		}
	}

	if err := f.Close(); err != nil {
		return sourceErrf(path, err)
	}
	if fileSize != int64(f.Size()) {
		return fmt.Errorf("file size changed while reading %q", path)
	}

	return c.addInode(st, inum, nil, false, f, path, fctx)
}

// addDevInode emits a character or block device inode whose inline data
// encodes the device numbers.
func (c *Compiler) addDevInode(f vio.File, path string, st vio.Stat, inum uint64) error {
	var dev [8]byte
	binary.LittleEndian.PutUint64(dev[:],
		makedevHuge(hostMajor(st.Rdev), hostMinor(st.Rdev)))
	return c.addInode(st, inum, dev[:], false, f, path, nil)
}

// addSymlinkInode emits a symlink inode carrying the target as inline
// data.
func (c *Compiler) addSymlinkInode(f vio.File, path string, st vio.Stat, inum uint64, fctx Cryptor) error {
	target := []byte(f.Symlink())
	if len(target) == 0 {
		return sourceErrf(path, fmt.Errorf("cannot read symlink"))
	}
	if len(target) > MaxInoData {
		return fmt.Errorf("symlink too long for %q", path)
	}
	return c.addInode(st, inum, target, true, f, path, fctx)
}

// addInode emits an inode node, preceded by its xattr pairs. data is the
// inline contents (symlink target or device descriptor); isSymlink marks
// data that must be encrypted as a symlink target when the inode has an
// encryption context.
func (c *Compiler) addInode(st vio.Stat, inum uint64, data []byte, isSymlink bool,
	xattrSrc vio.File, path string, fctx Cryptor) error {

	var useFlags uint32
	if c.defaultCompr != ComprNone {
		useFlags |= ComprFl
	}
	if fctx != nil {
		useFlags |= CryptFl
	}

	hdr := InoNodeHdr{}
	hdr.Ch.NodeType = InoNode
	key := inoKey(inum)
	key.write(hdr.Key[:])
	hdr.CreatSqnum = c.creatSqnum
	hdr.Size = st.Size
	hdr.Nlink = st.Nlink
	hdr.AtimeSec = uint64(st.AtimeSec)
	hdr.CtimeSec = uint64(st.CtimeSec)
	hdr.MtimeSec = uint64(st.MtimeSec)
	hdr.UID = st.UID
	hdr.GID = st.GID
	hdr.Mode = st.Mode
	hdr.Flags = useFlags
	hdr.ComprType = c.defaultCompr

	if len(data) > 0 && fctx != nil {
		if !isSymlink {
			return fmt.Errorf("unexpected inline data on encrypted inode %d", inum)
		}
		blob, err := fctx.EncryptSymlink(data)
		if err != nil {
			return sourceErrf(path, err)
		}
		data = blob
	}
	hdr.DataLen = uint32(len(data))

	if xattrSrc != nil {
		err := c.inodeAddXattrs(&hdr, xattrSrc, st, inum, path)
		if err != nil {
			return err
		}
	}

	if fctx != nil {
		err := c.addXattr(&hdr, st, inum, EncryptionContextXattr, fctx.Context())
		if err != nil {
			return err
		}
	}

	node := append(marshalNode(&hdr), data...)
	return c.addNode(key, nil, node)
}

// inodeAddXattrs replicates the host file's extended attributes as
// xattr-entry/xattr-inode pairs belonging to the host inode. Hosts
// without xattr support simply produce none.
func (c *Compiler) inodeAddXattrs(hostIno *InoNodeHdr, src vio.File, st vio.Stat,
	inum uint64, path string) error {

	attrs, err := src.Xattrs()
	if err != nil {
		return sourceErrf(path, err)
	}

	for _, attr := range attrs {
		if attr.Name == InumXattr {
			fromHost, err := strconv.ParseUint(string(attr.Value), 10, 64)
			if err != nil || fromHost != inum {
				return fmt.Errorf("calculated inum %d does not match inum %q from xattr on %q",
					inum, attr.Value, path)
			}
			continue
		}
		if c.opts.SkipSELinuxXattrs && attr.Name == selinuxXattr {
			continue
		}
		err = c.addXattr(hostIno, st, inum, attr.Name, attr.Value)
		if err != nil {
			return err
		}
	}

	if c.opts.SetInumAttr {
		value := strconv.FormatUint(inum, 10)
		err = c.addXattr(hostIno, st, inum, InumXattr, []byte(value))
		if err != nil {
			return err
		}
	}

	return nil
}

// addXattr emits one xattr-entry node plus the xattr inode holding the
// value, and accounts for both on the host inode.
func (c *Compiler) addXattr(hostIno *InoNodeHdr, st vio.Stat, hostInum uint64,
	name string, data []byte) error {

	nameBytes := []byte(name)

	hostIno.XattrCnt++
	hostIno.XattrSize += uint32(calcDentSize(len(nameBytes)))
	hostIno.XattrSize += uint32(calcXattrBytes(len(data)))
	hostIno.XattrNames += uint32(len(nameBytes))

	xkey := c.xentKey(hostInum, nameBytes)

	xinum := c.nextInum()
	c.maxSqnum++
	xattrCreatSqnum := c.maxSqnum

	xent := DentNodeHdr{}
	xent.Ch.NodeType = XentNode
	xkey.write(xent.Key[:])
	xent.Inum = xinum
	xent.Type = ItypeReg
	xent.Nlen = uint16(len(nameBytes))

	node := append(marshalNode(&xent), nameBytes...)
	node = append(node, 0)
	err := c.addNode(xkey, nameBytes, node)
	if err != nil {
		return err
	}

	ino := InoNodeHdr{}
	ino.Ch.NodeType = InoNode
	nkey := inoKey(xinum)
	nkey.write(ino.Key[:])
	ino.CreatSqnum = xattrCreatSqnum
	ino.Nlink = 1
	ino.AtimeSec = uint64(st.AtimeSec)
	ino.CtimeSec = uint64(st.CtimeSec)
	ino.MtimeSec = uint64(st.MtimeSec)
	ino.UID = st.UID
	ino.GID = st.GID
	ino.ComprType = c.defaultCompr
	ino.Size = uint64(len(data))
	ino.Mode = vio.ModeRegular
	ino.DataLen = uint32(len(data))
	ino.Flags = XattrFl

	node = append(marshalNode(&ino), data...)
	return c.addNode(nkey, nil, node)
}

// addDentNode emits a directory entry node, returning the length of the
// name actually stored (which differs from the input for encrypted
// directories).
func (c *Compiler) addDentNode(dirInum uint64, name string, inum uint64,
	typ uint8, fctx Cryptor) (int, error) {

	c.log.Debugf("%s ino %d type %d dir ino %d", name, inum, typ, dirInum)

	kname := []byte(name)
	if fctx != nil {
		maxLen := MaxNameLen
		if typ == ItypeLnk {
			maxLen = MaxInoData
		}
		var err error
		kname, err = fctx.EncryptName(kname, maxLen)
		if err != nil {
			return 0, err
		}
	}

	dent := DentNodeHdr{}
	dent.Ch.NodeType = DentNode
	dent.Inum = inum
	dent.Type = typ
	dent.Nlen = uint16(len(kname))
	if c.doubleHash {
		var cookie [4]byte
		_, err := rand.Read(cookie[:])
		if err != nil {
			return 0, err
		}
		dent.Cookie = binary.LittleEndian.Uint32(cookie[:])
	}

	key := c.dentKey(dirInum, kname)
	key.write(dent.Key[:])

	node := append(marshalNode(&dent), kname...)
	node = append(node, 0)

	err := c.addNode(key, kname, node)
	if err != nil {
		return 0, err
	}
	return len(kname), nil
}
