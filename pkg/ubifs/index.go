package ubifs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// cmpIdxEntries orders leaves by key, breaking hash collisions with the
// raw name bytes. Two leaves with equal keys and equal names indicate a
// corrupt build.
func cmpIdxEntries(a, b *idxEntry) int {
	cmp := a.key.cmp(b.key)
	if cmp != 0 {
		return cmp
	}
	cmp = bytes.Compare(a.name, b.name)
	return cmp
}

// packIdxNode serializes an index node over the given branches into buf.
func (c *Compiler) packIdxNode(buf []byte, level, childCnt int,
	branch func(j int, hdr *BranchHdr) (Key, []byte)) []byte {

	sz := c.idxNodeSize(childCnt)
	buf = buf[:0]

	hdr := IdxNodeHdr{}
	hdr.Ch.NodeType = IdxNodeType
	hdr.ChildCnt = uint16(childCnt)
	hdr.Level = uint16(level)
	buf = append(buf, marshalNode(&hdr)...)

	for j := 0; j < childCnt; j++ {
		var bh BranchHdr
		key, hash := branch(j, &bh)
		var raw [BranchSz]byte
		binary.LittleEndian.PutUint32(raw[0:4], bh.Lnum)
		binary.LittleEndian.PutUint32(raw[4:8], bh.Offs)
		binary.LittleEndian.PutUint32(raw[8:12], bh.Len)
		buf = append(buf, raw[:]...)
		var kbuf [SKLen]byte
		key.writeIdx(kbuf[:])
		buf = append(buf, kbuf[:]...)
		if c.hashLen > 0 {
			buf = append(buf, hash[:c.hashLen]...)
		}
	}

	if len(buf) != sz {
		panic(fmt.Sprintf("index node size mismatch: %d != %d", len(buf), sz))
	}
	return buf
}

// addIdxNode prepares and writes an index node at the head, accounting
// for the on-flash index size. The last index node written becomes the
// root.
func (c *Compiler) addIdxNode(node []byte) error {
	c.prepareNode(node, len(node), false)

	lnum, offs, err := c.reserveSpace(len(node))
	if err != nil {
		return err
	}

	copy(c.lebBuf[offs:], node)
	fill(c.lebBuf[offs+len(node):offs+align8(len(node))], 0xFF)

	c.oldIdxSz += int64(align8(len(node)))

	c.log.Debugf("index node at %d:%d len %d index size %d", lnum, offs, len(node), c.oldIdxSz)

	c.zrootLnum = lnum
	c.zrootOffs = offs
	c.zrootLen = len(node)
	return nil
}

// writeIndex sorts the accumulated leaves and builds the on-flash index
// tree bottom-up, one row at a time. Branch positions for the higher
// rows are replayed with a shadow cursor that advances exactly the way
// the write head placed the row below.
func (c *Compiler) writeIndex() error {

	idxCnt := len(c.idxList)
	c.log.Debugf("leaf node count: %d", idxCnt)

	c.headFlags = LpropsIndex

	ptrs := make([]*idxEntry, idxCnt)
	for i := range c.idxList {
		ptrs[i] = &c.idxList[i]
	}
	sort.SliceStable(ptrs, func(i, j int) bool {
		return cmpIdxEntries(ptrs[i], ptrs[j]) < 0
	})
	for i := 1; i < idxCnt; i++ {
		if cmpIdxEntries(ptrs[i-1], ptrs[i]) == 0 {
			return fmt.Errorf("%w: duplicate index key", ErrIndexTooBig)
		}
	}

	idxSz := c.idxNodeSize(c.fanout)
	nodeBuf := make([]byte, 0, idxSz)

	cnt := idxCnt / c.fanout
	if idxCnt%c.fanout != 0 {
		cnt++
	}
	if cnt == 0 {
		cnt = 1
	}

	var hashes []byte
	if c.hashLen > 0 {
		hashes = make([]byte, c.hashLen*cnt)
	}

	// Level 0: pack fanout consecutive leaves per index node.
	childCnt := 0
	p := 0
	blnum := c.headLnum
	boffs := c.headOffs
	for i := 0; i < cnt; i++ {
		if i == cnt-1 {
			childCnt = idxCnt % c.fanout
			if childCnt == 0 {
				childCnt = c.fanout
				if idxCnt == 0 {
					childCnt = 0
				}
			}
		} else {
			childCnt = c.fanout
		}

		row := ptrs[p : p+childCnt]
		node := c.packIdxNode(nodeBuf, 0, childCnt, func(j int, bh *BranchHdr) (Key, []byte) {
			e := row[j]
			bh.Lnum = uint32(e.lnum)
			bh.Offs = uint32(e.offs)
			bh.Len = uint32(e.len)
			return e.key, e.hash
		})
		p += childCnt

		err := c.addIdxNode(node)
		if err != nil {
			return err
		}
		if c.hashLen > 0 {
			copy(hashes[i*c.hashLen:], c.signer.NodeHash(node))
		}
	}

	// Higher levels: each branch key is the key of its first descendant
	// leaf, found by stepping along the sorted leaf array with pstep.
	level := 0
	pstep := 1
	for cnt > 1 {
		blastLen := c.idxNodeSize(childCnt)
		bcnt := cnt
		cnt = (cnt + c.fanout - 1) / c.fanout
		level++
		pstep *= c.fanout

		for i := 0; i < cnt; i++ {
			if i == cnt-1 {
				childCnt = bcnt % c.fanout
				if childCnt == 0 {
					childCnt = c.fanout
				}
			} else {
				childCnt = c.fanout
			}

			base := i * c.fanout
			node := c.packIdxNode(nodeBuf, level, childCnt, func(j int, bh *BranchHdr) (Key, []byte) {
				bn := base + j
				blen := idxSz
				if bn == bcnt-1 {
					blen = blastLen
				}
				if boffs+blen > c.lebSize {
					blnum++
					boffs = 0
				}
				bh.Lnum = uint32(blnum)
				bh.Offs = uint32(boffs)
				bh.Len = uint32(blen)
				boffs += align8(blen)
				return ptrs[bn*pstep].key, hashes[bn*c.hashLen : bn*c.hashLen+c.hashLen]
			})

			err := c.addIdxNode(node)
			if err != nil {
				return err
			}
			if c.hashLen > 0 {
				copy(hashes[i*c.hashLen:], c.signer.NodeHash(node))
			}
		}
	}

	if c.hashLen > 0 {
		c.rootIdxHash = append([]byte(nil), hashes[:c.hashLen]...)
	}

	// The names were only needed for tiebreak sorting.
	for i := range c.idxList {
		c.idxList[i].name = nil
	}
	c.idxList = nil

	c.log.Debugf("zroot is at %d:%d len %d", c.zrootLnum, c.zrootOffs, c.zrootLen)

	c.iheadLnum = c.headLnum
	c.iheadOffs = alignInt(c.headOffs, c.minIOSize)
	c.log.Debugf("ihead is at %d:%d", c.iheadLnum, c.iheadOffs)

	return c.flushNodes()
}
