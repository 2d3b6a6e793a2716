package ubifs

// lprops is the property triple tracked for every main-area LEB.
type lprops struct {
	free  int
	dirty int
	flags int
}

// lpStats aggregates LEB accounting for the master node and the LPT.
type lpStats struct {
	emptyLebs  int
	idxLebs    int
	totalFree  int64
	totalDirty int64
	totalUsed  int64
	totalDead  int64
	totalDark  int64
}

// idxEntry records one leaf for the index builder. The name is kept only
// to break ties between colliding hashed keys and is released once the
// index is written.
type idxEntry struct {
	key  Key
	name []byte
	lnum int
	offs int
	len  int
	hash []byte
}

// calcDark returns the amount of dark space in a LEB with spc bytes of
// free and dirty space. Dark space cannot be counted on because it depends
// on which node mix ends up written there.
func (c *Compiler) calcDark(spc int) int {
	if spc < c.darkWm {
		return spc
	}
	if spc-c.darkWm < MinWriteSz {
		return spc - MinWriteSz
	}
	return c.darkWm
}

// setLprops records the property values for a flushed LEB and folds them
// into the aggregate stats.
func (c *Compiler) setLprops(lnum, offs, flags int) {
	i := lnum - c.mainFirst
	a := c.minIOSize
	if a < 8 {
		a = 8
	}
	free := c.lebSize - alignInt(offs, a)
	dirty := c.lebSize - free - align8(offs)
	c.log.Debugf("LEB %d free %d dirty %d flags %d", lnum, free, dirty, flags)
	if i < len(c.lpt) {
		c.lpt[i].free = free
		c.lpt[i].dirty = dirty
		c.lpt[i].flags = flags
	}
	c.lst.totalFree += int64(free)
	c.lst.totalDirty += int64(dirty)
	if flags&LpropsIndex != 0 {
		c.lst.idxLebs++
		return
	}
	spc := free + dirty
	if spc < c.deadWm {
		c.lst.totalDead += int64(spc)
	} else {
		c.lst.totalDark += int64(c.calcDark(spc))
	}
	c.lst.totalUsed += int64(c.lebSize - spc)
}

// flushNodes writes out the current head LEB, records its properties, and
// advances the head to the next LEB.
func (c *Compiler) flushNodes() error {
	if c.headOffs == 0 {
		return nil
	}
	wlen := alignInt(c.headOffs, c.minIOSize)
	padBuf(c.lebBuf[c.headOffs:wlen])
	fill(c.lebBuf[wlen:], 0xFF)
	err := c.target.LebChange(c.headLnum, c.lebBuf)
	if err != nil {
		return sinkErrf(c.headLnum, err)
	}
	c.setLprops(c.headLnum, c.headOffs, c.headFlags)
	c.headLnum++
	c.headOffs = 0
	return nil
}

// reserveSpace returns the position the next node of the given length will
// occupy, flushing the head first if the node would not fit.
func (c *Compiler) reserveSpace(length int) (lnum, offs int, err error) {
	if length > c.lebSize-c.headOffs {
		err = c.flushNodes()
		if err != nil {
			return 0, 0, err
		}
	}
	lnum = c.headLnum
	offs = c.headOffs
	c.headOffs += align8(length)
	return lnum, offs, nil
}

// addNode prepares a leaf node, writes it at the head and records it in
// the index leaf list. Directory-entry and xattr-entry nodes carry their
// name for key-collision tiebreaking; every other type passes nil.
func (c *Compiler) addNode(key Key, name []byte, node []byte) error {
	t := key.keyType()
	if t == DentKey || t == XentKey {
		if name == nil {
			return optionErrf("directory entry or xattr without name")
		}
	} else if name != nil {
		return optionErrf("name given for non dir/xattr node")
	}

	c.prepareNode(node, len(node), false)

	lnum, offs, err := c.reserveSpace(len(node))
	if err != nil {
		return err
	}

	copy(c.lebBuf[offs:], node)
	fill(c.lebBuf[offs+len(node):offs+align8(len(node))], 0xFF)

	var hash []byte
	if c.authenticated() {
		hash = c.signer.NodeHash(node)
	}

	c.idxList = append(c.idxList, idxEntry{
		key:  key,
		name: name,
		lnum: lnum,
		offs: offs,
		len:  len(node),
		hash: hash,
	})
	return nil
}

// writeNodeLeb prepares a node and writes it into its own LEB, padded to
// min_io and filled to leb_size with 0xFF. Used for the master node, the
// commit-start node, and other out-of-main-area nodes.
func (c *Compiler) writeNodeLeb(node []byte, lnum int) error {
	alen := align8(len(node))
	wlen := alignInt(len(node), c.minIOSize)

	c.prepareNode(node, len(node), false)
	copy(c.lebBuf, node)
	fill(c.lebBuf[len(node):alen], 0xFF)
	padBuf(c.lebBuf[alen:wlen])
	fill(c.lebBuf[wlen:], 0xFF)

	err := c.target.LebChange(lnum, c.lebBuf)
	if err != nil {
		return sinkErrf(lnum, err)
	}
	return nil
}

// writeEmptyLeb hands a 0xFF-filled LEB to the target.
func (c *Compiler) writeEmptyLeb(lnum int) error {
	fill(c.lebBuf, 0xFF)
	err := c.target.LebChange(lnum, c.lebBuf)
	if err != nil {
		return sinkErrf(lnum, err)
	}
	return nil
}
