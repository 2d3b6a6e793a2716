package ubifs

// writeMaster writes the master node into two consecutive LEBs, byte for
// byte identical, then captures the master hash for the superblock.
func (c *Compiler) writeMaster() error {

	mst := MstNode{}
	mst.Ch.NodeType = MstNodeType
	mst.LogLnum = LogLnum
	mst.HighestInum = c.highestInum
	mst.CmtNo = 0
	mst.Flags = MstNoOrphs
	mst.RootLnum = uint32(c.zrootLnum)
	mst.RootOffs = uint32(c.zrootOffs)
	mst.RootLen = uint32(c.zrootLen)
	mst.GcLnum = uint32(c.gcLnum)
	mst.IheadLnum = uint32(c.iheadLnum)
	mst.IheadOffs = uint32(c.iheadOffs)
	mst.IndexSize = uint64(c.oldIdxSz)
	mst.LptLnum = uint32(c.lptLnum)
	mst.LptOffs = uint32(c.lptOffs)
	mst.NheadLnum = uint32(c.nheadLnum)
	mst.NheadOffs = uint32(c.nheadOffs)
	mst.LtabLnum = uint32(c.ltabLnum)
	mst.LtabOffs = uint32(c.ltabOffs)
	mst.LsaveLnum = uint32(c.lsaveLnum)
	mst.LsaveOffs = uint32(c.lsaveOffs)
	mst.LscanLnum = uint32(c.lscanLnum)
	mst.EmptyLebs = uint32(c.lst.emptyLebs)
	mst.IdxLebs = uint32(c.lst.idxLebs)
	mst.TotalFree = uint64(c.lst.totalFree)
	mst.TotalDirty = uint64(c.lst.totalDirty)
	mst.TotalUsed = uint64(c.lst.totalUsed)
	mst.TotalDead = uint64(c.lst.totalDead)
	mst.TotalDark = uint64(c.lst.totalDark)
	mst.LebCnt = uint32(c.lebCnt)

	if c.authenticated() {
		copy(mst.HashRootIdx[:], c.rootIdxHash)
		copy(mst.HashLpt[:], c.lptHash)
	}

	node := marshalNode(&mst)
	err := c.writeNodeLeb(node, MstLnum)
	if err != nil {
		return err
	}

	// Copy the already prepared node so both copies carry the same sqnum
	// and CRC.
	copy2 := make([]byte, len(node))
	copy(copy2, node)
	err = c.writeLebRaw(copy2, MstLnum+1)
	if err != nil {
		return err
	}

	if c.authenticated() {
		c.mstHash = c.signer.MasterHash(node)
	}

	return nil
}

// writeLebRaw writes an already-prepared node into its own LEB.
func (c *Compiler) writeLebRaw(node []byte, lnum int) error {
	alen := align8(len(node))
	wlen := alignInt(len(node), c.minIOSize)

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

// writeSuper writes the superblock, optionally followed by a signature
// node, into LEB zero.
func (c *Compiler) writeSuper() error {

	sup := SBNode{}
	sup.Ch.NodeType = SBNodeType
	sup.KeyHash = c.keyHashType
	sup.KeyFmt = SimpleKeyFmt
	sup.MinIOSize = uint32(c.minIOSize)
	sup.LebSize = uint32(c.lebSize)
	sup.LebCnt = uint32(c.lebCnt)
	sup.MaxLebCnt = uint32(c.maxLebCnt)
	sup.MaxBudBytes = uint64(c.maxBudBytes)
	sup.LogLebs = uint32(c.logLebs)
	sup.LptLebs = uint32(c.lptLebs)
	sup.OrphLebs = uint32(c.orphLebs)
	sup.JheadCnt = uint32(c.jheadCnt)
	sup.Fanout = uint32(c.fanout)
	sup.LsaveCnt = uint32(c.lsaveCnt)
	sup.FmtVersion = c.fmtVersion()
	sup.DefaultCompr = c.defaultCompr
	sup.RpSize = uint64(c.rpSize)
	sup.TimeGran = DefaultTimeGranNs

	id, err := c.newUUID()
	if err != nil {
		return err
	}
	sup.UUID = id
	c.log.Infof("UUID: %x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])

	if c.bigLpt {
		sup.Flags |= FlgBigLpt
	}
	if c.spaceFixup {
		sup.Flags |= FlgSpaceFixup
	}
	if c.doubleHash {
		sup.Flags |= FlgDoubleHash
	}
	if c.encrypted {
		sup.Flags |= FlgEncryption
	}
	if c.authenticated() {
		sup.Flags |= FlgAuthentication
		sup.HashAlgo = c.signer.HashAlgo()
		copy(sup.HashMst[:], c.mstHash)
	}

	fill(c.lebBuf, 0)
	node := marshalNode(&sup)
	copy(c.lebBuf, node)
	c.prepareNode(c.lebBuf, SBNodeSz, false)

	end := SBNodeSz
	if c.authenticated() {
		sig, err := c.signer.SignSuperblock(c.lebBuf[:SBNodeSz])
		if err != nil {
			return err
		}

		hdr := SigNodeHdr{}
		hdr.Ch.NodeType = SigNodeType
		hdr.Type = SigTypePKCS7
		hdr.Len = uint32(len(sig))
		sigNode := append(marshalNode(&hdr), sig...)
		copy(c.lebBuf[SBNodeSz:], sigNode)
		c.prepareNode(c.lebBuf[SBNodeSz:], len(sigNode), true)
		end = SBNodeSz + alignInt(align8(len(sigNode)), c.minIOSize)
	}

	fill(c.lebBuf[end:], 0xFF)

	err = c.target.LebChange(SBLnum, c.lebBuf)
	if err != nil {
		return sinkErrf(SBLnum, err)
	}
	return nil
}

// writeLog writes the log area: a commit-start node in the first log LEB,
// the rest empty.
func (c *Compiler) writeLog() error {

	cs := CsNodeFull{}
	cs.Ch.NodeType = CsNode
	cs.CmtNo = 0

	err := c.writeNodeLeb(marshalNode(&cs), LogLnum)
	if err != nil {
		return err
	}

	for i := 1; i < c.logLebs; i++ {
		err = c.writeEmptyLeb(LogLnum + i)
		if err != nil {
			return err
		}
	}
	return nil
}

// writeOrphanArea writes the configured number of empty orphan LEBs.
func (c *Compiler) writeOrphanArea() error {
	lnum := LogLnum + c.logLebs + c.lptLebs
	for i := 0; i < c.orphLebs; i++ {
		err := c.writeEmptyLeb(lnum + i)
		if err != nil {
			return err
		}
	}
	return nil
}
