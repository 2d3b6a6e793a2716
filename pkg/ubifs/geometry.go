package ubifs

import "math/bits"

const defaultLsaveCnt = 256

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// calcMinLogLebs calculates the minimum number of log LEBs needed for a
// journal of maxBudBytes.
func (c *Compiler) calcMinLogLebs(maxBudBytes int64) int {
	buds := divide(maxBudBytes, int64(c.lebSize))
	logSize := align(RefNodeSz, int64(c.minIOSize))
	logSize *= buds
	logSize += align(int64(CsNodeSz+RefNodeSz*(c.jheadCnt+2)), int64(c.minIOSize))
	return int(divide(logSize, int64(c.lebSize))) + 1
}

// addSpaceOverhead converts the user-visible reservation into the amount
// of physical flash that must be held back, compensating for index and
// data node overhead. The inverse of the kernel's reported-space logic.
func (c *Compiler) addSpaceOverhead(size int64) int64 {
	maxIdxNodeSz := int64(c.idxNodeSize(c.fanout))
	f := int64(2)
	if c.fanout > 3 {
		f = int64(c.fanout >> 1)
	}
	factor := int64(MaxDataNodeSz)
	factor += (maxIdxNodeSz * 3) / (f - 1)
	return size * factor / BlockSize
}

// initGeometry applies defaults, validates the configuration, and derives
// every geometry constant the build depends on, including the LPT
// geometry and the main-area layout.
func (c *Compiler) initGeometry() error {
	o := &c.opts

	c.minIOSize = o.MinIOSize
	c.lebSize = o.LebSize
	c.maxLebCnt = o.MaxLebCnt
	c.jheadCnt = 1
	c.lsaveCnt = defaultLsaveCnt
	c.spaceFixup = o.SpaceFixup
	c.rpSize = o.Reserved

	c.fanout = o.Fanout
	if c.fanout == 0 {
		c.fanout = 8
	}
	c.orphLebs = o.OrphLebs
	if c.orphLebs == 0 {
		c.orphLebs = MinOrphLebs
	}
	if o.FavorPercent == 0 {
		o.FavorPercent = 20
	}
	if o.FavorPercent < 0 || o.FavorPercent >= 100 {
		return optionErrf("bad favor LZO percent %d", o.FavorPercent)
	}

	switch o.KeyHash {
	case "", "r5":
		c.keyHash = r5Hash
		c.keyHashType = KeyHashR5
	case "test":
		c.keyHash = testHash
		c.keyHashType = KeyHashTest
	default:
		return optionErrf("bad key hash %q", o.KeyHash)
	}

	if c.cryptor != nil {
		c.encrypted = true
		c.doubleHash = true
	}

	switch o.Compr {
	case "none":
		c.defaultCompr = ComprNone
	case "lzo":
		c.defaultCompr = ComprLZO
	case "zlib":
		c.defaultCompr = ComprZlib
	case "zstd":
		c.defaultCompr = ComprZstd
	case "favor_lzo":
		c.defaultCompr = ComprLZO
		c.favorLZO = true
	case "":
		if c.encrypted {
			c.defaultCompr = ComprNone
		} else {
			c.defaultCompr = ComprLZO
		}
	default:
		return optionErrf("bad compressor name %q", o.Compr)
	}

	if c.minIOSize <= 0 {
		return optionErrf("min. I/O unit was not specified")
	}
	if c.lebSize <= 0 {
		return optionErrf("LEB size was not specified")
	}
	if c.maxLebCnt <= 0 {
		return optionErrf("maximum count of LEBs was not specified")
	}

	if !isPowerOfTwo(c.minIOSize) {
		return geometryErrf("min. I/O unit size should be power of 2")
	}
	if c.lebSize < c.minIOSize {
		return geometryErrf("min. I/O unit cannot be larger than LEB size")
	}
	if c.lebSize < MinLebSize {
		return geometryErrf("too small LEB size %d, minimum is %d", c.lebSize, MinLebSize)
	}
	if c.lebSize%c.minIOSize != 0 {
		return geometryErrf("LEB should be multiple of min. I/O units")
	}
	if c.lebSize%8 != 0 {
		return geometryErrf("LEB size has to be multiple of 8")
	}
	if c.lebSize > MaxLebSize {
		return geometryErrf("too large LEB size %d, maximum is %d", c.lebSize, MaxLebSize)
	}
	if c.maxLebCnt < MinLebCnt {
		return geometryErrf("too low max. count of LEBs, minimum is %d", MinLebCnt)
	}
	if c.fanout < MinFanout {
		return geometryErrf("too low fanout, minimum is %d", MinFanout)
	}
	maxFanout := (c.lebSize - IdxNodeSz) / (BranchSz + MaxKeyLen)
	if c.fanout > maxFanout {
		return geometryErrf("too high fanout, maximum is %d", maxFanout)
	}

	// Journal size: default is about 12.5% of the main area, clamped to
	// [4*leb_size, 8MiB].
	c.maxBudBytes = o.JrnSize
	if c.maxBudBytes == 0 {
		lebs := c.maxLebCnt - SBLebs - MstLebs - c.orphLebs
		if o.LogLebs != 0 {
			lebs -= o.LogLebs
		} else {
			lebs -= MinLogLebs
		}
		lebs -= minLptLebs
		c.maxBudBytes = int64(lebs/8) * int64(c.lebSize)
		if c.maxBudBytes > 8*1024*1024 {
			c.maxBudBytes = 8 * 1024 * 1024
		}
		if c.maxBudBytes < 4*int64(c.lebSize) {
			c.maxBudBytes = 4 * int64(c.lebSize)
		}
	}

	c.logLebs = o.LogLebs
	if c.logLebs == 0 {
		c.logLebs = c.calcMinLogLebs(c.maxBudBytes) + 2
	}

	if c.logLebs < MinLogLebs {
		return geometryErrf("too few log LEBs, minimum is %d", MinLogLebs)
	}
	if c.logLebs >= c.maxLebCnt-MinLebCnt {
		return geometryErrf("too many log LEBs, maximum is %d", c.maxLebCnt-MinLebCnt)
	}
	if c.orphLebs < MinOrphLebs {
		return geometryErrf("too few orphan LEBs, minimum is %d", MinOrphLebs)
	}
	if c.orphLebs >= c.maxLebCnt-MinLebCnt {
		return geometryErrf("too many orphan LEBs, maximum is %d", c.maxLebCnt-MinLebCnt)
	}
	if minLog := c.calcMinLogLebs(c.maxBudBytes); c.logLebs < minLog {
		return geometryErrf("too few log LEBs, expected at least %d", minLog)
	}
	if c.rpSize >= int64(c.lebSize)*int64(c.maxLebCnt)/2 {
		return geometryErrf("too much reserved space %d", c.rpSize)
	}

	// The head alignment logic relies on a minimum unit of 8 bytes even
	// on flash reporting less.
	if c.minIOSize < 8 {
		c.minIOSize = 8
	}
	c.rpSize = c.addSpaceOverhead(c.rpSize)

	// The LEB property tree geometry also fixes the main-area size.
	mainLebs := c.maxLebCnt - SBLebs - MstLebs - c.logLebs - c.orphLebs
	err := c.calcDfltLptGeom(&mainLebs)
	if err != nil {
		return err
	}
	c.mainLebs = mainLebs

	overhead := SBLebs + MstLebs + c.logLebs + c.lptLebs + c.orphLebs + 4
	if overhead > c.maxLebCnt {
		return geometryErrf("too low max. count of LEBs, expected at least %d", overhead)
	}

	c.mainFirst = LogLnum + c.logLebs + c.lptLebs + c.orphLebs
	c.lptFirst = LogLnum + c.logLebs
	c.lptLast = c.lptFirst + c.lptLebs - 1

	c.deadWm = alignInt(MinWriteSz, c.minIOSize)
	c.darkWm = alignInt(MaxNodeSz, c.minIOSize)

	c.log.Debugf("dead_wm %d dark_wm %d", c.deadWm, c.darkWm)
	return nil
}

// fls mirrors the kernel helper: the position of the most significant set
// bit, counting from one.
func fls(n int) int {
	return bits.Len(uint(n))
}

// fmtVersion is 5 when double hash or encryption is enabled, else 4.
func (c *Compiler) fmtVersion() uint32 {
	if c.doubleHash || c.encrypted {
		return 5
	}
	return 4
}
