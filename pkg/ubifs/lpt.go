package ubifs

import (
	"github.com/sigurn/crc16"
)

// LEB properties tree constants. The LPT has its own fanout and its
// records are bit-packed rather than node-encoded.
const (
	lptFanout      = 4
	lptFanoutShift = 2

	lptCrcBits  = 16
	lptCrcBytes = 2
	lptTypeBits = 4

	lptPnode = 0
	lptNnode = 1
	lptLtab  = 2
	lptLsave = 3

	minLptLebs = 2
)

// lptCrcTable is the CRC-16 the kernel uses for LPT records: poly 0x8005
// reflected, initial value 0xFFFF, no final xor.
var lptCrcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// doCalcLptGeom derives the bit widths, record sizes and total size of
// the LPT from the current assumption about lpt_lebs and the LPT model.
func (c *Compiler) doCalcLptGeom() {

	n := c.mainLebs + c.maxLebCnt - c.lebCnt
	maxPnodeCnt := int(divide(int64(n), lptFanout))

	c.lptHght = 1
	n = lptFanout
	for n < maxPnodeCnt {
		c.lptHght++
		n <<= lptFanoutShift
	}

	c.pnodeCnt = int(divide(int64(c.mainLebs), lptFanout))

	nnodeCnt := 0
	n = int(divide(int64(c.pnodeCnt), lptFanout))
	nnodeCnt = n
	for i := 1; i < c.lptHght; i++ {
		n = int(divide(int64(n), lptFanout))
		nnodeCnt += n
	}

	c.spaceBits = fls(c.lebSize) - 3
	c.lptLnumBits = fls(c.lptLebs)
	c.lptOffsBits = fls(c.lebSize - 1)
	c.lptSpcBits = fls(c.lebSize)

	n = int(divide(int64(c.maxLebCnt), lptFanout))
	c.pcntBits = fls(n - 1)
	c.lnumBits = fls(c.maxLebCnt - 1)

	pcnt := 0
	if c.bigLpt {
		pcnt = c.pcntBits
	}

	bits := lptCrcBits + lptTypeBits + pcnt + (c.spaceBits*2+1)*lptFanout
	c.pnodeSz = (bits + 7) / 8

	bits = lptCrcBits + lptTypeBits + pcnt + (c.lptLnumBits+c.lptOffsBits)*lptFanout
	c.nnodeSz = (bits + 7) / 8

	bits = lptCrcBits + lptTypeBits + c.lptLebs*c.lptSpcBits*2
	c.ltabSz = (bits + 7) / 8

	bits = lptCrcBits + lptTypeBits + c.lnumBits*c.lsaveCnt
	c.lsaveSz = (bits + 7) / 8

	sz := int64(c.pnodeCnt)*int64(c.pnodeSz) +
		int64(nnodeCnt)*int64(c.nnodeSz) +
		int64(c.ltabSz)
	if c.bigLpt {
		sz += int64(c.lsaveSz)
	}

	// Account for wastage at LEB boundaries and min_io alignment.
	perLebWastage := c.pnodeSz
	if c.nnodeSz > perLebWastage {
		perLebWastage = c.nnodeSz
	}
	tot := sz + int64(perLebWastage)
	wastage := int64(perLebWastage)
	for tot > int64(c.lebSize) {
		tot += int64(perLebWastage)
		tot -= int64(c.lebSize)
		wastage += int64(perLebWastage)
	}
	wastage += align(tot, int64(c.minIOSize)) - tot
	c.lptSz = sz + wastage
}

// calcDfltLptGeom picks the LPT model and LEB count: start small, switch
// to the big model if the table outgrows a LEB, and grow lpt_lebs until
// four times the table fits.
func (c *Compiler) calcDfltLptGeom(mainLebs *int) error {

	c.lptLebs = minLptLebs
	c.mainLebs = *mainLebs - c.lptLebs
	if c.mainLebs <= 0 {
		return geometryErrf("no space for main area")
	}

	c.bigLpt = false
	c.doCalcLptGeom()

	if c.lptSz > int64(c.lebSize) {
		c.bigLpt = true
		c.doCalcLptGeom()
	}

	for i := 0; i < 64; i++ {
		sz := c.lptSz * 4
		lebsNeeded := int(divide(sz, int64(c.lebSize)))
		if lebsNeeded > c.lptLebs {
			c.lptLebs = lebsNeeded
			c.mainLebs = *mainLebs - c.lptLebs
			if c.mainLebs <= 0 {
				return geometryErrf("no space for main area")
			}
			c.doCalcLptGeom()
			continue
		}
		if c.ltabSz > c.lebSize {
			return geometryErrf("LPT ltab too big")
		}
		*mainLebs = c.mainLebs
		return nil
	}
	return geometryErrf("could not resolve LPT geometry")
}

// bitPacker packs little-endian bit fields the way the kernel pack_bits
// does: least significant bit first within each byte.
type bitPacker struct {
	buf []byte
	pos int
}

func (p *bitPacker) pack(val uint64, nrbits int) {
	for i := 0; i < nrbits; i++ {
		if val&(1<<uint(i)) != 0 {
			p.buf[p.pos>>3] |= 1 << uint(p.pos&7)
		}
		p.pos++
	}
}

// lptCRC seals a packed LPT record: a CRC-16 over the payload packed into
// the leading crc field.
func lptCRC(buf []byte, sz int) {
	crc := crc16.Checksum(buf[lptCrcBytes:sz], lptCrcTable)
	p := &bitPacker{buf: buf}
	p.pack(uint64(crc), lptCrcBits)
}

// packPnode packs the properties of up to four main LEBs.
func (c *Compiler) packPnode(buf []byte, num int, props []lprops) {
	for i := 0; i < c.pnodeSz; i++ {
		buf[i] = 0
	}
	p := &bitPacker{buf: buf, pos: lptCrcBytes * 8}
	p.pack(lptPnode, lptTypeBits)
	if c.bigLpt {
		p.pack(uint64(num), c.pcntBits)
	}
	for i := 0; i < lptFanout; i++ {
		p.pack(uint64(props[i].free>>3), c.spaceBits)
		p.pack(uint64(props[i].dirty>>3), c.spaceBits)
		if props[i].flags&LpropsIndex != 0 {
			p.pack(1, 1)
		} else {
			p.pack(0, 1)
		}
	}
	lptCRC(buf, c.pnodeSz)
}

type nbranch struct {
	lnum int
	offs int
}

// packNnode packs an internal LPT node. Absent branches point past the
// last LPT LEB.
func (c *Compiler) packNnode(buf []byte, num int, branches []nbranch) {
	for i := 0; i < c.nnodeSz; i++ {
		buf[i] = 0
	}
	p := &bitPacker{buf: buf, pos: lptCrcBytes * 8}
	p.pack(lptNnode, lptTypeBits)
	if c.bigLpt {
		p.pack(uint64(num), c.pcntBits)
	}
	for i := 0; i < lptFanout; i++ {
		lnum := branches[i].lnum
		if lnum == 0 {
			lnum = c.lptLast + 1
		}
		p.pack(uint64(lnum-c.lptFirst), c.lptLnumBits)
		p.pack(uint64(branches[i].offs), c.lptOffsBits)
	}
	lptCRC(buf, c.nnodeSz)
}

// packLtab packs the LPT's table of its own LEBs' free and dirty space.
func (c *Compiler) packLtab(buf []byte) {
	for i := 0; i < c.ltabSz; i++ {
		buf[i] = 0
	}
	p := &bitPacker{buf: buf, pos: lptCrcBytes * 8}
	p.pack(lptLtab, lptTypeBits)
	for i := 0; i < c.lptLebs; i++ {
		p.pack(uint64(c.ltab[i].free), c.lptSpcBits)
		p.pack(uint64(c.ltab[i].dirty), c.lptSpcBits)
	}
	lptCRC(buf, c.ltabSz)
}

// packLsave packs the list of LEBs to scan first at mount time.
func (c *Compiler) packLsave(buf []byte, lsave []int) {
	for i := 0; i < c.lsaveSz; i++ {
		buf[i] = 0
	}
	p := &bitPacker{buf: buf, pos: lptCrcBytes * 8}
	p.pack(lptLsave, lptTypeBits)
	for _, lnum := range lsave {
		p.pack(uint64(lnum), c.lnumBits)
	}
	lptCRC(buf, c.lsaveSz)
}

// calcNnodeNum derives the kernel numbering for an internal node at the
// given row and column; the root is at row zero.
func calcNnodeNum(row, col int) int {
	num := 1
	for row > 0 {
		bits := col & (lptFanout - 1)
		col >>= lptFanoutShift
		num <<= lptFanoutShift
		num |= bits
		row--
	}
	return num
}

func (c *Compiler) setLtab(lnum, free, dirty int) {
	c.ltab[lnum-c.lptFirst].free = free
	c.ltab[lnum-c.lptFirst].dirty = dirty
}

// writeLpt serializes the LEB properties into the LPT area: all pnodes,
// then each nnode row bottom-up, then (big model) the lsave table, then
// the ltab. Branch positions replay the writer's own placement with a
// shadow cursor, exactly like the index builder.
func (c *Compiler) writeLpt() error {

	// Re-derive the record geometry with the final main-area size so the
	// table agrees with what a mount-time calculation will produce. The
	// LEB budget and model were fixed during validation.
	c.doCalcLptGeom()

	c.lscanLnum = c.mainFirst
	c.ltab = make([]lprops, c.lptLebs)
	for i := range c.ltab {
		c.ltab[i].free = c.lebSize
	}

	buf := make([]byte, c.lebSize)
	fill(buf, 0xFF)
	lnum := c.lptFirst
	length := 0

	var lptHasher []byte

	// flush writes the buffered records, records the LEB's own free and
	// dirty space, and moves to the next LPT LEB.
	flush := func() error {
		alen := alignInt(length, c.minIOSize)
		c.setLtab(lnum, c.lebSize-alen, alen-length)
		for i := length; i < alen; i++ {
			buf[i] = 0xFF
		}
		err := c.target.LebChange(lnum, buf)
		if err != nil {
			return sinkErrf(lnum, err)
		}
		lnum++
		length = 0
		fill(buf, 0xFF)
		return nil
	}

	cnt := c.pnodeCnt
	blnum := lnum
	boffs := 0
	bcnt := cnt
	bsz := c.pnodeSz

	var props [lptFanout]lprops

	for i := 0; i < cnt; i++ {
		if length+c.pnodeSz > c.lebSize {
			err := flush()
			if err != nil {
				return err
			}
		}
		for j := 0; j < lptFanout; j++ {
			k := i<<lptFanoutShift + j
			if k < c.mainLebs {
				props[j] = c.lpt[k]
			} else {
				props[j] = lprops{free: c.lebSize}
			}
		}
		c.packPnode(buf[length:], i, props[:])
		if c.authenticated() {
			lptHasher = append(lptHasher, buf[length:length+c.pnodeSz]...)
		}
		length += c.pnodeSz
	}

	// Internal rows, bottom-up. Exactly lpt_hght of them are written so
	// the tree has the height the mount-time lookup walks, even when a
	// row holds a single node.
	branches := make([]nbranch, lptFanout)
	for row := c.lptHght - 1; row >= 0; row-- {
		cnt = int(divide(int64(cnt), lptFanout))
		for i := 0; i < cnt; i++ {
			if length+c.nnodeSz > c.lebSize {
				err := flush()
				if err != nil {
					return err
				}
			}
			if row == 0 {
				c.lptLnum = lnum
				c.lptOffs = length
			}
			for j := 0; j < lptFanout; j++ {
				if bcnt > 0 {
					if boffs+bsz > c.lebSize {
						blnum++
						boffs = 0
					}
					branches[j] = nbranch{lnum: blnum, offs: boffs}
					boffs += bsz
					bcnt--
				} else {
					branches[j] = nbranch{}
				}
			}
			c.packNnode(buf[length:], calcNnodeNum(row, i), branches)
			length += c.nnodeSz
		}
		bcnt = cnt
		bsz = c.nnodeSz
	}

	if c.bigLpt {
		if length+c.lsaveSz > c.lebSize {
			err := flush()
			if err != nil {
				return err
			}
		}
		c.lsaveLnum = lnum
		c.lsaveOffs = length
		lsave := make([]int, c.lsaveCnt)
		for i := range lsave {
			if i < c.mainLebs {
				lsave[i] = c.mainFirst + i
			} else {
				lsave[i] = c.mainFirst
			}
		}
		c.packLsave(buf[length:], lsave)
		length += c.lsaveSz
	}

	if length+c.ltabSz > c.lebSize {
		err := flush()
		if err != nil {
			return err
		}
	}
	c.ltabLnum = lnum
	c.ltabOffs = length

	// The current LEB's own entry must reflect the final fill before the
	// table is packed.
	end := length + c.ltabSz
	alen := alignInt(end, c.minIOSize)
	c.setLtab(lnum, c.lebSize-alen, alen-end)
	c.packLtab(buf[length:])
	length = end

	err := flush()
	if err != nil {
		return err
	}

	c.nheadLnum = lnum - 1
	c.nheadOffs = alignInt(end, c.minIOSize)

	if c.authenticated() {
		c.lptHash = c.signer.NodeHash(lptHasher)
	}

	// Remaining LPT LEBs stay empty.
	for l := c.nheadLnum + 1; l <= c.lptLast; l++ {
		err = c.writeEmptyLeb(l)
		if err != nil {
			return err
		}
	}

	return nil
}
