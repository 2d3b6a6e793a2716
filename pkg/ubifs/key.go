package ubifs

import "encoding/binary"

// Key is the in-memory form of a UBIFS compound key: the inode number in
// the first word, the type discriminant and hash (or block number) in the
// second.
type Key struct {
	lo uint32
	hi uint32
}

type hashFunc func(name []byte) uint32

// r5Hash is the reiserfs R5 name hash, operating on signed byte values.
func r5Hash(name []byte) uint32 {
	var a uint32
	for _, b := range name {
		c := int32(int8(b))
		a += uint32(c) << 4
		a += uint32(c >> 4)
		a *= 11
	}
	a &= KeyHashMask
	if a <= 2 {
		// 0, 1 and 2 are reserved for ".", ".." and the end-of-readdir
		// marker.
		a += 3
	}
	return a
}

// testHash interprets the first four name bytes as a little-endian word.
func testHash(name []byte) uint32 {
	var buf [4]byte
	copy(buf[:], name)
	a := binary.LittleEndian.Uint32(buf[:]) & KeyHashMask
	if a <= 2 {
		a += 3
	}
	return a
}

func inoKey(inum uint64) Key {
	return Key{lo: uint32(inum), hi: InoKey << KeyHashBits}
}

func dataKey(inum uint64, block uint32) Key {
	return Key{lo: uint32(inum), hi: DataKey<<KeyHashBits | block&KeyBlockMask}
}

func (c *Compiler) dentKey(dirInum uint64, name []byte) Key {
	return Key{lo: uint32(dirInum), hi: DentKey<<KeyHashBits | c.keyHash(name)}
}

func (c *Compiler) xentKey(inum uint64, name []byte) Key {
	return Key{lo: uint32(inum), hi: XentKey<<KeyHashBits | c.keyHash(name)}
}

// write serializes the key into a node's key slot. Only the first SKLen
// bytes are significant; the remainder of the slot stays zero.
func (k Key) write(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], k.lo)
	binary.LittleEndian.PutUint32(dst[4:8], k.hi)
}

// writeIdx serializes the key into an index branch, which stores only the
// significant bytes.
func (k Key) writeIdx(dst []byte) {
	k.write(dst)
}

func (k Key) keyType() uint32 {
	return k.hi >> KeyHashBits
}

// cmp orders keys by (inum, type, hash-or-block), numerically.
func (k Key) cmp(o Key) int {
	if k.lo != o.lo {
		if k.lo < o.lo {
			return -1
		}
		return 1
	}
	if k.hi != o.hi {
		if k.hi < o.hi {
			return -1
		}
		return 1
	}
	return 0
}
