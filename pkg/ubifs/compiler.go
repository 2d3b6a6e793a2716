package ubifs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vorteil/ubimg/pkg/devtable"
	"github.com/vorteil/ubimg/pkg/elog"
	"github.com/vorteil/ubimg/pkg/vio"
)

// Opts carries the image geometry and feature configuration.
type Opts struct {
	MinIOSize int
	LebSize   int
	MaxLebCnt int

	Fanout   int // index node fanout, default 8
	LogLebs  int // default derived from the journal size
	OrphLebs int // default 1
	JrnSize  int64
	Reserved int64

	Compr        string // none, lzo, zlib, zstd, favor_lzo
	FavorPercent int    // default 20
	KeyHash      string // r5 or test

	SpaceFixup  bool
	SquashOwner bool
	SetInumAttr bool

	// SkipSELinuxXattrs drops security.selinux host attributes, for
	// images whose labels come from an external label source.
	SkipSELinuxXattrs bool

	Devtable *devtable.Table

	// Cryptor enables fscrypt-style encryption, which forces double
	// hash and format version 5.
	Cryptor Cryptor

	// Signer enables image authentication and superblock signing.
	Signer Signer

	// UUID fixes the superblock UUID, e.g. for reproducible builds.
	// Empty means freshly random.
	UUID string
}

type CompilerArgs struct {
	FileTree vio.FileTree // nil builds an image holding only the root directory
	Logger   elog.Logger
	Target   Target
	Opts     Opts
}

// Compiler assembles a UBIFS image from a file tree. It is strictly
// single-threaded; one Compile call owns every buffer below.
type Compiler struct {
	log    elog.Logger
	tree   vio.FileTree
	target Target
	opts   Opts

	// Geometry.
	minIOSize    int
	lebSize      int
	maxLebCnt    int
	fanout       int
	logLebs      int
	orphLebs     int
	maxBudBytes  int64
	rpSize       int64
	lsaveCnt     int
	jheadCnt     int
	deadWm       int
	darkWm       int
	defaultCompr uint16
	favorLZO     bool
	keyHash      hashFunc
	keyHashType  uint8
	spaceFixup   bool
	doubleHash   bool
	encrypted    bool

	// LPT geometry.
	bigLpt      bool
	lptLebs     int
	mainLebs    int
	mainFirst   int
	lptFirst    int
	lptLast     int
	pnodeCnt    int
	lptHght     int
	spaceBits   int
	lptLnumBits int
	lptOffsBits int
	lptSpcBits  int
	pcntBits    int
	lnumBits    int
	pnodeSz     int
	nnodeSz     int
	ltabSz      int
	lsaveSz     int
	lptSz       int64

	// Write head.
	headLnum  int
	headOffs  int
	headFlags int
	lebBuf    []byte
	blockBuf  []byte

	// Build state.
	maxSqnum    uint64
	creatSqnum  uint64
	highestInum uint64
	idxList     []idxEntry
	links       *linkTable
	lpt         []lprops
	ltab        []lprops
	lst         lpStats

	oldIdxSz                       int64
	zrootLnum, zrootOffs, zrootLen int
	iheadLnum, iheadOffs           int
	gcLnum                         int
	lebCnt                         int

	lptLnum, lptOffs     int
	nheadLnum, nheadOffs int
	ltabLnum, ltabOffs   int
	lsaveLnum, lsaveOffs int
	lscanLnum            int

	rootIdxHash []byte
	lptHash     []byte
	mstHash     []byte
	hashLen     int

	zc      *compressor
	cryptor Cryptor
	signer  Signer
}

func NewCompiler(args *CompilerArgs) *Compiler {
	log := args.Logger
	if log == nil {
		log = elog.Discard
	}
	return &Compiler{
		log:     log,
		tree:    args.FileTree,
		target:  args.Target,
		opts:    args.Opts,
		cryptor: args.Opts.Cryptor,
		signer:  args.Opts.Signer,
	}
}

func (c *Compiler) authenticated() bool {
	return c.signer != nil
}

// Compile builds the complete image. Each on-flash area has a
// corresponding step; the order reflects what information must be known
// to complete each stage, so the target is not written sequentially.
func (c *Compiler) Compile(ctx context.Context) error {

	err := c.initGeometry()
	if err != nil {
		return err
	}

	err = c.initBuild()
	if err != nil {
		return err
	}

	err = c.writeData(ctx)
	if err != nil {
		return err
	}

	err = c.setGcLnum()
	if err != nil {
		return err
	}

	err = c.writeIndex()
	if err != nil {
		return err
	}

	err = c.finalizeLebCnt()
	if err != nil {
		return err
	}

	err = c.writeLpt()
	if err != nil {
		return err
	}

	err = c.writeMaster()
	if err != nil {
		return err
	}

	err = c.writeSuper()
	if err != nil {
		return err
	}

	err = c.writeLog()
	if err != nil {
		return err
	}

	err = c.writeOrphanArea()
	if err != nil {
		return err
	}

	err = c.target.Finalize(c.lebCnt)
	if err != nil {
		return err
	}

	c.reportGeometry()
	return nil
}

// initBuild allocates the scratch buffers and build state.
func (c *Compiler) initBuild() error {
	c.highestInum = FirstIno
	c.headLnum = c.mainFirst
	c.headOffs = 0

	c.lebBuf = make([]byte, c.lebSize)
	c.blockBuf = make([]byte, BlockSize)
	c.lpt = make([]lprops, c.mainLebs)
	c.links = newLinkTable()

	if c.authenticated() {
		c.hashLen = c.signer.HashLen()
	}

	var err error
	c.zc, err = newCompressor(c.favorLZO, c.opts.FavorPercent)
	if err != nil {
		return err
	}
	return nil
}

func (c *Compiler) setGcLnum() error {
	c.gcLnum = c.headLnum
	c.headLnum++
	err := c.writeEmptyLeb(c.gcLnum)
	if err != nil {
		return err
	}
	c.setLprops(c.gcLnum, 0, 0)
	c.lst.emptyLebs++
	return nil
}

func (c *Compiler) finalizeLebCnt() error {
	c.lebCnt = c.headLnum
	if c.lebCnt > c.maxLebCnt {
		return fmt.Errorf("%w: %d needed, %d available", ErrTooManyLEBs, c.lebCnt, c.maxLebCnt)
	}
	c.mainLebs = c.lebCnt - c.mainFirst
	return nil
}

func (c *Compiler) reportGeometry() {
	c.log.Debugf("super lebs:  %d", SBLebs)
	c.log.Debugf("master lebs: %d", MstLebs)
	c.log.Debugf("log lebs:    %d", c.logLebs)
	c.log.Debugf("lpt lebs:    %d", c.lptLebs)
	c.log.Debugf("orph lebs:   %d", c.orphLebs)
	c.log.Debugf("main lebs:   %d", c.mainLebs)
	c.log.Debugf("index lebs:  %d", c.lst.idxLebs)
	c.log.Debugf("leb cnt:     %d", c.lebCnt)
	c.log.Debugf("index size:  %d", c.oldIdxSz)
	c.log.Debugf("empty lebs:  %d", c.lst.emptyLebs)
}

func (c *Compiler) newUUID() ([16]byte, error) {
	if c.opts.UUID != "" {
		id, err := uuid.Parse(c.opts.UUID)
		if err != nil {
			return [16]byte{}, optionErrf("bad UUID %q", c.opts.UUID)
		}
		return id, nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return [16]byte{}, err
	}
	return id, nil
}
