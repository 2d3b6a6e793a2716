package ubifs

import (
	"errors"
	"testing"
)

func geomCompiler(opts Opts) *Compiler {
	return NewCompiler(&CompilerArgs{Opts: opts})
}

func TestDerivedGeometry(t *testing.T) {

	c := geomCompiler(testOpts())
	err := c.initGeometry()
	if err != nil {
		t.Fatal(err)
	}

	if c.fanout != 8 || c.orphLebs != 1 || c.lsaveCnt != 256 {
		t.Errorf("defaults not applied")
	}
	if c.maxBudBytes != 1396736 {
		t.Errorf("max_bud_bytes = %d, expected 1396736", c.maxBudBytes)
	}
	if c.logLebs != 4 {
		t.Errorf("log_lebs = %d, expected 4", c.logLebs)
	}
	if c.lptLebs != 2 {
		t.Errorf("lpt_lebs = %d, expected 2", c.lptLebs)
	}
	if c.bigLpt {
		t.Errorf("small image should use the small LPT model")
	}
	if c.mainFirst != LogLnum+c.logLebs+c.lptLebs+c.orphLebs {
		t.Errorf("main_first = %d", c.mainFirst)
	}
	if c.deadWm != 2048 {
		t.Errorf("dead_wm = %d, expected 2048", c.deadWm)
	}
	if c.darkWm != alignInt(MaxNodeSz, tMinIO) {
		t.Errorf("dark_wm = %d", c.darkWm)
	}
	if c.defaultCompr != ComprNone {
		t.Errorf("compr = %d", c.defaultCompr)
	}
}

func TestGeometryValidation(t *testing.T) {

	for _, tc := range []struct {
		name   string
		mutate func(*Opts)
		kind   error
	}{
		{
			name:   "min io not power of two",
			mutate: func(o *Opts) { o.MinIOSize = 3000 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "leb too small",
			mutate: func(o *Opts) { o.LebSize = 8192; o.MinIOSize = 512 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "leb not multiple of min io",
			mutate: func(o *Opts) { o.LebSize = 126976 + 8 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "leb too large",
			mutate: func(o *Opts) { o.LebSize = 4 * 1024 * 1024; o.MinIOSize = 4096 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "too few lebs",
			mutate: func(o *Opts) { o.MaxLebCnt = 10 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "fanout too low",
			mutate: func(o *Opts) { o.Fanout = 2 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "fanout too high",
			mutate: func(o *Opts) { o.Fanout = 1 << 20 },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "reserved eats half the volume",
			mutate: func(o *Opts) { o.Reserved = int64(tLebSize) * tMaxLebs },
			kind:   ErrInvalidGeometry,
		},
		{
			name:   "bad compressor",
			mutate: func(o *Opts) { o.Compr = "lzma" },
			kind:   ErrInvalidOption,
		},
		{
			name:   "bad key hash",
			mutate: func(o *Opts) { o.KeyHash = "fnv" },
			kind:   ErrInvalidOption,
		},
		{
			name:   "missing min io",
			mutate: func(o *Opts) { o.MinIOSize = 0 },
			kind:   ErrInvalidOption,
		},
	} {
		opts := testOpts()
		tc.mutate(&opts)
		err := geomCompiler(opts).initGeometry()
		if !errors.Is(err, tc.kind) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestTinyMinIORoundsUpToEight(t *testing.T) {

	opts := testOpts()
	opts.MinIOSize = 1
	c := geomCompiler(opts)
	err := c.initGeometry()
	if err != nil {
		t.Fatal(err)
	}
	if c.minIOSize != 8 {
		t.Errorf("min_io_size = %d, expected 8", c.minIOSize)
	}
}

func TestSpaceOverhead(t *testing.T) {

	c := geomCompiler(testOpts())
	err := c.initGeometry()
	if err != nil {
		t.Fatal(err)
	}

	// The overhead multiplier always inflates a non-zero reservation.
	if got := c.addSpaceOverhead(1 << 20); got <= 1<<20 {
		t.Errorf("overhead did not inflate reservation: %d", got)
	}
	if got := c.addSpaceOverhead(0); got != 0 {
		t.Errorf("zero reservation inflated to %d", got)
	}
}

func TestFormatVersion(t *testing.T) {

	c := geomCompiler(testOpts())
	if c.fmtVersion() != 4 {
		t.Errorf("plain image format version should be 4")
	}
	c.doubleHash = true
	if c.fmtVersion() != 5 {
		t.Errorf("double hash requires format version 5")
	}
}
