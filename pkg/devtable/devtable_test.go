package devtable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = `
# comment lines and blanks are ignored

/dev           d 755 0 0
/dev/null      c 666 0 0 1 3
/dev/zero      c 666 0 0 1 5
/dev/tty       c 666 0 0 4 0 0 1 4
/var/log       d 755 12 12
/sbin/init     f 755 0 0
/dev/initctl   p 600 0 0
`

func TestParseSample(t *testing.T) {

	tbl, err := Parse(strings.NewReader(sampleTable))
	require.NoError(t, err)

	dev := tbl.FindPath("/dev")
	require.NotNil(t, dev)

	null := dev.FindName("null")
	require.NotNil(t, null)
	assert.Equal(t, uint32(CharDev|0666), null.Mode)
	assert.Equal(t, uint32(1), null.Major)
	assert.Equal(t, uint32(3), null.Minor)
	assert.False(t, null.Implied)

	fifo := dev.FindName("initctl")
	require.NotNil(t, fifo)
	assert.Equal(t, uint32(Fifo|0600), fifo.Mode)

	root := tbl.FindPath("/")
	require.NotNil(t, root)
	devDir := root.FindName("dev")
	require.NotNil(t, devDir)
	assert.Equal(t, uint32(Dir|0755), devDir.Mode)

	log := tbl.FindPath("/var")
	require.NotNil(t, log)
	logDir := log.FindName("log")
	require.NotNil(t, logDir)
	assert.Equal(t, uint32(12), logDir.UID)
}

func TestRangeExpansion(t *testing.T) {

	tbl, err := Parse(strings.NewReader(sampleTable))
	require.NoError(t, err)

	dev := tbl.FindPath("/dev")
	require.NotNil(t, dev)

	for i, name := range []string{"tty0", "tty1", "tty2", "tty3"} {
		e := dev.FindName(name)
		require.NotNil(t, e, name)
		assert.Equal(t, uint32(4), e.Major)
		assert.Equal(t, uint32(i), e.Minor)
	}
	assert.Nil(t, dev.FindName("tty4"))
	assert.Nil(t, dev.FindName("tty"))
}

func TestImpliedParentDirectories(t *testing.T) {

	tbl, err := Parse(strings.NewReader("/a/b/c b 660 0 0 8 1\n"))
	require.NoError(t, err)

	root := tbl.FindPath("/")
	require.NotNil(t, root)
	a := root.FindName("a")
	require.NotNil(t, a)
	assert.True(t, a.Implied)
	assert.Equal(t, uint32(Dir|0755), a.Mode)

	ab := tbl.FindPath("/a")
	require.NotNil(t, ab)
	b := ab.FindName("b")
	require.NotNil(t, b)
	assert.True(t, b.Implied)

	abc := tbl.FindPath("/a/b")
	require.NotNil(t, abc)
	c := abc.FindName("c")
	require.NotNil(t, c)
	assert.False(t, c.Implied)
	assert.Equal(t, uint32(BlockDev|0660), c.Mode)
}

func TestExplicitDirNotOverriddenByImplied(t *testing.T) {

	tbl, err := Parse(strings.NewReader("/opt d 700 5 5\n/opt/dev c 644 0 0 1 2\n"))
	require.NoError(t, err)

	root := tbl.FindPath("/")
	require.NotNil(t, root)
	opt := root.FindName("opt")
	require.NotNil(t, opt)
	assert.False(t, opt.Implied)
	assert.Equal(t, uint32(Dir|0700), opt.Mode)
	assert.Equal(t, uint32(5), opt.UID)
}

func TestParseErrors(t *testing.T) {

	for _, line := range []string{
		"relative/path c 644 0 0 1 1",
		"/x q 644 0 0",
		"/x c 9999 0 0",
		"/x c 644 0 0 1 1 0 1 nope",
		"/x p 644 0 0 0 0 0 1 4",
		"/x c 644",
	} {
		_, err := Parse(strings.NewReader(line + "\n"))
		assert.Error(t, err, line)
	}
}

func TestNilLookupsAreSafe(t *testing.T) {

	var tbl *Table
	assert.Nil(t, tbl.FindPath("/dev"))

	var pe *PathEntries
	assert.Nil(t, pe.FindName("null"))
	assert.Nil(t, pe.Entries())
}
