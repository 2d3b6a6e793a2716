package ubifs

import (
	"bytes"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	lzo "github.com/rasky/go-lzo"
)

// compressor bundles the data-compression backends. Output buffers are
// only valid until the next call.
type compressor struct {
	favorLZO     bool
	favorPercent int

	flateBuf bytes.Buffer
	flateW   *flate.Writer
	zstdEnc  *zstd.Encoder
	zstdBuf  []byte
}

func newCompressor(favorLZO bool, favorPercent int) (*compressor, error) {
	z := &compressor{
		favorLZO:     favorLZO,
		favorPercent: favorPercent,
	}
	var err error
	// Raw deflate (no zlib header) at the default level. The writer uses
	// flate's default window, not the kernel's 11-bit one.
	z.flateW, err = flate.NewWriter(&z.flateBuf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	z.zstdEnc, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	return z, nil
}

func (z *compressor) lzo(in []byte) []byte {
	return lzo.Compress1X999(in)
}

func (z *compressor) deflate(in []byte) ([]byte, error) {
	z.flateBuf.Reset()
	z.flateW.Reset(&z.flateBuf)
	_, err := z.flateW.Write(in)
	if err != nil {
		return nil, err
	}
	err = z.flateW.Close()
	if err != nil {
		return nil, err
	}
	return z.flateBuf.Bytes(), nil
}

func (z *compressor) zstd(in []byte) []byte {
	z.zstdBuf = z.zstdEnc.EncodeAll(in, z.zstdBuf[:0])
	return z.zstdBuf
}

// favor runs both LZO and zlib and keeps LZO unless zlib wins by more
// than favorPercent. Integer arithmetic keeps the choice deterministic
// across hosts.
func (z *compressor) favor(in []byte) ([]byte, uint16) {
	lzoOut := z.lzo(in)
	zlibOut, err := z.deflate(in)
	if err != nil {
		return lzoOut, ComprLZO
	}
	if len(lzoOut) <= len(zlibOut) {
		return lzoOut, ComprLZO
	}
	if len(zlibOut)*100 < (100-z.favorPercent)*len(lzoOut) {
		return zlibOut, ComprZlib
	}
	return lzoOut, ComprLZO
}

// compress encodes in with the requested compressor, falling back to no
// compression for short or incompressible input. It returns the encoded
// bytes and the compression type actually used.
func (z *compressor) compress(in []byte, typ uint16) ([]byte, uint16) {
	if len(in) < MinCompressLen {
		return in, ComprNone
	}

	var out []byte
	var used uint16
	if z.favorLZO && typ != ComprNone {
		out, used = z.favor(in)
	} else {
		switch typ {
		case ComprLZO:
			out, used = z.lzo(in), ComprLZO
		case ComprZlib:
			var err error
			out, err = z.deflate(in)
			if err != nil {
				return in, ComprNone
			}
			used = ComprZlib
		case ComprZstd:
			out, used = z.zstd(in), ComprZstd
		default:
			return in, ComprNone
		}
	}

	if len(out) >= len(in) {
		return in, ComprNone
	}
	return out, used
}
