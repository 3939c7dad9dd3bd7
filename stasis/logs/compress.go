package logs

import (
	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/util"
)

// Compression 前像压缩方式，按记录保存，读取时不依赖配置
type Compression byte

const (
	CompressNone Compression = iota
	CompressSnappy
	CompressLZ4
)

// minCompressSize 太短的前像不压缩
const minCompressSize = 64

// ParseCompression 配置值转换
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", conf.CompressionNone:
		return CompressNone, nil
	case conf.CompressionSnappy:
		return CompressSnappy, nil
	case conf.CompressionLZ4:
		return CompressLZ4, nil
	}
	return CompressNone, errors.NotValidf("compression %q", s)
}

// 前像：codec(1) rawLen(4) len(4) data
func appendPreImage(buf []byte, c Compression, img []byte) []byte {
	codec, data := compress(c, img)
	buf = util.WriteByte(buf, byte(codec))
	buf = util.WriteUB4(buf, uint32(len(img)))
	return util.WriteWithLength(buf, data)
}

func readPreImage(buf []byte, c int) (int, []byte, error) {
	c, codec := util.ReadByte(buf, c)
	c, rawLen := util.ReadUB4(buf, c)
	c, data := util.ReadWithLength(buf, c)
	img, err := decompress(Compression(codec), data, int(rawLen))
	return c, img, err
}

func compress(c Compression, src []byte) (Compression, []byte) {
	if len(src) < minCompressSize {
		return CompressNone, src
	}
	switch c {
	case CompressSnappy:
		out := snappy.Encode(nil, src)
		if len(out) < len(src) {
			return CompressSnappy, out
		}
	case CompressLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, out, nil)
		// n == 0 表示不可压缩
		if err == nil && n > 0 && n < len(src) {
			return CompressLZ4, out[:n]
		}
	}
	return CompressNone, src
}

func decompress(c Compression, data []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressNone:
		if len(data) != rawLen {
			return nil, ErrCorrupt
		}
		if rawLen == 0 {
			return nil, nil
		}
		return append([]byte(nil), data...), nil
	case CompressSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil || len(out) != rawLen {
			return nil, errors.Annotate(ErrCorrupt, "snappy pre-image")
		}
		return out, nil
	case CompressLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil || n != rawLen {
			return nil, errors.Annotate(ErrCorrupt, "lz4 pre-image")
		}
		return out, nil
	}
	return nil, errors.Annotatef(ErrCorrupt, "pre-image codec %d", c)
}
