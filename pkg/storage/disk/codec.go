package disk

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// 每个对象文件以一个帧字节开头，说明后续内容的编码方式。
// 压缩后不变小的内容按原样存储。
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// minCompressSize 是值得压缩的最小负载
const minCompressSize = 128

type codec struct {
	encoder *zstd.Encoder
}

// newCodec 构建对象编解码器。level 为 0 时不压缩。
func newCodec(level int) (*codec, error) {
	if level <= 0 {
		return &codec{}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	case 4:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	return &codec{encoder: encoder}, nil
}

// encode 返回带帧头的负载
func (c *codec) encode(data []byte) []byte {
	if c.encoder != nil && len(data) >= minCompressSize {
		out := make([]byte, 1, len(data))
		out[0] = frameZstd
		out = c.encoder.EncodeAll(data, out)
		if len(out) < len(data)+1 {
			return out
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, frameRaw)
	return append(out, data...)
}

// decode 把带帧头的对象文件包装成读取原始字节的 reader。
// 关闭返回值会同时关闭 f。
func (c *codec) decode(f io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(f)
	frame, err := br.ReadByte()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read object frame: %w", err)
	}

	switch frame {
	case frameRaw:
		return &readCloser{Reader: br, close: f.Close}, nil
	case frameZstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return nil, err
		}
		return &readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unknown object frame 0x%02x", frame)
	}
}

func (c *codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
