package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 最大帧大小限制（视频帧体积较大，限制16MB防止内存攻击）
	MaxFrameSize = 16 * 1024 * 1024
	// 最小帧大小（只有头部）
	MinFrameSize = FrameHeaderSize
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// EncodeFrame 将操作码和消息体编码为二进制帧格式
// 帧格式: | opcode(2字节) | length(4字节) | body(变长) |
func EncodeFrame(opcode uint16, body []byte) []byte {
	if body == nil {
		body = []byte{}
	}

	buf := make([]byte, FrameHeaderSize+len(body))

	// 大端序写入操作码和消息体长度
	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[6:], body)

	return buf
}

// DecodeFrame 从二进制数据中解码出操作码和消息体
func DecodeFrame(raw []byte) (opcode uint16, body []byte, err error) {
	if len(raw) < MinFrameSize {
		return 0, nil, ErrFrameTooSmall
	}

	if len(raw) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	opcode = binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	// 验证帧完整性
	expectedFrameSize := FrameHeaderSize + int(bodyLength)
	if len(raw) != expectedFrameSize {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, expectedFrameSize, len(raw))
	}

	if bodyLength > 0 {
		body = make([]byte, bodyLength)
		copy(body, raw[6:])
	}

	return opcode, body, nil
}
