package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/localcomm/lcomm/common"
)

// Control frame tags. Every frame is a 4 byte big-endian body length followed by the body, whose first
// byte is the tag.
const (
	frameTypeRequest = byte(0x01)
	frameTypeReady   = byte(0x02)
	frameTypeDone    = byte(0x03)
	frameTypeError   = byte(0x7F)
)

/*
Frame body wire formats:

	REQUEST: tag, u16 name length (big endian), name bytes, u64 segment capacity (little endian)
	READY:   tag
	DONE:    tag, u16 name length (big endian), name bytes, u64 segment capacity (little endian)
	ERROR:   tag, u16 message length (big endian), UTF-8 message bytes
*/
type frame struct {
	tag      byte
	segName  string
	capacity uint64
	errMsg   string
}

func encodeSegmentFrame(tag byte, segName string, capacity uint64) []byte {
	body := make([]byte, 1+2+len(segName)+8)
	body[0] = tag
	binary.BigEndian.PutUint16(body[1:], uint16(len(segName)))
	copy(body[3:], segName)
	binary.LittleEndian.PutUint64(body[3+len(segName):], capacity)
	return body
}

func encodeReadyFrame() []byte {
	return []byte{frameTypeReady}
}

func encodeErrorFrame(msg string) []byte {
	body := make([]byte, 1+2+len(msg))
	body[0] = frameTypeError
	binary.BigEndian.PutUint16(body[1:], uint16(len(msg)))
	copy(body[3:], msg)
	return body
}

// writeFrame prefixes the body with its length and flushes the whole frame. net.Conn retries partial
// writes internally, so a short write always surfaces as an error.
func writeFrame(conn net.Conn, body []byte) error {
	buff := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buff, uint32(len(body)))
	copy(buff[4:], body)
	if _, err := conn.Write(buff); err != nil {
		return convertIOError(err, "failed to write control frame")
	}
	return nil
}

// readFrame reads exactly one control frame. A stream that ends inside a frame is a PeerClosed error,
// a length prefix over maxFrameSize or a malformed body is a Protocol error.
func readFrame(conn net.Conn, maxFrameSize uint32) (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return frame{}, convertIOError(err, "failed to read control frame header")
	}
	bodyLen := binary.BigEndian.Uint32(header[:])
	if bodyLen == 0 {
		return frame{}, common.NewLcError(common.Protocol, "control frame with empty body")
	}
	if bodyLen > maxFrameSize {
		return frame{}, common.NewLcErrorf(common.Protocol, "control frame body of %d bytes exceeds maximum %d", bodyLen, maxFrameSize)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return frame{}, convertIOError(err, "failed to read control frame body")
	}
	return decodeFrame(body)
}

func decodeFrame(body []byte) (frame, error) {
	switch tag := body[0]; tag {
	case frameTypeRequest, frameTypeDone:
		if len(body) < 3 {
			return frame{}, common.NewLcErrorf(common.Protocol, "frame with tag 0x%02x truncated at %d bytes", tag, len(body))
		}
		nameLen := int(binary.BigEndian.Uint16(body[1:]))
		if len(body) != 3+nameLen+8 {
			return frame{}, common.NewLcErrorf(common.Protocol, "frame with tag 0x%02x has body of %d bytes, expected %d",
				tag, len(body), 3+nameLen+8)
		}
		// The body buffer is allocated per frame so the zero copy string cannot be clobbered
		return frame{
			tag:      tag,
			segName:  common.UnsafeString(body[3 : 3+nameLen]),
			capacity: binary.LittleEndian.Uint64(body[3+nameLen:]),
		}, nil
	case frameTypeReady:
		if len(body) != 1 {
			return frame{}, common.NewLcErrorf(common.Protocol, "READY frame with unexpected %d byte body", len(body))
		}
		return frame{tag: tag}, nil
	case frameTypeError:
		if len(body) < 3 {
			return frame{}, common.NewLcErrorf(common.Protocol, "ERROR frame truncated at %d bytes", len(body))
		}
		msgLen := int(binary.BigEndian.Uint16(body[1:]))
		if len(body) != 3+msgLen {
			return frame{}, common.NewLcErrorf(common.Protocol, "ERROR frame has body of %d bytes, expected %d", len(body), 3+msgLen)
		}
		return frame{
			tag:    tag,
			errMsg: common.UnsafeString(body[3 : 3+msgLen]),
		}, nil
	default:
		return frame{}, common.NewLcErrorf(common.Protocol, "unknown control frame tag 0x%02x", tag)
	}
}

func convertIOError(err error, context string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF || isClosedNetworkError(err) {
		return common.NewLcErrorf(common.PeerClosed, "%s: peer closed the connection", context)
	}
	return common.NewLcErrorf(common.Transport, "%s: %v", context, err)
}

func isClosedNetworkError(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if ne, ok := err.(net.Error); ok {
		return strings.Contains(ne.Error(), "use of closed network connection")
	}
	return false
}
