package real

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/slsk-go/slsk/protocol"
)

// tcpMessageConn frames each message as [4-byte LE length][1-byte code
// length][code bytes][payload], the minimal framing needed to multiplex
// distinct message codes over one persistent stream socket.
type tcpMessageConn struct {
	conn     net.Conn
	username string

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newTCPMessageConn(conn net.Conn, username string) *tcpMessageConn {
	return &tcpMessageConn{conn: conn, username: username}
}

func (c *tcpMessageConn) SendMessage(code protocol.MessageCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	codeBytes := []byte(code)
	frame := make([]byte, 0, 4+1+len(codeBytes)+len(payload))

	length := uint32(1 + len(codeBytes) + len(payload))
	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, length)

	frame = append(frame, lenBytes...)
	frame = append(frame, byte(len(codeBytes)))
	frame = append(frame, codeBytes...)
	frame = append(frame, payload...)

	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpMessageConn) ReceiveMessage(ctx context.Context) (protocol.MessageCode, []byte, error) {
	type result struct {
		code protocol.MessageCode
		data []byte
		err  error
	}

	resultCh := make(chan result, 1)
	go func() {
		c.readMu.Lock()
		defer c.readMu.Unlock()

		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(c.conn, lenBytes); err != nil {
			resultCh <- result{err: err}
			return
		}
		length := binary.LittleEndian.Uint32(lenBytes)

		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			resultCh <- result{err: err}
			return
		}

		codeLen := int(body[0])
		code := protocol.MessageCode(body[1 : 1+codeLen])
		payload := body[1+codeLen:]
		resultCh <- result{code: code, data: payload}
	}()

	select {
	case r := <-resultCh:
		return r.code, r.data, r.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (c *tcpMessageConn) RemoteUsername() string { return c.username }

func (c *tcpMessageConn) Close() error { return c.conn.Close() }

// tcpTransferConn is a thin RemoteUsername-aware wrapper around net.Conn;
// the offset prologue and raw byte stream are handled entirely by the
// download/upload orchestrators via protocol.EncodeOffset/DecodeOffset.
type tcpTransferConn struct {
	net.Conn
	username string
}

func newTCPTransferConn(conn net.Conn, username string) *tcpTransferConn {
	return &tcpTransferConn{Conn: conn, username: username}
}

func (c *tcpTransferConn) RemoteUsername() string { return c.username }
