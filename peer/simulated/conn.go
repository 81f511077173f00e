package simulated

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/slsk-go/slsk/protocol"
)

// simMessageConn carries framed messages over an in-memory net.Pipe. Its
// framing is peer/real's code-length/code/payload layout without the 4-byte
// total-length prefix (see readFramed).
type simMessageConn struct {
	conn     net.Conn
	username string

	writeMu sync.Mutex
}

type framedMessage struct {
	code    protocol.MessageCode
	payload []byte
}

func newSimMessagePair(selfUsername, peerUsername string) (*simMessageConn, *simMessageConn) {
	c1, c2 := net.Pipe()
	return &simMessageConn{conn: c1, username: peerUsername},
		&simMessageConn{conn: c2, username: selfUsername}
}

func (c *simMessageConn) SendMessage(code protocol.MessageCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	enc := encodeFramed(code, payload)
	_, err := c.conn.Write(enc)
	return err
}

func (c *simMessageConn) ReceiveMessage(ctx context.Context) (protocol.MessageCode, []byte, error) {
	type result struct {
		code protocol.MessageCode
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		code, data, err := readFramed(c.conn)
		resultCh <- result{code: code, data: data, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.code, r.data, r.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (c *simMessageConn) RemoteUsername() string { return c.username }

func (c *simMessageConn) Close() error { return c.conn.Close() }

func encodeFramed(code protocol.MessageCode, payload []byte) []byte {
	codeBytes := []byte(code)
	out := make([]byte, 0, 1+len(codeBytes)+len(payload))
	out = append(out, byte(len(codeBytes)))
	out = append(out, codeBytes...)
	out = append(out, payload...)
	return out
}

func readFramed(r io.Reader) (protocol.MessageCode, []byte, error) {
	head := make([]byte, 1)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", nil, err
	}
	codeLen := int(head[0])
	codeBuf := make([]byte, codeLen)
	if _, err := io.ReadFull(r, codeBuf); err != nil {
		return "", nil, err
	}
	// net.Pipe has no message boundaries beyond what one Write call
	// produces on the writer side reaching one Read call here; since
	// SendMessage performs a single Write per message and net.Pipe is
	// synchronous, a short follow-up read for the payload would block
	// forever if we don't know its length. Unlike the TCP framing this
	// one omits an explicit payload length because net.Pipe delivers
	// each Write as one Read on the other end.
	buf := make([]byte, 65536)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	return protocol.MessageCode(codeBuf), buf[:n], nil
}

// simTransferConn wraps one end of an in-memory pipe carrying raw transfer
// bytes, mirroring peer/real's tcpTransferConn.
type simTransferConn struct {
	net.Conn
	username string
}

func newSimTransferPair(selfUsername, peerUsername string) (*simTransferConn, *simTransferConn) {
	c1, c2 := net.Pipe()
	return &simTransferConn{Conn: c1, username: peerUsername},
		&simTransferConn{Conn: c2, username: selfUsername}
}

func (c *simTransferConn) RemoteUsername() string { return c.username }
