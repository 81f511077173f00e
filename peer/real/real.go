// Package real implements peer.ConnectionManager over plain TCP sockets: a
// listener plus a client map, with context-based shutdown, serving three
// logical connection kinds over that single transport: one cached message
// connection per peer, and ephemeral transfer connections correlated by
// (username, filename, token). Every inbound TCP connection announces
// itself with a small init header so the accept loop can route it to the
// right cache entry or rendezvous channel.
package real

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/slskerr"
)

const (
	connTypeMessage byte = 'M'
	connTypeFile    byte = 'F'
)

type transferKey struct {
	username string
	filename string
	token    uint32
}

// Manager is a TCP-backed peer.ConnectionManager.
type Manager struct {
	selfUsername string

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu              sync.Mutex
	messageConns    map[string]*tcpMessageConn
	pendingTransfer map[transferKey]chan peer.TransferConn
}

// NewManager starts a TCP listener on listenAddr and returns a Manager that
// identifies itself as selfUsername to peers it dials.
func NewManager(selfUsername, listenAddr string) (*Manager, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, slskerr.NewConnectionError("listen", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		selfUsername:    selfUsername,
		listener:        listener,
		ctx:             ctx,
		cancel:          cancel,
		messageConns:    make(map[string]*tcpMessageConn),
		pendingTransfer: make(map[transferKey]chan peer.TransferConn),
	}

	go m.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "real.NewManager",
		"addr":     listener.Addr().String(),
	}).Info("peer connection manager listening")

	return m, nil
}

// Close stops accepting connections and closes all cached message
// connections.
func (m *Manager) Close() error {
	m.cancel()
	err := m.listener.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.messageConns {
		c.conn.Close()
	}
	return err
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				logrus.WithFields(logrus.Fields{
					"function": "real.acceptLoop",
					"error":    err.Error(),
				}).Warn("accept failed")
				continue
			}
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	username, connType, token, err := readInitHeader(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "real.handleInbound",
			"error":    err.Error(),
		}).Warn("failed to read inbound init header")
		conn.Close()
		return
	}

	switch connType {
	case connTypeMessage:
		mc := newTCPMessageConn(conn, username)
		m.mu.Lock()
		m.messageConns[username] = mc
		m.mu.Unlock()

	case connTypeFile:
		// The filename isn't carried on the wire handshake (only the peer
		// and the requester both know it from the preceding TransferRequest
		// exchange); the download/upload orchestrators register the
		// awaited key before the peer can connect, so we route by
		// (username, token) and let AwaitInboundTransferConnection's
		// filename act as a second key component supplied at registration.
		m.deliverInboundTransfer(username, token, conn)

	default:
		logrus.WithFields(logrus.Fields{
			"function":  "real.handleInbound",
			"conn_type": connType,
		}).Warn("unknown inbound connection type")
		conn.Close()
	}
}

func (m *Manager) deliverInboundTransfer(username string, token uint32, conn net.Conn) {
	m.mu.Lock()
	var matched chan peer.TransferConn
	for key, ch := range m.pendingTransfer {
		if key.username == username && key.token == token {
			matched = ch
			break
		}
	}
	m.mu.Unlock()

	tc := newTCPTransferConn(conn, username)
	if matched == nil {
		logrus.WithFields(logrus.Fields{
			"function": "real.deliverInboundTransfer",
			"username": username,
			"token":    token,
		}).Warn("no pending await for inbound transfer connection")
		conn.Close()
		return
	}

	select {
	case matched <- tc:
	default:
		conn.Close()
	}
}

func (m *Manager) chanFor(key transferKey) chan peer.TransferConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.pendingTransfer[key]
	if !ok {
		ch = make(chan peer.TransferConn, 1)
		m.pendingTransfer[key] = ch
	}
	return ch
}

func (m *Manager) removeChan(key transferKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingTransfer, key)
}

// GetOrCreateMessageConnection implements peer.ConnectionManager.
func (m *Manager) GetOrCreateMessageConnection(ctx context.Context, username string, addr net.Addr) (peer.MessageConn, error) {
	m.mu.Lock()
	if mc, ok := m.messageConns[username]; ok {
		m.mu.Unlock()
		return mc, nil
	}
	m.mu.Unlock()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, slskerr.NewConnectionError("dial-message", addr.String(), err)
	}

	if err := writeInitHeader(conn, m.selfUsername, connTypeMessage, 0); err != nil {
		conn.Close()
		return nil, slskerr.NewConnectionError("handshake-message", addr.String(), err)
	}

	mc := newTCPMessageConn(conn, username)
	m.mu.Lock()
	m.messageConns[username] = mc
	m.mu.Unlock()

	return mc, nil
}

// AwaitInboundTransferConnection implements peer.ConnectionManager.
func (m *Manager) AwaitInboundTransferConnection(ctx context.Context, username, filename string, token uint32) (peer.TransferConn, error) {
	key := transferKey{username: username, filename: filename, token: token}
	ch := m.chanFor(key)

	select {
	case conn := <-ch:
		m.removeChan(key)
		return conn, nil
	case <-ctx.Done():
		m.removeChan(key)
		return nil, slskerr.NewConnectionError("await-transfer-conn", username, ctx.Err())
	}
}

// DialTransferConnection implements peer.ConnectionManager.
func (m *Manager) DialTransferConnection(ctx context.Context, username string, addr net.Addr, token uint32) (peer.TransferConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, slskerr.NewConnectionError("dial-transfer", addr.String(), err)
	}

	if err := writeInitHeader(conn, m.selfUsername, connTypeFile, token); err != nil {
		conn.Close()
		return nil, slskerr.NewConnectionError("handshake-transfer", addr.String(), err)
	}

	return newTCPTransferConn(conn, username), nil
}

// --- init header: [1 conn type][1 username-len][username][4 LE token] ---

func writeInitHeader(conn net.Conn, username string, connType byte, token uint32) error {
	buf := make([]byte, 0, 1+1+len(username)+4)
	buf = append(buf, connType)
	buf = append(buf, byte(len(username)))
	buf = append(buf, []byte(username)...)
	tokBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(tokBytes, token)
	buf = append(buf, tokBytes...)
	_, err := conn.Write(buf)
	return err
}

func readInitHeader(conn net.Conn) (username string, connType byte, token uint32, err error) {
	head := make([]byte, 2)
	if _, err = ioReadFull(conn, head); err != nil {
		return "", 0, 0, err
	}
	connType = head[0]
	nameLen := int(head[1])

	rest := make([]byte, nameLen+4)
	if _, err = ioReadFull(conn, rest); err != nil {
		return "", 0, 0, err
	}
	username = string(rest[:nameLen])
	token = binary.LittleEndian.Uint32(rest[nameLen : nameLen+4])
	return username, connType, token, nil
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
