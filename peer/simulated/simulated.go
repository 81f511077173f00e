// Package simulated implements peer.ConnectionManager entirely in memory: a
// delivery log plus an explicit registry of which peers "exist," with a
// Warn logged whenever a Manager is created so a reader of the logs can
// never mistake it for the real network. It is the harness the download/upload orchestrators' tests
// exercise end-to-end against, since there is no real Soulseek network to
// dial in a test run.
package simulated

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/slskerr"
)

// CallRecord captures one connection-manager invocation for test assertions.
type CallRecord struct {
	Method   string
	Username string
}

// Network is a shared in-memory switchboard that one or more simulated
// Manager instances (one per simulated participant) register with, so that
// a dial from one manager can be routed to the other's accept side.
type Network struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{managers: make(map[string]*Manager)}
}

func (n *Network) register(username string, m *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.managers[username] = m
}

func (n *Network) lookup(username string) (*Manager, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.managers[username]
	return m, ok
}

// Manager is a simulated peer.ConnectionManager for one participant.
type Manager struct {
	username string
	network  *Network

	mu              sync.Mutex
	messageConns    map[string]*simMessageConn
	pendingTransfer map[transferKey]chan peer.TransferConn
	calls           []CallRecord
}

type transferKey struct {
	username string
	filename string
	token    uint32
}

// NewManager creates a simulated connection manager for username, joining
// network. Every manager sharing a Network can reach every other.
func NewManager(network *Network, username string) *Manager {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	m := &Manager{
		username:        username,
		network:         network,
		messageConns:    make(map[string]*simMessageConn),
		pendingTransfer: make(map[transferKey]chan peer.TransferConn),
	}
	network.register(username, m)
	return m
}

func (m *Manager) recordCall(method, username string) {
	m.mu.Lock()
	m.calls = append(m.calls, CallRecord{Method: method, Username: username})
	m.mu.Unlock()
}

// Calls returns the recorded invocation history, for test assertions.
func (m *Manager) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

// GetOrCreateMessageConnection implements peer.ConnectionManager.
func (m *Manager) GetOrCreateMessageConnection(ctx context.Context, username string, addr net.Addr) (peer.MessageConn, error) {
	m.recordCall("GetOrCreateMessageConnection", username)

	m.mu.Lock()
	if mc, ok := m.messageConns[username]; ok {
		m.mu.Unlock()
		return mc, nil
	}
	m.mu.Unlock()

	peerMgr, ok := m.network.lookup(username)
	if !ok {
		return nil, &slskerr.UserOfflineError{Username: username}
	}

	a, b := newSimMessagePair(m.username, username)

	m.mu.Lock()
	m.messageConns[username] = a
	m.mu.Unlock()

	peerMgr.mu.Lock()
	peerMgr.messageConns[m.username] = b
	peerMgr.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "simulated.GetOrCreateMessageConnection",
		"self":     m.username,
		"peer":     username,
	}).Info("simulated message connection established")

	return a, nil
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

// AwaitInboundTransferConnection implements peer.ConnectionManager.
func (m *Manager) AwaitInboundTransferConnection(ctx context.Context, username, filename string, token uint32) (peer.TransferConn, error) {
	m.recordCall("AwaitInboundTransferConnection", username)

	key := transferKey{username: username, filename: filename, token: token}
	ch := m.chanFor(key)

	select {
	case conn := <-ch:
		m.removeChan(key)
		return conn, nil
	case <-ctx.Done():
		m.removeChan(key)
		return nil, &slskerr.CancelledError{Message: "await inbound transfer connection cancelled"}
	}
}

// DialTransferConnection implements peer.ConnectionManager. It establishes
// an in-memory pipe and delivers one side to the peer's pending-transfer
// rendezvous for (our username, filename is unknown to the dialer in the
// real protocol but irrelevant in-memory — matched by token only), the
// other side is returned to the caller.
func (m *Manager) DialTransferConnection(ctx context.Context, username string, addr net.Addr, token uint32) (peer.TransferConn, error) {
	m.recordCall("DialTransferConnection", username)

	peerMgr, ok := m.network.lookup(username)
	if !ok {
		return nil, &slskerr.UserOfflineError{Username: username}
	}

	a, b := newSimTransferPair(m.username, username)

	peerMgr.mu.Lock()
	var matchedKey transferKey
	found := false
	for key := range peerMgr.pendingTransfer {
		if key.username == m.username && key.token == token {
			matchedKey = key
			found = true
			break
		}
	}
	peerMgr.mu.Unlock()

	if !found {
		return nil, &slskerr.ConnectionError{Op: "dial-transfer", Addr: username, Err: slskerr.ErrNotConnected}
	}

	ch := peerMgr.chanFor(matchedKey)
	select {
	case ch <- b:
	case <-ctx.Done():
		return nil, &slskerr.CancelledError{Message: "dial transfer connection cancelled"}
	}

	return a, nil
}
