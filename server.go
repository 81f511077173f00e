package slsk

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/dispatch"
	"github.com/slsk-go/slsk/protocol"
)

// ServerTransport is the minimal framed-message surface the Client needs
// from the persistent Soulseek server connection. It has the same shape as
// peer.MessageConn deliberately, since both are framed request/response
// channels; server login, search, and room messages are out of scope and
// are not modeled here.
type ServerTransport interface {
	SendMessage(code protocol.MessageCode, payload []byte) error
	ReceiveMessage(ctx context.Context) (protocol.MessageCode, []byte, error)
	Close() error
}

// serverConn adapts a ServerTransport into download.ServerConn and pumps
// inbound server messages into the dispatcher for as long as the Client is
// running.
type serverConn struct {
	transport  ServerTransport
	dispatcher *dispatch.Dispatcher
}

func newServerConn(transport ServerTransport, dispatcher *dispatch.Dispatcher) *serverConn {
	return &serverConn{transport: transport, dispatcher: dispatcher}
}

// RequestUserAddress implements download.ServerConn.
func (s *serverConn) RequestUserAddress(ctx context.Context, username string) error {
	msg := protocol.UserAddressRequest{Username: username}
	return s.transport.SendMessage(protocol.CodeUserAddressRequest, msg.Encode())
}

// pump reads server messages until ctx is cancelled, routing each into the
// dispatcher. Unrecognized codes are logged and dropped; out-of-scope
// server messages (search results, chat, room events) never reach here
// because this project implements only the transfer-relevant subset.
func (s *serverConn) pump(ctx context.Context) {
	for {
		code, payload, err := s.transport.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logrus.WithFields(logrus.Fields{
					"function": "serverConn.pump",
					"error":    err.Error(),
				}).Warn("server connection read failed")
				return
			}
		}

		switch code {
		case protocol.CodeUserAddressResponse:
			msg, err := protocol.DecodeUserAddressResponse(payload)
			if err != nil {
				logDecodeError("UserAddressResponse", err)
				continue
			}
			s.dispatcher.DispatchUserAddressResponse(msg)

		default:
			logrus.WithFields(logrus.Fields{
				"function": "serverConn.pump",
				"code":     fmt.Sprint(code),
			}).Debug("unhandled server message code")
		}
	}
}

func logDecodeError(what string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "serverConn.pump",
		"message":  what,
		"error":    err.Error(),
	}).Warn("failed to decode server message")
}
