package ws

import (
	"log"

	"github.com/ahsanbhutta01/private-chat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SubscribeMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. Parse errors and
// unregistered types result in an error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error id=%s: %v", conn.ID, err)
		sendError(conn, protocol.CodeBadRequest, "invalid message format", "")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q id=%s", msgType, conn.ID)
		sendError(conn, protocol.CodeBadRequest, "unsupported message type", "")
		return
	}

	handler(conn, msg)
}

// send encodes and writes a server message. Failures are logged; a broken
// connection is reaped by the read path or the heartbeat.
func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message id=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s message id=%s: %v", msgType, conn.ID, err)
	}
}

func sendError(conn *Connection, code, message, roomID string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		RoomID:  roomID,
	})
}
