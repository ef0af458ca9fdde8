package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/pkg/apperrors"
)

const maxInboundBytes = 4096

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ackBody struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type errorBody struct {
	Event string `json:"event,omitempty"`
	apperrors.ErrorBody
}

// Client is one authenticated connection. Its run loop is the only writer on
// the socket: hub events, replies to inbound events and pings all go through
// it, so frames reach the client in the order they were produced here.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity auth.Identity
	inbound  *Inbound
	send     chan []byte

	writeTimeout   time.Duration
	pingInterval   time.Duration
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// enqueue never blocks the publisher. A full buffer means the client is too
// slow and the frame is dropped.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) run(ctx context.Context) {
	frames := make(chan []byte)
	done := make(chan struct{})
	defer func() {
		close(done)
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	go c.read(frames, done)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(c.writeTimeout))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		case raw, ok := <-frames:
			if !ok {
				return
			}
			if err := c.write(c.handle(ctx, raw)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// read only decodes frames off the wire. It exits when the connection fails
// or the run loop is gone.
func (c *Client) read(frames chan<- []byte, done <-chan struct{}) {
	defer close(frames)

	pongWait := 2 * c.pingInterval
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case frames <- msg:
		case <-done:
			return
		}
	}
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// handle runs one inbound event to completion and returns the encoded reply.
// Errors are answered on this connection only.
func (c *Client) handle(ctx context.Context, raw []byte) []byte {
	var in inboundFrame
	var (
		result any
		err    error
	)
	if jsonErr := json.Unmarshal(raw, &in); jsonErr != nil {
		err = domainerrors.NewValidation("frames must be JSON objects with an event name")
	} else {
		hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		result, err = c.inbound.dispatch(hctx, c.identity, in)
		cancel()
	}

	var out frame
	if err != nil {
		var domainErr *domainerrors.DomainError
		if !errors.As(err, &domainErr) {
			c.logger.ErrorContext(ctx, "inbound event failed",
				slog.String("event", in.Event),
				slog.String("user_id", c.identity.UserID),
				slog.String("error", err.Error()),
			)
		}
		out = frame{Event: events.Error, Data: errorBody{Event: in.Event, ErrorBody: apperrors.Body(err, false)}}
	} else {
		out = frame{Event: events.Ack, Data: ackBody{Event: in.Event, Data: result}}
	}

	msg, encErr := json.Marshal(out)
	if encErr != nil {
		c.logger.Error("encode reply", slog.String("error", encErr.Error()))
		msg, _ = json.Marshal(frame{Event: events.Error, Data: errorBody{Event: in.Event, ErrorBody: apperrors.Body(encErr, false)}})
	}
	return msg
}
