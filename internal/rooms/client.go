package rooms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/realtime-ai/presenced/internal/utils"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client is a middleman between the websocket connection and the room.
type Client struct {
	room       *Room
	conn       *websocket.Conn
	send       chan interface{}
	userID     string
	connID     string
	limiter    *rate.Limiter
	dispatcher Dispatcher
	logger     *utils.Logger
}

// NewClient creates a client for the socket. The client is placed in a room
// by Hub.Attach before its pumps start. The limiter bounds the rate of
// inbound frames; frames over the budget are answered with an error ack and
// dropped.
func NewClient(conn *websocket.Conn, userID, connID string, limiter *rate.Limiter, dispatcher Dispatcher, logger *utils.Logger) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan interface{}, 256),
		userID:     userID,
		connID:     connID,
		limiter:    limiter,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// UserID returns the authenticated user the socket belongs to.
func (c *Client) UserID() string { return c.userID }

// ConnID returns the connection's identity for the lifetime of the socket.
func (c *Client) ConnID() string { return c.connID }

// Room returns the name of the room the socket is attached to.
func (c *Client) Room() string { return c.room.name }

// Send queues a message for the write pump, dropping it when the client's
// buffer is full.
func (c *Client) Send(msg interface{}) {
	select {
	case c.send <- msg:
	default:
	}
}

// readPump pumps messages from the websocket connection to the dispatcher.
// A goroutine is started for each connection. The application ensures that there is at most one reader per connection by invoking this as a goroutine.
func (c *Client) readPump() {
	defer func() {
		c.dispatcher.Disconnected(c)
		c.room.hub.Detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug(context.Background(), "websocket read error on conn %s: %v", c.connID, err)
			}
			break
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.Send(ErrAck(0, "", "malformed message"))
			continue
		}
		if req.Type == "" {
			c.Send(ErrAck(req.Seq, "", "message type is required"))
			continue
		}
		if !c.limiter.Allow() {
			c.Send(ErrAck(req.Seq, "", "rate limit exceeded"))
			continue
		}

		if ack := c.dispatcher.Dispatch(context.Background(), c, &req); ack != nil {
			c.Send(ack)
		}
	}
}

// writePump pumps messages from the room to the websocket connection.
// A goroutine is started for each connection. The application ensures that there is at most one writer per connection by invoking this as a goroutine.
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The room closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := c.conn.WriteJSON(message)
			if err != nil {
				c.logger.Debug(context.Background(), "websocket write error on conn %s: %v", c.connID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Stop gracefully shuts down the client
func (c *Client) Stop() {
	c.conn.Close()
}
