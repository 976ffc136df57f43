package main

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// localClient is one UI connection to the agent.
type localClient struct {
	conn *websocket.Conn
	send chan []byte
}

// localHub fans server updates out to every UI connection and funnels
// their messages to a single inbound handler.
type localHub struct {
	log        *slog.Logger
	inbound    func(data []byte)
	clients    map[*localClient]bool
	broadcast  chan []byte
	register   chan *localClient
	unregister chan *localClient
}

func newLocalHub(logger *slog.Logger, inbound func(data []byte)) *localHub {
	return &localHub{
		log:        logger,
		inbound:    inbound,
		clients:    make(map[*localClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *localClient),
		unregister: make(chan *localClient),
	}
}

func (h *localHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.log.Info("ui client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Info("ui client disconnected", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

func (h *localHub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "err", err)
		return
	}
	c := &localClient{conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *localClient) readPump(h *localHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		h.inbound(message)
	}
}

func (c *localClient) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		c.conn.WriteMessage(websocket.TextMessage, message)
	}
}
