// Command agent runs a local replica of one shared document. It keeps a
// WebSocket session to the sync server, applies local UI edits
// optimistically, and serves the document to browser clients on a local
// port even while the server is unreachable: the last known snapshot is
// cached on disk until the connection comes back. Reconnecting adopts the
// server's state wholesale; edits the server never acknowledged are lost.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"cowrite/pkg/cursor"
	"cowrite/pkg/wire"
)

// uiGrid measures the replica text the way the bundled UI lays it out, so
// remote carets arrive at UI clients as ready-to-place coordinates.
var uiGrid = cursor.Grid{CellWidth: 8, LineHeight: 16}

type agent struct {
	log     *slog.Logger
	docID   string
	replica *replica
	cache   *snapshotCache
	hub     *localHub

	mu     sync.Mutex
	conn   *websocket.Conn
	carets map[string]remoteCaret
}

// remoteCaret is the last reported cursor of another collaborator.
type remoteCaret struct {
	UserID   string
	Name     string
	Color    string
	Position int
}

// uiCaret is a remote caret projected onto the UI layout. Visible is false
// when the offset lies beyond the current replica text.
type uiCaret struct {
	UserID   string       `json:"userId"`
	Name     string       `json:"userName"`
	Color    string       `json:"color"`
	Position int          `json:"position"`
	Point    cursor.Point `json:"point"`
	Visible  bool         `json:"visible"`
}

// localState is the envelope the agent pushes to UI clients after every
// replica change, connected or not.
type localState struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Version int64     `json:"version"`
	Online  bool      `json:"online"`
	Carets  []uiCaret `json:"carets"`
}

// localEdit is a UI client submitting the full new text; the agent turns
// it into operations.
type localEdit struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (a *agent) online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *agent) sendUpstream(msg any) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := wire.Encode(msg)
	if err != nil {
		a.log.Error("encode upstream", "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.log.Warn("upstream write failed", "err", err)
	}
}

// projectCarets maps every known remote caret onto the current text.
func (a *agent) projectCarets(text string) []uiCaret {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.carets) == 0 {
		return nil
	}
	m := cursor.NewMapper(uiGrid.Spans(text))
	out := make([]uiCaret, 0, len(a.carets))
	for _, c := range a.carets {
		p, ok := m.OffsetToPoint(c.Position)
		out = append(out, uiCaret{
			UserID:   c.UserID,
			Name:     c.Name,
			Color:    c.Color,
			Position: c.Position,
			Point:    p,
			Visible:  ok,
		})
	}
	return out
}

func (a *agent) pushLocalState() {
	text := a.replica.text()
	data, err := json.Marshal(localState{
		Type:    "local_state",
		Text:    text,
		Version: a.replica.version(),
		Online:  a.online(),
		Carets:  a.projectCarets(text),
	})
	if err != nil {
		a.log.Error("encode local state", "err", err)
		return
	}
	a.hub.broadcast <- data
}

// handleLocal processes one message from a UI client.
func (a *agent) handleLocal(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.log.Warn("dropping malformed ui message", "err", err)
		return
	}
	switch probe.Type {
	case "edit":
		var e localEdit
		if err := json.Unmarshal(data, &e); err != nil {
			a.log.Warn("dropping malformed edit", "err", err)
			return
		}
		for _, o := range a.replica.localEdit(e.Text) {
			a.sendUpstream(wire.Operation{Type: wire.TypeOperation, Change: o})
		}
		a.pushLocalState()
	case wire.TypeCursorUpdate:
		a.sendUpstream(json.RawMessage(data))
	default:
		a.log.Warn("dropping unhandled ui message", "type", probe.Type)
	}
}

func (a *agent) cacheSnapshot() {
	snapshot, version, err := a.replica.snapshot()
	if err != nil {
		a.log.Error("snapshot replica", "err", err)
		return
	}
	if err := a.cache.put(a.docID, snapshot, version); err != nil {
		a.log.Warn("cache write failed", "err", err)
	}
}

// handleUpstream processes one message from the sync server.
func (a *agent) handleUpstream(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		a.log.Warn("dropping malformed server message", "err", err)
		return
	}
	switch m := msg.(type) {
	case wire.DocumentState:
		a.replica.adoptBaseline(m.Content, m.Version)
		a.cacheSnapshot()
		a.hub.broadcast <- data
		a.pushLocalState()
	case wire.SyncResponse:
		a.replica.adoptBaseline(m.Content, m.Version)
		a.cacheSnapshot()
		a.hub.broadcast <- data
		a.pushLocalState()
	case wire.DocumentChange:
		if a.replica.handleChange(m) {
			a.sendUpstream(wire.SyncRequest{Type: wire.TypeSyncRequest, Version: a.replica.version()})
			return
		}
		a.cacheSnapshot()
		a.hub.broadcast <- data
		a.pushLocalState()
	case wire.CursorPosition:
		a.mu.Lock()
		a.carets[m.UserID] = remoteCaret{UserID: m.UserID, Name: m.UserName, Color: m.Color, Position: m.Position}
		a.mu.Unlock()
		a.hub.broadcast <- data
		a.pushLocalState()
	case wire.UserDisconnected:
		a.mu.Lock()
		delete(a.carets, m.UserID)
		a.mu.Unlock()
		a.hub.broadcast <- data
		a.pushLocalState()
	default:
		a.log.Info("ignoring server message", "type", fmt.Sprintf("%T", msg))
	}
}

// connectLoop keeps one upstream session alive, redialing with
// exponential backoff until ctx is cancelled.
func (a *agent) connectLoop(ctx context.Context, wsURL string) {
	for ctx.Err() == nil {
		var conn *websocket.Conn
		dial := func() error {
			c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				a.log.Info("dial failed, retrying", "url", wsURL, "err", err)
				return err
			}
			conn = c
			return nil
		}
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(dial, b); err != nil {
			return
		}
		a.log.Info("connected", "url", wsURL)

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.pushLocalState()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				a.log.Warn("upstream connection lost", "err", err)
				break
			}
			a.handleUpstream(data)
		}

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
		a.pushLocalState()
	}
}

// discover finds a sync server over mDNS and returns its base address.
func discover(ctx context.Context, logger *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := resolver.Browse(browseCtx, "_cowrite._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
		logger.Info("discovered server", "instance", entry.Instance, "addr", addr)
		return addr, nil
	}
	return "", errors.New("no sync server found on the local network")
}

func main() {
	server := flag.String("server", os.Getenv("COWRITE_SERVER"), "sync server host:port (empty to discover over mDNS)")
	docID := flag.String("doc", os.Getenv("COWRITE_DOC"), "document id to replicate")
	name := flag.String("name", os.Getenv("COWRITE_NAME"), "display name")
	key := flag.String("key", os.Getenv("COWRITE_KEY"), "server passkey, if required")
	addr := flag.String("addr", ":8080", "local listen address for UI clients")
	uiDir := flag.String("ui", "", "directory of UI assets to serve (optional)")
	cachePath := flag.String("cache", "cowrite-agent.db", "snapshot cache path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *docID == "" {
		logger.Error("missing -doc")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := *server
	if host == "" {
		found, err := discover(ctx, logger)
		if err != nil {
			logger.Error("discovery failed", "err", err)
			os.Exit(1)
		}
		host = found
	}
	wsURL := fmt.Sprintf("ws://%s/ws/%s?name=%s&key=%s",
		host, url.PathEscape(*docID), url.QueryEscape(*name), url.QueryEscape(*key))

	cache, err := openCache(*cachePath)
	if err != nil {
		logger.Error("open cache", "err", err)
		os.Exit(1)
	}
	defer cache.close()

	a := &agent{
		log:     logger,
		docID:   *docID,
		replica: newReplica(logger),
		cache:   cache,
		carets:  make(map[string]remoteCaret),
	}
	a.hub = newLocalHub(logger, a.handleLocal)

	// Serve the cached snapshot until the server hands us a fresh one.
	if cached, ok, err := cache.get(*docID); err != nil {
		logger.Warn("cache read failed", "err", err)
	} else if ok {
		a.replica.adoptBaseline(cached.Content, cached.Version)
		logger.Info("loaded cached snapshot", "version", cached.Version, "savedAt", cached.SavedAt)
	}

	go a.hub.run()
	go a.connectLoop(ctx, wsURL)

	routes := http.NewServeMux()
	if *uiDir != "" {
		routes.Handle("/", http.FileServer(http.Dir(*uiDir)))
	}
	routes.HandleFunc("/ws", a.hub.serveWs)

	srv := &http.Server{Addr: *addr, Handler: routes, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	logger.Info("agent listening", "addr", *addr, "document", *docID)

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("agent server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}
}
