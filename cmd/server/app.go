package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"cowrite/pkg/auth"
	"cowrite/pkg/doc"
	"cowrite/pkg/history"
	"cowrite/pkg/hub"
	"cowrite/pkg/op"
	"cowrite/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Leaser coordinates which instance holds version authority for a
// document. Claim reports whether this instance holds it afterward.
type Leaser interface {
	Claim(ctx context.Context, documentID string) (bool, error)
	Refresh(ctx context.Context, documentID string) error
	Release(ctx context.Context, documentID string) error
}

// leaseRefreshInterval must stay well under the claim TTL so a live owner
// never loses its documents to expiry.
const leaseRefreshInterval = 10 * time.Second

type appConfig struct {
	Logger  *slog.Logger
	Store   store.Persistence
	History history.Store
	Relay   hub.Relay
	Leaser  Leaser
	Auth    auth.Authenticator
}

// docHost is the session endpoint for one open document: the owning
// reconciler, or a read-only follower when another instance holds the
// ownership claim.
type docHost interface {
	Join(ctx context.Context, info hub.SessionInfo) (<-chan []byte, error)
	Leave(sessionID string)
	Deliver(sessionID string, data []byte)
}

// app owns one host per open document and the HTTP surface in front of
// them.
type app struct {
	cfg appConfig
	ctx context.Context

	mu   sync.Mutex
	docs map[string]docHost
	wg   sync.WaitGroup
}

func newApp(ctx context.Context, cfg appConfig) *app {
	return &app{cfg: cfg, ctx: ctx, docs: make(map[string]docHost)}
}

// wait blocks until every reconciler has stopped. Call after the run
// context is cancelled.
func (a *app) wait() { a.wg.Wait() }

func (a *app) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/documents", a.handleCreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents", a.handleListDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{document_id}/versions", a.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/documents/{document_id}/restore", a.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/ws/{document_id}", a.handleWebSocket)
	r.Use(a.logRequests)
	return r
}

func (a *app) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.cfg.Logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// hostFor returns the running host for a document, starting one on first
// use. With a leaser configured, the instance that wins the ownership
// claim runs the reconciler; everyone else runs a read-only follower fed
// by the relay, so no two instances ever assign versions to one document.
func (a *app) hostFor(ctx context.Context, documentID string) (docHost, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.docs[documentID]; ok {
		return h, nil
	}

	record, err := a.cfg.Store.LoadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if a.cfg.Leaser != nil {
		owned, err := a.cfg.Leaser.Claim(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if !owned {
			f := hub.NewFollower(documentID, hub.FollowerOptions{
				Loader: a.snapshotLoader(documentID),
				Relay:  a.cfg.Relay,
				Logger: a.cfg.Logger,
			})
			a.docs[documentID] = f
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				f.Run(a.ctx)
			}()
			a.cfg.Logger.Info("following document owned elsewhere", "document", documentID)
			return f, nil
		}
	}

	d := doc.New(record.ID, record.Title, "")
	if err := d.LoadSnapshot(record.Content, record.Version); err != nil {
		return nil, err
	}
	d.CreatedAt = record.CreatedAt
	d.LastModifiedAt = record.UpdatedAt

	rec := hub.New(d, hub.Options{
		History: a.cfg.History,
		Saver:   a.cfg.Store,
		Relay:   a.cfg.Relay,
		Logger:  a.cfg.Logger,
	})
	a.docs[documentID] = rec
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		rec.Run(a.ctx)
	}()
	if a.cfg.Leaser != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.keepLease(documentID)
		}()
	}
	return rec, nil
}

// snapshotLoader reads a document's persisted snapshot, for follower
// baselines and resyncs.
func (a *app) snapshotLoader(documentID string) hub.SnapshotLoader {
	return func(ctx context.Context) ([]byte, int64, error) {
		record, err := a.cfg.Store.LoadDocument(ctx, documentID)
		if err != nil {
			return nil, 0, err
		}
		return record.Content, record.Version, nil
	}
}

// keepLease refreshes the ownership claim until the app shuts down, then
// releases it so another instance can take over promptly.
func (a *app) keepLease(documentID string) {
	tick := time.NewTicker(leaseRefreshInterval)
	defer tick.Stop()
	for {
		select {
		case <-a.ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := a.cfg.Leaser.Release(releaseCtx, documentID); err != nil {
				a.cfg.Logger.Warn("lease release failed", "document", documentID, "err", err)
			}
			return
		case <-tick.C:
			if err := a.cfg.Leaser.Refresh(a.ctx, documentID); err != nil {
				a.cfg.Logger.Error("lease refresh failed", "document", documentID, "err", err)
			}
		}
	}
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type createDocumentResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version int64  `json:"version"`
}

func (a *app) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Untitled"
	}

	id := uuid.NewString()
	d := doc.New(id, req.Title, req.Content)
	snapshot, err := d.Snapshot()
	if err != nil {
		a.serverError(w, "snapshot new document", err)
		return
	}
	err = a.cfg.Store.CreateDocument(r.Context(), store.Record{
		ID:        id,
		Title:     req.Title,
		Content:   snapshot,
		Version:   1,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.LastModifiedAt,
	})
	if err != nil {
		a.serverError(w, "persist new document", err)
		return
	}
	// Version 1 is the creation itself, so restores can replay from an
	// empty document.
	err = a.cfg.History.Append(r.Context(), id, history.Version{
		Version:   1,
		Timestamp: d.CreatedAt,
		Ops:       []op.Operation{{Kind: op.Insert, Position: 0, Content: req.Content}},
	})
	if err != nil {
		a.serverError(w, "record creation version", err)
		return
	}

	a.writeJSON(w, http.StatusCreated, createDocumentResponse{ID: id, Title: req.Title, Version: 1})
}

func (a *app) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	records, err := a.cfg.Store.ListDocuments(r.Context())
	if err != nil {
		a.serverError(w, "list documents", err)
		return
	}
	type item struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Version   int64     `json:"version"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	out := make([]item, 0, len(records))
	for _, rec := range records {
		out = append(out, item{ID: rec.ID, Title: rec.Title, Version: rec.Version, UpdatedAt: rec.UpdatedAt})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *app) handleListVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]
	versions, err := a.cfg.History.List(r.Context(), documentID)
	if err != nil {
		a.serverError(w, "list versions", err)
		return
	}
	type item struct {
		Version    int64     `json:"version"`
		Timestamp  time.Time `json:"timestamp"`
		AuthorName string    `json:"authorName"`
		Changes    []string  `json:"changes"`
	}
	out := make([]item, 0, len(versions))
	for _, v := range versions {
		out = append(out, item{
			Version:    v.Version,
			Timestamp:  v.Timestamp,
			AuthorName: v.AuthorName,
			Changes:    v.Descriptions(),
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

type restoreRequest struct {
	Version int64 `json:"version"`
}

func (a *app) handleRestore(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]
	identity, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h, err := a.hostFor(r.Context(), documentID)
	if err != nil {
		a.lookupError(w, documentID, err)
		return
	}
	rec, ok := h.(*hub.Reconciler)
	if !ok {
		http.Error(w, "document is owned by another instance", http.StatusConflict)
		return
	}
	if err := rec.Restore(r.Context(), req.Version, identity.UserID, identity.DisplayName); err != nil {
		var nf *hub.RestoreTargetNotFoundError
		if errors.As(err, &nf) {
			http.Error(w, nf.Error(), http.StatusNotFound)
			return
		}
		a.serverError(w, "restore", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate verifies the name and key query parameters. On failure it
// writes the response and reports false.
func (a *app) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, err := a.cfg.Auth.Authenticate(r.Context(), r.URL.Query().Get("name"), r.URL.Query().Get("key"))
	if err != nil {
		var ua *auth.UnauthorizedError
		if errors.As(err, &ua) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return auth.Identity{}, false
		}
		a.serverError(w, "authenticate", err)
		return auth.Identity{}, false
	}
	return identity, true
}

func (a *app) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]
	identity, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	h, err := a.hostFor(r.Context(), documentID)
	if err != nil {
		a.lookupError(w, documentID, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.cfg.Logger.Warn("upgrade failed", "err", err)
		return
	}

	sessionID := uuid.NewString()
	updates, err := h.Join(r.Context(), hub.SessionInfo{
		SessionID:   sessionID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Color:       identity.Color,
	})
	if err != nil {
		a.cfg.Logger.Error("join failed", "document", documentID, "err", err)
		ws.Close()
		return
	}

	// Write pump: the channel closes when the session is evicted.
	go func() {
		for data := range updates {
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				break
			}
		}
		ws.Close()
	}()

	// Read pump.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		h.Deliver(sessionID, data)
	}
	h.Leave(sessionID)
	ws.Close()
}

func (a *app) lookupError(w http.ResponseWriter, documentID string, err error) {
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	a.serverError(w, "open document "+documentID, err)
}

func (a *app) serverError(w http.ResponseWriter, what string, err error) {
	a.cfg.Logger.Error(what, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (a *app) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.cfg.Logger.Error("encode response", "err", err)
	}
}
