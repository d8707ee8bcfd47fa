package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/quietfeed/internal/idgen"
	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/tabhost"
)

const wsWriteTimeout = 5 * time.Second

// wsIn is a frame sent by a remote tab: a message envelope to dispatch, a
// navigation report, or both.
type wsIn struct {
	Seq     int64           `json:"seq"`
	URL     string          `json:"url,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// wsOut is a frame sent to a remote tab: the reply to a frame with the same
// seq, or a push.
type wsOut struct {
	Seq      int64            `json:"seq,omitempty"`
	Response json.RawMessage  `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
	Push     *message.Request `json:"push,omitempty"`
}

// checkOrigin accepts requests without an Origin, from the server's own
// host, and from browser extensions.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension":
		return true
	}
	return u.Host == r.Host
}

// remoteTab is one connected tab.
type remoteTab struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *remoteTab) write(v wsOut) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(v)
}

// sockets tracks connected remote tabs so shutdown can close them.
type sockets struct {
	upgrader websocket.Upgrader
	newID    idgen.Generator

	mu    sync.Mutex
	conns map[string]*remoteTab
}

func newSockets() *sockets {
	return &sockets{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		newID:    idgen.Prefixed("ws-", idgen.TimeOrdered()),
		conns:    make(map[string]*remoteTab),
	}
}

func (s *sockets) add(t *remoteTab) {
	s.mu.Lock()
	s.conns[t.id] = t
	s.mu.Unlock()
}

func (s *sockets) remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *sockets) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.conns {
		t.wmu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		t.wmu.Unlock()
		t.conn.Close()
	}
}

// handleTabSocket registers the connection as a tab. The tab receives
// settings pushes and may dispatch messages like any local caller.
func (s *Server) handleTabSocket(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	conn, err := s.ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("server: websocket upgrade", "error", err)
		return
	}

	tab := &remoteTab{id: s.ws.newID(), conn: conn}
	host := s.cfg.Tabs
	pageURL := r.URL.Query().Get("url")

	host.Register(tabhost.TabInfo{ID: tab.id, URL: pageURL})
	if err := host.Attach(tab.id, func(_ context.Context, req message.Request) error {
		return tab.write(wsOut{Push: &req})
	}); err != nil {
		logger.Error("server: attach remote tab", "error", err)
		host.Remove(tab.id)
		conn.Close()
		return
	}
	s.ws.add(tab)
	logger.Info("server: remote tab connected", "tab", tab.id, "url", pageURL)

	defer func() {
		s.ws.remove(tab.id)
		host.Remove(tab.id)
		conn.Close()
		logger.Info("server: remote tab disconnected", "tab", tab.id)
	}()

	ctx := r.Context()
	if pageURL != "" && s.cfg.OnTabURL != nil {
		s.cfg.OnTabURL(ctx, pageURL)
	}

	conn.SetReadLimit(s.cfg.MaxBody)
	for {
		var in wsIn
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("server: websocket read", "tab", tab.id, "error", err)
			}
			return
		}

		if in.URL != "" {
			_ = host.Update(tab.id, in.URL)
			if s.cfg.OnTabURL != nil {
				s.cfg.OnTabURL(ctx, in.URL)
			}
		}
		if len(in.Message) == 0 {
			continue
		}

		out := wsOut{Seq: in.Seq}
		resp, err := s.cfg.Router.Dispatch(ctx, in.Message)
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Response = resp
		}
		if err := tab.write(out); err != nil {
			logger.Debug("server: websocket write", "tab", tab.id, "error", err)
			return
		}
	}
}
