package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/session"
	"github.com/strandcdn/strand/lib/telemetry"
)

var slog = logger.Get("edge/server")

// OriginResolver maps a request hostname to the customer origin id serving
// it.
type OriginResolver func(host string) (originID string, ok bool)

// StaticOrigins builds a resolver from a fixed hostname -> origin id map.
func StaticOrigins(mapping map[string]string) OriginResolver {
	return func(host string) (string, bool) {
		id, ok := mapping[host]
		return id, ok
	}
}

// ServerOptions configures an edge Server.
type ServerOptions struct {
	Addr string

	// TLS is enabled when a cert cache is set; nil serves plain HTTP
	// (tests, local runs behind a terminating proxy).
	Certs *CertCache

	ReadLimit    int64         // max client message size, default 1 MiB
	WriteTimeout time.Duration // per-message write deadline, default 10s
	PingInterval time.Duration // keepalive ping cadence, default 30s
}

// Server is the client-facing listener of an edge node: cacheable HTTP
// requests go through the Fetcher, WebSocket upgrades through the
// Translator.
type Server struct {
	opts       ServerOptions
	fetcher    *Fetcher
	translator *Translator
	store      *session.Store
	admission  AdmissionController
	origins    OriginResolver
	upgrader   websocket.Upgrader
}

// NewServer wires the edge components into a listener.
func NewServer(
	opts ServerOptions,
	fetcher *Fetcher,
	translator *Translator,
	store *session.Store,
	admission AdmissionController,
	origins OriginResolver,
) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if admission == nil {
		admission = AllowAll{}
	}

	return &Server{
		opts:       opts,
		fetcher:    fetcher,
		translator: translator,
		store:      store,
		admission:  admission,
		origins:    origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is the business of the fronting layer
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/", s.handleHTTP)

	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.opts.Certs != nil {
			srv.TLSConfig = &tls.Config{GetCertificate: s.opts.Certs.GetCertificate}
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	slog.Info().Str("addr", s.opts.Addr).Bool("tls", s.opts.Certs != nil).Msg("edge server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --------------------------------------------------------------------------
// Cacheable path
// --------------------------------------------------------------------------

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	originID, ok := s.origins(r.Host)
	if !ok {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	key := cache.NormalizeKey(r.Method, r.Host, r.URL.Path, r.URL.RawQuery)
	payload, err := s.fetcher.Serve(key, originID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrUpstreamUnavailable):
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	default:
		slog.Error().Err(err).Str("key", key).Msg("fetch failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// --------------------------------------------------------------------------
// WebSocket path
// --------------------------------------------------------------------------

// wsConn adapts a gorilla websocket connection to the translator's
// ClientConn. Gorilla allows one concurrent writer, so writes serialize on
// the mutex.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admission.Admit(r.RemoteAddr) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	originID, ok := s.origins(r.Host)
	if !ok {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	resumeID := r.URL.Query().Get("session")
	authContext := r.Header.Get("Authorization")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug().Err(err).Str("client", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	raw.SetReadLimit(s.opts.ReadLimit)

	conn := &wsConn{conn: raw, writeTimeout: s.opts.WriteTimeout}

	var sess session.Session
	if resumeID != "" {
		sess, err = s.translator.HandleResume(resumeID, conn)
	} else {
		sess, err = s.translator.HandleConnect(r.Context(), r.RemoteAddr, authContext, originID, conn)
	}
	if err != nil {
		reason := "handshake failed"
		if errors.Is(err, session.ErrSessionExpired) {
			reason = "session expired"
		} else if errors.Is(err, ErrHandshakeRejected) {
			reason = "rejected by origin"
		}
		slog.Debug().Err(err).Str("client", r.RemoteAddr).Msg("websocket handshake failed")
		_ = conn.Close(reason)
		return
	}

	s.servePumps(sess.ID, conn)
}

// servePumps runs the read loop and the keepalive ticker for one client
// connection. Returns when the client goes away.
func (s *Server) servePumps(sessionID string, conn *wsConn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, payload, err := conn.conn.ReadMessage()
		if err != nil {
			reason := "client disconnected"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = "client closed"
			}
			s.translator.HandleClientDisconnect(context.Background(), sessionID, reason)
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}
		s.translator.HandleClientMessage(context.Background(), sessionID, payload)
	}
}
