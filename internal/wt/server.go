// Package wt serves the relay protocol over WebTransport for native
// clients: one QUIC bidirectional stream per session carrying
// newline-delimited WebPacket JSON, with the same register/deregister
// rules as the websocket transport.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"parley/server/internal/core"
	"parley/server/internal/identity"
	"parley/server/internal/protocol"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Server is the WebTransport endpoint.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	router    *core.Router
	wt        *webtransport.Server
}

// NewServer builds a WebTransport endpoint bound to the routing core.
func NewServer(addr string, tlsConfig *tls.Config, router *core.Router) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		router:    router,
	}
}

// Run starts the HTTP/3 listener and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		uid := identity.UserID(r.URL.Query().Get("uid"))
		if uid == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		egress, err := s.router.Register(r.Context(), uid)
		if err != nil {
			if errors.Is(err, core.ErrAlreadyRegistered) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			slog.Error("register webtransport session", "user_id", uid, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Error("webtransport upgrade failed", "user_id", uid, "err", err)
			egress.Close()
			s.router.Deregister(context.Background(), uid)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.serveSession(ctx, sess, uid, egress)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.wt.Close()
	}()

	return s.wt.ListenAndServe()
}

func (s *Server) serveSession(ctx context.Context, sess *webtransport.Session, uid identity.UserID, egress *core.Egress) {
	defer sess.CloseWithError(0, "bye")
	defer egress.Close()
	defer s.router.Deregister(context.Background(), uid)

	// The client opens the stream.
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("accept stream failed", "user_id", uid, "err", err)
		return
	}
	slog.Info("webtransport session opened", "user_id", uid)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			sp, ok := egress.Next()
			if !ok {
				return
			}
			data, err := json.Marshal(protocol.MakeWebPacket(sp))
			if err != nil {
				slog.Error("encode outbound packet", "user_id", uid, "err", err)
				continue
			}
			data = append(data, '\n')
			if _, err := stream.Write(data); err != nil {
				slog.Debug("egress write failed", "user_id", uid, "err", err)
				return
			}
		}
	}()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		var wp protocol.WebPacket
		if err := json.Unmarshal(line, &wp); err != nil {
			slog.Error("unable to parse packet", "user_id", uid, "err", err)
			continue
		}
		sp := protocol.MakeServerPacket(wp, uid, protocol.Now())
		if err := s.router.Process(context.Background(), sp); err != nil {
			slog.Error("enqueue inbound packet", "user_id", uid, "err", err)
			break
		}
	}

	egress.Close()
	<-writeDone
	slog.Info("webtransport session closed", "user_id", uid)
}
