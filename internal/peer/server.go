package peer

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Server accepts the companion's link on the primary.
type Server struct {
	peer           *Peer
	originPatterns []string
	logger         *slog.Logger

	// Label names the remote device for logs and Session.Remote. It
	// defaults to the remote address.
	Label func(r *http.Request) string
}

// NewServer returns an http.Handler that upgrades requests and serves them
// as p's active link. Authentication is left to middleware.
func NewServer(p *Peer, originPatterns []string) *Server {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Server{peer: p, originPatterns: originPatterns, logger: p.logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr
	if s.Label != nil {
		if label := s.Label(r); label != "" {
			remote = label
		}
	}
	s.logger.Info("peer connection request", "remote", remote, "ip", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Error("failed to accept peer websocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	if err := s.peer.Serve(r.Context(), conn, remote); err != nil {
		s.logger.Warn("peer link ended with error", "error", err, "remote", remote)
	}
}
