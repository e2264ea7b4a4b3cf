package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/remoto/termrelay/internal/config"
	"github.com/remoto/termrelay/internal/logutil"
	"github.com/remoto/termrelay/internal/middleware"
	"github.com/remoto/termrelay/internal/protocol"
	"github.com/remoto/termrelay/internal/relay"
)

// maxFrameSize bounds a single inbound websocket frame.
const maxFrameSize = 1 << 20

// TerminalWS accepts the terminal side of a session on /cli/.
//
// The credential is read from the token query parameter, the legacy apiKey
// parameter or an Authorization: Bearer header. A connection without one is
// only accepted when anonymous sessions are enabled.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	addr := middleware.ClientIP(r, config.Cfg.TrustedIPHeader)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] failed to accept terminal websocket from %s: %v", addr, err)
		return
	}
	defer conn.CloseNow()

	if Limiter != nil && !Limiter.Allow(addr) {
		log.Printf("[gateway] rate limit exceeded for %s", addr)
		conn.Close(protocol.CloseRateLimited, "Rate limit exceeded")
		return
	}

	credential := terminalCredential(r)
	owner := ""
	if credential == "" {
		if !config.Cfg.AllowAnonymous {
			conn.Close(protocol.CloseAuthRequired, "Authentication required")
			return
		}
	} else {
		userID, ok := Validator.Validate(r.Context(), credential)
		if !ok {
			log.Printf("[gateway] invalid credential %s from %s", logutil.Mask(credential), addr)
			conn.Close(protocol.CloseInvalidCredentials, "Invalid API key")
			return
		}
		owner = userID
	}

	conn.SetReadLimit(maxFrameSize)
	peer := relay.NewWSPeer(conn, config.Cfg.PeerQueueSize)

	s, err := Registry.CreateSession(peer, owner)
	if err != nil {
		if errors.Is(err, relay.ErrSessionLimit) {
			log.Printf("[gateway] session limit reached for user %s", logutil.SanitizeForLog(owner))
			peer.Close(protocol.CloseSessionLimit, "Session limit reached")
		} else {
			log.Printf("[gateway] failed to create session: %v", err)
			peer.Close(protocol.CloseInternalError, "Internal error")
		}
		<-peer.Done()
		return
	}

	serveTerminal(s.ID, conn)

	// The terminal went away: end the session for its viewers.
	Registry.CloseTerminal(s.ID)
	peer.Close(protocol.CloseNormal, "Session ended")
	<-peer.Done()
}

func serveTerminal(id string, conn *websocket.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[gateway] panic in terminal handler for session %s: %v", id, rec)
			Registry.CloseInternal(id)
		}
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		if err := Registry.RouteFromTerminal(id, data); err != nil {
			if errors.Is(err, relay.ErrSessionNotFound) || errors.Is(err, relay.ErrSessionClosed) {
				return
			}
			log.Printf("[gateway] dropped terminal frame for session %s: %s", id, frameError(err))
		}
	}
}

func terminalCredential(r *http.Request) string {
	q := r.URL.Query()
	if tok := q.Get("token"); tok != "" {
		return tok
	}
	if key := q.Get("apiKey"); key != "" {
		return key
	}
	return middleware.BearerToken(r)
}

// ViewerWS attaches a phone viewer to /phone/{sessionId}?token=<secret>.
func ViewerWS(w http.ResponseWriter, r *http.Request) {
	addr := middleware.ClientIP(r, config.Cfg.TrustedIPHeader)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] failed to accept viewer websocket from %s: %v", addr, err)
		return
	}
	defer conn.CloseNow()

	if Limiter != nil && !Limiter.Allow(addr) {
		log.Printf("[gateway] rate limit exceeded for %s", addr)
		conn.Close(protocol.CloseRateLimited, "Rate limit exceeded")
		return
	}

	id := viewerSessionID(r)
	secret := r.URL.Query().Get("token")
	if id == "" || secret == "" {
		conn.Close(protocol.CloseAuthRequired, "Authentication required")
		return
	}

	conn.SetReadLimit(maxFrameSize)
	peer := relay.NewWSPeer(conn, config.Cfg.PeerQueueSize)

	if _, err := Registry.AttachViewer(id, secret, peer); err != nil {
		switch {
		case errors.Is(err, relay.ErrInvalidSecret):
			log.Printf("[gateway] invalid viewer token for session %s from %s", logutil.SanitizeForLog(id), addr)
			peer.Close(protocol.CloseInvalidCredentials, "Invalid token")
		case errors.Is(err, relay.ErrReplayFailed):
			peer.Close(protocol.CloseViewerTooSlow, "Viewer too slow")
		default:
			log.Printf("[gateway] viewer for unknown session %s from %s", logutil.SanitizeForLog(id), addr)
			peer.Close(protocol.CloseSessionNotFound, "Session not found")
		}
		<-peer.Done()
		return
	}
	log.Printf("[gateway] viewer attached to session %s", id)

	serveViewer(id, peer, conn)

	if Registry.DetachViewer(id, peer) {
		log.Printf("[gateway] viewer detached from session %s", id)
	}
	peer.Close(protocol.CloseNormal, "")
	<-peer.Done()
}

func serveViewer(id string, peer relay.Peer, conn *websocket.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[gateway] panic in viewer handler for session %s: %v", id, rec)
			Registry.DetachViewer(id, peer)
			peer.Close(protocol.CloseInternalError, "Internal error")
		}
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		if err := Registry.RouteFromViewer(id, peer, data); err != nil {
			if errors.Is(err, relay.ErrSessionNotFound) || errors.Is(err, relay.ErrSessionClosed) || errors.Is(err, relay.ErrViewerNotAttached) {
				return
			}
			// Never log the frame itself: viewer input may carry secrets.
			log.Printf("[gateway] dropped viewer frame for session %s: %s", id, frameError(err))
		}
	}
}

func viewerSessionID(r *http.Request) string {
	if id := strings.Trim(chi.URLParam(r, "*"), "/"); id != "" {
		return id
	}
	return r.URL.Query().Get("sessionId")
}

// frameError reduces a parse error to its category.
func frameError(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		return protocol.ErrUnknownType.Error()
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.ErrMalformed.Error()
	default:
		return fmt.Sprint(err)
	}
}
