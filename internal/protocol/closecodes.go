package protocol

import "github.com/coder/websocket"

// Close codes the relay uses when it ends a connection. Clients branch on
// these values, so they must not change between releases.
const (
	CloseNormal         = websocket.StatusNormalClosure // 1000
	CloseServerShutdown = websocket.StatusGoingAway     // 1001
	CloseInternalError  = websocket.StatusInternalError // 1011
	CloseViewerTooSlow  = websocket.StatusTryAgainLater // 1013

	CloseInvalidPath websocket.StatusCode = 4000
	// CloseAuthRequired: no credential on /cli/, or no session id/token on /phone/.
	CloseAuthRequired websocket.StatusCode = 4001
	// CloseInvalidCredentials: rejected API key or CLI token on /cli/, or a
	// wrong session token on /phone/.
	CloseInvalidCredentials websocket.StatusCode = 4002
	CloseSessionNotFound    websocket.StatusCode = 4003
	CloseSessionLimit       websocket.StatusCode = 4004
	CloseSessionExpired     websocket.StatusCode = 4008
	CloseSessionKilled      websocket.StatusCode = 4009
	CloseRateLimited        websocket.StatusCode = 4029
)
