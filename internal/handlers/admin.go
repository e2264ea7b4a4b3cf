package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/remoto/termrelay/internal/logutil"
)

const maxAdminBody = 64 << 10

type killSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type killAllSessionsRequest struct {
	UserID string `json:"userId"`
}

type killResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// KillSession closes one session. The response does not reveal whether the
// session existed beyond the count.
func KillSession(w http.ResponseWriter, r *http.Request) {
	var req killSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	count := 0
	if Registry.Kill(req.SessionID) {
		count = 1
	}
	log.Printf("[admin] kill-session %s: %d closed", logutil.SanitizeForLog(req.SessionID), count)
	writeJSON(w, http.StatusOK, killResponse{Success: true, Count: count})
}

// KillAllSessions closes every session owned by a user.
func KillAllSessions(w http.ResponseWriter, r *http.Request) {
	var req killAllSessionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	count := Registry.KillUser(req.UserID)
	log.Printf("[admin] kill-all-sessions for user %s: %d closed", logutil.SanitizeForLog(req.UserID), count)
	writeJSON(w, http.StatusOK, killResponse{Success: true, Count: count})
}
