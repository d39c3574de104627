// Package server exposes HTTP handlers for the REST API, WebSocket upgrades,
// attachment downloads and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/delivery"
	"github.com/Tyrowin/gomessenger/internal/model"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

// writeError maps err to its status category. Internal causes are logged and
// never written to the response.
func writeError(w http.ResponseWriter, err error) {
	appErr := apperr.As(err)
	if appErr.Code == apperr.CodeInternal && appErr.Cause != nil {
		log.Printf("Internal error: %v", appErr.Cause)
	}
	if appErr.Code == apperr.CodeTooManyRequests && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}
	writeJSON(w, apperr.HTTPStatus(appErr.Code), errorResponse{
		Success: false,
		Error:   appErr.Message,
		Code:    string(appErr.Code),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.PayloadTooLarge(tooLarge.Limit)
		}
		return apperr.BadRequest("invalid JSON body")
	}
	return nil
}

// sessionToken reads the bearer token from Authorization or X-Session-Token.
func sessionToken(r *http.Request) string {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return strings.TrimSpace(token)
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// authenticated wraps handlers that need a session. The caller is passed in
// explicitly.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, *model.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeError(w, apperr.Unauthorized("missing session token"))
			return
		}
		u, err := s.accounts.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, u)
	}
}

// RootHandler responds with a plain text banner.
func (s *Server) RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoMessenger server is running!")
}

// HealthHandler reports service status and live connection counts.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"onlineUsers":    len(s.registry.OnlineUsers()),
		"connections":    s.hub.Count(),
		"trackedOrigins": s.limiter.Len(),
		"time":           s.now().UTC(),
	})
}

// WebSocketHandler upgrades the connection and hands the client to the hub,
// which launches its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, s.hub, s, r.RemoteAddr, clientIP(r))
	if !s.hub.Register(client) {
		log.Printf("Rejected WebSocket client from %s: server is shutting down", r.RemoteAddr)
		_ = conn.Close()
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := s.accounts.Register(r.Context(), req.Username, req.PublicKey, req.DeviceInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Success: true, User: u, SessionToken: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := s.accounts.Login(r.Context(), req.Username, req.DeviceInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, User: u, SessionToken: token})
}

// handleLogout revokes the presented session, or with ?all=true every
// session of its user. A missing token is accepted for single logout only.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		if err := s.accounts.LogoutAll(r.Context(), sessionToken(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if token := sessionToken(r); token != "" {
		if err := s.accounts.Logout(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, me *model.User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"user":          me,
		"pendingEvents": s.registry.Pending(me.ID),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, me *model.User) {
	users, err := s.accounts.ListUsers(r.Context(), me.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ *model.User) {
	u, err := s.accounts.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
}

func (s *Server) handleSetStatus(status model.Status) func(http.ResponseWriter, *http.Request, *model.User) {
	return func(w http.ResponseWriter, r *http.Request, me *model.User) {
		if err := s.accounts.SetStatus(r.Context(), me.ID, r.PathValue("id"), status); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, me *model.User) {
	chats, err := s.engine.ListChats(r.Context(), me.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chats": chats})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.BadRequest(key + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, me *model.User) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	peerID := r.URL.Query().Get("peerId")
	msgs, err := s.engine.FetchHistory(r.Context(), me.ID, peerID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, me *model.User) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.engine.Send(r.Context(), delivery.SendRequest{
		From:      me.ID,
		To:        req.RecipientID,
		Content:   req.Content,
		Type:      req.MessageType,
		Encrypted: req.Encrypted,
		FileRef:   req.FileRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, me *model.User) {
	deleted, err := s.engine.DeleteMessage(r.Context(), me.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "deleted": deleted})
}

// handleUpload stores the multipart field "file". Oversize uploads are
// refused from the part header or while reading, before anything is stored.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, me *model.User) {
	maxSize := s.files.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+maxJSONBody)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.PayloadTooLarge(maxSize))
			return
		}
		writeError(w, apperr.BadRequest("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		writeError(w, apperr.PayloadTooLarge(maxSize))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeError(w, apperr.BadRequest("failed to read upload"))
		return
	}

	rec, err := s.files.Store(r.Context(), data, header.Filename, me.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "file": newFileResponse(rec)})
}

// FileHandler serves attachment bytes by id.
func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	data, mimeType, name, err := s.files.Retrieve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing file %s: %v", r.PathValue("id"), err)
	}
}
