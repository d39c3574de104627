// Package server defines the JSON request and response bodies of the HTTP
// API, and utility helpers that are reused across client and hub logic.
package server

import (
	"strings"
	"time"

	"github.com/Tyrowin/gomessenger/internal/model"
)

type registerRequest struct {
	Username   string `json:"username"`
	PublicKey  string `json:"publicKey"`
	DeviceInfo string `json:"deviceInfo"`
}

type loginRequest struct {
	Username   string `json:"username"`
	DeviceInfo string `json:"deviceInfo"`
}

type sendMessageRequest struct {
	RecipientID string            `json:"recipientId"`
	Content     string            `json:"content"`
	MessageType model.MessageType `json:"messageType"`
	Encrypted   bool              `json:"encrypted"`
	FileRef     *model.FileRef    `json:"fileRef"`
}

type sessionResponse struct {
	Success      bool        `json:"success"`
	User         *model.User `json:"user"`
	SessionToken string      `json:"sessionToken"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// fileResponse is the public view of an attachment; the stored name stays
// private to the server.
type fileResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func newFileResponse(f *model.FileRecord) fileResponse {
	return fileResponse{
		ID:        f.ID,
		URL:       f.URL(),
		Filename:  f.OriginalName,
		MimeType:  f.MimeType,
		Size:      f.Size,
		CreatedAt: f.CreatedAt,
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
