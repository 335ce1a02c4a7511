package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/middleware"
)

// AuthHandler handles QR-code login endpoints. All login state lives in the
// caller's session: the QR code is generated and polled through the session's
// own upstream client, and credentials land in the session's encrypted store.
type AuthHandler struct{}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// QRGenerateResponse represents a freshly issued login QR code
type QRGenerateResponse struct {
	QRCodeKey   string `json:"qrcode_key"`
	QRCodeImage string `json:"qrcode_image"`
}

// QRPollResponse represents the scan state of a pending login
type QRPollResponse struct {
	Status  bilibili.QRLoginStatus `json:"status"`
	Message string                 `json:"message,omitempty"`
}

// GenerateQR issues a new login QR code for the caller's session
func (h *AuthHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	qr, err := sess.Client().GenerateQRLogin(r.Context())
	if err != nil {
		slog.Error("qr generate failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Failed to generate QR code"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QRGenerateResponse{
		QRCodeKey:   qr.QRCodeKey,
		QRCodeImage: qr.QRImageBase64,
	})
}

// PollQR reports the scan state of a pending login. On success the returned
// cookies are persisted to the session's credential store and applied to the
// session client, so subsequent metadata requests are authenticated.
func (h *AuthHandler) PollQR(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	qrcodeKey := r.URL.Query().Get("qrcode_key")
	if qrcodeKey == "" {
		http.Error(w, `{"error":"qrcode_key is required"}`, http.StatusBadRequest)
		return
	}

	result, err := sess.Client().PollQRLogin(r.Context(), qrcodeKey)
	if err != nil {
		slog.Error("qr poll failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Failed to poll login status"}`, http.StatusBadGateway)
		return
	}

	if result.Status == bilibili.QRStatusSuccess && len(result.Cookies) > 0 {
		if err := sess.Credentials().Save(result.Cookies); err != nil {
			slog.Error("failed to persist login cookies", slog.String("error", err.Error()))
			http.Error(w, `{"error":"Failed to store credentials"}`, http.StatusInternalServerError)
			return
		}
		sess.Client().SetCookies(result.Cookies)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QRPollResponse{
		Status:  result.Status,
		Message: result.Message,
	})
}

// Status reports whether the caller's session holds login credentials
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{
		"logged_in": sess.Credentials().IsAuthenticated(),
	})
}
