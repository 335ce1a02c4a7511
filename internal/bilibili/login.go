package bilibili

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"bili-downloader/internal/domain"
)

// QR poll status codes returned by the passport API.
const (
	qrCodeSuccess = 0
	qrCodeWaiting = 86101
	qrCodeScanned = 86090
	qrCodeExpired = 86038
)

// QRLoginStatus is the client-facing scan state.
type QRLoginStatus string

const (
	QRStatusWaiting QRLoginStatus = "waiting"
	QRStatusScanned QRLoginStatus = "scanned"
	QRStatusSuccess QRLoginStatus = "success"
	QRStatusExpired QRLoginStatus = "expired"
	QRStatusUnknown QRLoginStatus = "unknown"
)

// QRLogin is a freshly generated login QR code. QRImageBase64 is a PNG
// rendering of the login URL, base64 encoded for direct embedding in JSON.
type QRLogin struct {
	QRCodeKey     string `json:"qrcode_key"`
	QRImageBase64 string `json:"qr_image_base64"`
}

// QRPollResult is one poll of the scan state. Cookies is non-nil only on
// success.
type QRPollResult struct {
	Status  QRLoginStatus `json:"status"`
	Message string        `json:"message"`
	Cookies domain.CredentialSet
}

// GenerateQRLogin requests a new login QR code and renders it as a PNG.
func (c *Client) GenerateQRLogin(ctx context.Context) (*QRLogin, error) {
	env, _, err := c.get(ctx, c.passportBase+"/x/passport-login/web/qrcode/generate", nil)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("qr generate error %d: %s", env.Code, env.Message)
	}

	var payload struct {
		URL       string `json:"url"`
		QRCodeKey string `json:"qrcode_key"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding qr payload: %w", err)
	}

	png, err := qrcode.Encode(payload.URL, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("rendering qr image: %w", err)
	}

	return &QRLogin{
		QRCodeKey:     payload.QRCodeKey,
		QRImageBase64: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// PollQRLogin checks the scan state for a QR key. On success the login
// cookies are extracted from both the redirect URL and the Set-Cookie
// response headers.
func (c *Client) PollQRLogin(ctx context.Context, qrcodeKey string) (*QRPollResult, error) {
	params := url.Values{"qrcode_key": {qrcodeKey}}
	env, resp, err := c.get(ctx, c.passportBase+"/x/passport-login/web/qrcode/poll", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		URL     string `json:"url"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding qr poll payload: %w", err)
	}

	switch payload.Code {
	case qrCodeSuccess:
		cookies := extractCookiesFromURL(payload.URL)
		for _, header := range resp.Header.Values("Set-Cookie") {
			parseSetCookie(header, cookies)
		}
		return &QRPollResult{Status: QRStatusSuccess, Message: payload.Message, Cookies: cookies}, nil
	case qrCodeWaiting:
		return &QRPollResult{Status: QRStatusWaiting, Message: payload.Message}, nil
	case qrCodeScanned:
		return &QRPollResult{Status: QRStatusScanned, Message: payload.Message}, nil
	case qrCodeExpired:
		return &QRPollResult{Status: QRStatusExpired, Message: payload.Message}, nil
	default:
		return &QRPollResult{Status: QRStatusUnknown, Message: payload.Message}, nil
	}
}

// extractCookiesFromURL pulls the known cookie names out of the confirmation
// URL's query string.
func extractCookiesFromURL(rawURL string) domain.CredentialSet {
	cookies := make(domain.CredentialSet)
	if rawURL == "" {
		return cookies
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return cookies
	}
	query := parsed.Query()
	for _, name := range domain.CookieNames {
		if value := query.Get(name); value != "" {
			cookies[name] = value
		}
	}
	return cookies
}

// parseSetCookie takes the name=value pair of a Set-Cookie header if it is
// one of the known cookie names.
func parseSetCookie(header string, cookies domain.CredentialSet) {
	pair, _, _ := strings.Cut(header, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
	if !ok {
		return
	}
	for _, known := range domain.CookieNames {
		if name == known {
			cookies[name] = value
			return
		}
	}
}
