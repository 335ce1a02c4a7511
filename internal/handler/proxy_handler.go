package handler

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/observability"
)

// proxyChunkSize is the copy buffer used when relaying stream bodies.
const proxyChunkSize = 256 * 1024

// allowedStreamHosts are the CDN domains preview streams may be fetched
// from, matched exactly or as a parent of the request host.
var allowedStreamHosts = []string{
	"bilivideo.com",
	"bilivideo.cn",
	"akamaized.net",
	"hdslb.com",
}

// ProxyHandler relays CDN stream requests that the browser cannot make
// directly because the CDN requires the site referer.
type ProxyHandler struct {
	client *http.Client
}

// NewProxyHandler creates a new stream proxy handler. The client bounds
// connection setup and response headers but not the body read: a relayed
// stream lives as long as the viewer keeps watching.
func NewProxyHandler() *ProxyHandler {
	return &ProxyHandler{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 2 * time.Minute,
				IdleConnTimeout:       90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects could escape the allow-list, so they are
				// surfaced to the caller instead of followed.
				return http.ErrUseLastResponse
			},
		},
	}
}

func hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range allowedStreamHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Stream relays one CDN request, forwarding the Range header both ways so
// the browser can seek.
func (h *ProxyHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		observability.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
		return
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || !hostAllowed(parsed.Hostname()) {
		observability.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		http.Error(w, `{"error":"URL not allowed"}`, http.StatusBadRequest)
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rawURL, nil)
	if err != nil {
		observability.ProxyRequestsTotal.WithLabelValues("denied").Inc()
		http.Error(w, `{"error":"URL not allowed"}`, http.StatusBadRequest)
		return
	}
	upstream.Header.Set("User-Agent", bilibili.UserAgent)
	upstream.Header.Set("Referer", bilibili.Referer)
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		upstream.Header.Set("Range", rangeHeader)
	}

	resp, err := h.client.Do(upstream)
	if err != nil {
		observability.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
		slog.Error("proxy upstream request failed",
			slog.String("host", parsed.Hostname()),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Upstream request failed"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		observability.ProxyRequestsTotal.WithLabelValues("redirect").Inc()
		http.Error(w, `{"error":"Upstream redirect refused"}`, http.StatusBadRequest)
		return
	}

	for _, header := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	if w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, proxyChunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		// Client disconnects mid-stream are routine for video seeking.
		slog.Debug("proxy stream interrupted", slog.String("error", err.Error()))
	}
	observability.ProxyRequestsTotal.WithLabelValues("ok").Inc()
}
