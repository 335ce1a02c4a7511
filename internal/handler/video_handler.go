package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/middleware"
	"bili-downloader/internal/observability"
)

// quality tier used when enumerating what the server offers; the server
// clamps to what the caller's credentials actually unlock.
const probeQuality = 120

// VideoHandler resolves video URLs into metadata and stream previews
type VideoHandler struct{}

// NewVideoHandler creates a new video metadata handler
func NewVideoHandler() *VideoHandler {
	return &VideoHandler{}
}

// VideoInfoRequest represents a metadata lookup request
type VideoInfoRequest struct {
	URL string `json:"url"`
}

// QualityOption is one quality tier the server offers for a video
type QualityOption struct {
	Quality     int    `json:"quality"`
	Description string `json:"description"`
}

// VideoInfoResponse represents video metadata with available qualities and
// low-bandwidth preview streams
type VideoInfoResponse struct {
	Bvid            string          `json:"bvid"`
	Title           string          `json:"title"`
	Pic             string          `json:"pic"`
	Cid             int64           `json:"cid"`
	Pages           int             `json:"pages"`
	QualityOptions  []QualityOption `json:"quality_options"`
	PreviewVideoURL string          `json:"preview_video_url,omitempty"`
	PreviewAudioURL string          `json:"preview_audio_url,omitempty"`
}

// Info resolves a video URL into metadata, quality options and preview URLs
func (h *VideoHandler) Info(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	var req VideoInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
		return
	}

	client := sess.Client()

	pageURL, err := client.ResolveShortURL(r.Context(), bilibili.ExtractURL(req.URL))
	if err != nil {
		slog.Error("short link resolution failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Failed to resolve video URL"}`, http.StatusBadGateway)
		return
	}

	bvid, err := bilibili.ExtractBvid(pageURL)
	if err != nil {
		http.Error(w, `{"error":"No video id found in URL"}`, http.StatusBadRequest)
		return
	}

	info, err := client.GetVideoInfo(r.Context(), bvid)
	if err != nil {
		observability.FromContext(r.Context()).Error("video info lookup failed",
			slog.String("bvid", bvid),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Failed to fetch video info"}`, http.StatusBadGateway)
		return
	}

	resp := VideoInfoResponse{
		Bvid:  info.Bvid,
		Title: info.Title,
		Pic:   info.Pic,
		Cid:   info.Cid,
		Pages: len(info.Pages),
	}

	play, err := client.GetPlayURL(r.Context(), info.Bvid, info.Cid, probeQuality)
	if err != nil {
		slog.Error("play url lookup failed",
			slog.String("bvid", bvid),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Failed to fetch stream info"}`, http.StatusBadGateway)
		return
	}

	for i, q := range play.AcceptQuality {
		option := QualityOption{Quality: q}
		if i < len(play.AcceptDescription) {
			option.Description = play.AcceptDescription[i]
		}
		resp.QualityOptions = append(resp.QualityOptions, option)
	}

	// Previews use the cheapest streams so the browser can show the video
	// without pulling the full-quality variant through the proxy.
	if len(play.Video) > 0 {
		lowest := play.Video[0]
		for _, v := range play.Video[1:] {
			if v.ID < lowest.ID {
				lowest = v
			}
		}
		resp.PreviewVideoURL = lowest.BaseURL
	}
	if len(play.Audio) > 0 {
		resp.PreviewAudioURL = play.Audio[0].BaseURL
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
