// Package bilibili is a thin client for the remote video-platform HTTP API:
// metadata and playback-URL retrieval, short-link resolution and the QR-code
// login flow. It carries no task state; all coordination lives elsewhere.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"bili-downloader/internal/domain"
)

const (
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	Referer   = "https://www.bilibili.com"

	defaultAPIBase      = "https://api.bilibili.com"
	defaultPassportBase = "https://passport.bilibili.com"
	shortLinkHost       = "b23.tv"

	qrImageSize = 256
)

var (
	bvidPattern = regexp.MustCompile(`BV[A-Za-z0-9]{10}`)
	urlPattern  = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// ExtractBvid finds the BV identifier in a URL or free-form string.
func ExtractBvid(s string) (string, error) {
	match := bvidPattern.FindString(s)
	if match == "" {
		return "", fmt.Errorf("%w: no BV id in %q", domain.ErrInvalidURL, s)
	}
	return match, nil
}

// ExtractURL pulls the first URL out of free-form text (users often paste a
// share blurb around the link). Returns the input unchanged if no URL is found.
func ExtractURL(s string) string {
	if match := urlPattern.FindString(s); match != "" {
		return match
	}
	return s
}

// Client calls the platform API. A client is bound to one session and carries
// that session's cookies on every request.
type Client struct {
	httpClient   *http.Client
	apiBase      string
	passportBase string

	mu      sync.RWMutex
	cookies domain.CredentialSet
}

// NewClient creates a client against the production API hosts.
func NewClient() *Client {
	return NewClientWithBases(defaultAPIBase, defaultPassportBase)
}

// NewClientWithBases creates a client against explicit API hosts. Tests point
// this at local httptest servers.
func NewClientWithBases(apiBase, passportBase string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiBase:      apiBase,
		passportBase: passportBase,
	}
}

// SetCookies replaces the cookies attached to subsequent requests.
func (c *Client) SetCookies(cookies domain.CredentialSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = cookies
}

// Cookies returns a copy of the cookies currently attached to requests.
func (c *Client) Cookies() domain.CredentialSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(domain.CredentialSet, len(c.cookies))
	for k, v := range c.cookies {
		out[k] = v
	}
	return out
}

// apiEnvelope is the standard response wrapper: code 0 means success.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, rawURL string, params url.Values) (*apiEnvelope, *http.Response, error) {
	if params != nil {
		rawURL = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Referer", Referer)

	c.mu.RLock()
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decoding api response: %w", err)
	}
	return &env, resp, nil
}

// Page is one part of a multi-part video.
type Page struct {
	Cid  int64  `json:"cid"`
	Page int    `json:"page"`
	Part string `json:"part"`
}

// VideoInfo is the metadata for one video page.
type VideoInfo struct {
	Bvid  string `json:"bvid"`
	Title string `json:"title"`
	Pic   string `json:"pic"`
	Cid   int64  `json:"cid"`
	Pages []Page `json:"pages"`
}

// GetVideoInfo retrieves video metadata for a BV id.
func (c *Client) GetVideoInfo(ctx context.Context, bvid string) (*VideoInfo, error) {
	params := url.Values{"bvid": {bvid}}
	env, _, err := c.get(ctx, c.apiBase+"/x/web-interface/view", params)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("api error %d: %s", env.Code, env.Message)
	}

	var info VideoInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("decoding video info: %w", err)
	}
	return &info, nil
}

// MediaVariant is one selectable stream in a DASH-style playback description.
// ID is the quality code for video variants.
type MediaVariant struct {
	ID      int    `json:"id"`
	BaseURL string `json:"baseUrl"`
}

// PlayInfo holds the separate video and audio stream lists requiring a
// client-side merge, plus the quality tiers the server offers.
type PlayInfo struct {
	Video             []MediaVariant
	Audio             []MediaVariant
	AcceptQuality     []int
	AcceptDescription []string
}

// GetPlayURL retrieves DASH playback URLs for a video part at the requested
// quality. Higher tiers require login cookies; without them the server
// silently degrades the offered variants.
func (c *Client) GetPlayURL(ctx context.Context, bvid string, cid int64, qn int) (*PlayInfo, error) {
	params := url.Values{
		"bvid":  {bvid},
		"cid":   {strconv.FormatInt(cid, 10)},
		"qn":    {strconv.Itoa(qn)},
		"fnval": {"16"}, // DASH format
		"fourk": {"1"},
	}
	env, _, err := c.get(ctx, c.apiBase+"/x/player/playurl", params)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("api error %d: %s", env.Code, env.Message)
	}

	var payload struct {
		AcceptQuality     []int    `json:"accept_quality"`
		AcceptDescription []string `json:"accept_description"`
		Dash              struct {
			Video []MediaVariant `json:"video"`
			Audio []MediaVariant `json:"audio"`
		} `json:"dash"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding play url: %w", err)
	}

	return &PlayInfo{
		Video:             payload.Dash.Video,
		Audio:             payload.Dash.Audio,
		AcceptQuality:     payload.AcceptQuality,
		AcceptDescription: payload.AcceptDescription,
	}, nil
}

// ResolveShortURL follows a b23.tv share link to its destination without
// fetching the destination itself. Non-short-link URLs pass through unchanged.
func (c *Client) ResolveShortURL(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, nil
	}
	host := parsed.Hostname()
	if host != shortLinkHost && !strings.HasSuffix(host, "."+shortLinkHost) {
		return rawURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", UserAgent)

	noRedirect := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if location := resp.Header.Get("Location"); location != "" {
		return location, nil
	}
	return rawURL, nil
}
