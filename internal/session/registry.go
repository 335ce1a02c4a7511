// Package session maps opaque cookie tokens to isolated per-user state:
// the session's encrypted credential store, its API client and the set of
// download tasks it owns.
package session

import (
	"log/slog"
	"sync"
	"time"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/credstore"
	"bili-downloader/internal/security"
)

// TTL is the idle lifetime of a session. Sessions idle longer than this are
// evicted together with their credential file.
const TTL = 7 * 24 * time.Hour

// Session is the server-side state scoped to one browser via its cookie
// token. The zero value is not usable; sessions are created by the Registry.
type Session struct {
	token  string
	creds  *credstore.Store
	client *bilibili.Client

	mu         sync.Mutex
	lastAccess time.Time
	tasks      map[string]struct{}
}

// Token returns the opaque session token.
func (s *Session) Token() string {
	return s.token
}

// Credentials returns the session's credential store.
func (s *Session) Credentials() *credstore.Store {
	return s.creds
}

// Client returns the API client configured with this session's cookies.
func (s *Session) Client() *bilibili.Client {
	return s.client
}

// AddTask records ownership of a download task.
func (s *Session) AddTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = struct{}{}
}

// TaskIDs returns the ids of the tasks this session owns.
func (s *Session) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Registry owns all live sessions. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	cookieDir string
	newClient func() *bilibili.Client
}

// NewRegistry creates a registry persisting credential files under cookieDir.
func NewRegistry(cookieDir string) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		cookieDir: cookieDir,
		newClient: bilibili.NewClient,
	}
}

// NewRegistryWithBases creates a registry whose session clients talk to the
// given API and passport endpoints.
func NewRegistryWithBases(cookieDir, apiBase, passportBase string) *Registry {
	r := NewRegistry(cookieDir)
	r.newClient = func() *bilibili.Client {
		return bilibili.NewClientWithBases(apiBase, passportBase)
	}
	return r
}

// Resolve returns the session for token, refreshing its last access, or
// creates a fresh one when the token is empty or unknown. New sessions
// attempt to preload a credential set from disk so a page reload after login
// still sees the cookies; load failures silently degrade to "no credentials".
func (r *Registry) Resolve(token string) (*Session, error) {
	if s, ok := r.lookup(token); ok {
		return s, nil
	}

	// Token generation and the credential preload touch disk, so the new
	// session is built without the lock and the map re-checked on insert.
	fresh, err := security.NewSessionToken()
	if err != nil {
		return nil, err
	}
	creds, err := credstore.ForSession(r.cookieDir, fresh)
	if err != nil {
		return nil, err
	}

	s := &Session{
		token:      fresh,
		creds:      creds,
		client:     r.newClient(),
		lastAccess: time.Now(),
		tasks:      make(map[string]struct{}),
	}
	if cookies, ok := creds.Load(); ok {
		s.client.SetCookies(cookies)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if token != "" {
		// A concurrent Resolve may have registered the token meanwhile;
		// the winner's session is authoritative and the spare is dropped.
		if existing, ok := r.sessions[token]; ok {
			existing.touch(time.Now())
			return existing, nil
		}
	}
	r.sessions[fresh] = s
	return s, nil
}

func (r *Registry) lookup(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok {
		s.touch(time.Now())
		return s, true
	}
	return nil, false
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle longer than the TTL, removing both the in-memory
// state and the backing credential file, and returns the number evicted.
// Safe to call concurrently with Resolve.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*Session
	for token, s := range r.sessions {
		if now.Sub(s.idleSince()) > TTL {
			expired = append(expired, s)
			delete(r.sessions, token)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if err := s.creds.Delete(); err != nil {
			slog.Warn("failed to remove expired credential file",
				slog.String("path", s.creds.Path()),
				slog.String("error", err.Error()))
		}
	}
	return len(expired)
}
