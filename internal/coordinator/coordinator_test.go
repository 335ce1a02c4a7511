package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/domain"
	"bili-downloader/internal/fetcher"
)

// mockClient implements MetadataClient for testing
type mockClient struct {
	resolveShortURLFunc func(ctx context.Context, rawURL string) (string, error)
	getVideoInfoFunc    func(ctx context.Context, bvid string) (*bilibili.VideoInfo, error)
	getPlayURLFunc      func(ctx context.Context, bvid string, cid int64, qn int) (*bilibili.PlayInfo, error)
}

func (m *mockClient) ResolveShortURL(ctx context.Context, rawURL string) (string, error) {
	if m.resolveShortURLFunc != nil {
		return m.resolveShortURLFunc(ctx, rawURL)
	}
	return rawURL, nil
}

func (m *mockClient) GetVideoInfo(ctx context.Context, bvid string) (*bilibili.VideoInfo, error) {
	if m.getVideoInfoFunc != nil {
		return m.getVideoInfoFunc(ctx, bvid)
	}
	return &bilibili.VideoInfo{Bvid: bvid, Title: "Test Video", Cid: 100}, nil
}

func (m *mockClient) GetPlayURL(ctx context.Context, bvid string, cid int64, qn int) (*bilibili.PlayInfo, error) {
	if m.getPlayURLFunc != nil {
		return m.getPlayURLFunc(ctx, bvid, cid, qn)
	}
	return &bilibili.PlayInfo{
		Video: []bilibili.MediaVariant{
			{ID: 80, BaseURL: "https://cdn.example/v80"},
			{ID: 32, BaseURL: "https://cdn.example/v32"},
		},
		Audio: []bilibili.MediaVariant{{ID: 30280, BaseURL: "https://cdn.example/a"}},
	}, nil
}

// mockFetcher implements StreamFetcher for testing
type mockFetcher struct {
	mu            sync.Mutex
	toolAvailable bool
	fetchFunc     func(ctx context.Context, url, filename string, onProgress func(fetcher.Progress)) (string, error)
	mergeFunc     func(ctx context.Context, videoPath, audioPath, outputName string) (string, error)
	cleaned       []string
	fetched       []string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{toolAvailable: true}
}

func (m *mockFetcher) ToolAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolAvailable
}

func (m *mockFetcher) Fetch(ctx context.Context, url, filename string, onProgress func(fetcher.Progress)) (string, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, url)
	m.mu.Unlock()
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, url, filename, onProgress)
	}
	if onProgress != nil {
		onProgress(fetcher.Progress{Downloaded: 50, Total: 100, Percent: 50})
		onProgress(fetcher.Progress{Downloaded: 100, Total: 100, Percent: 100})
	}
	return "/tmp/" + filename, nil
}

func (m *mockFetcher) Merge(ctx context.Context, videoPath, audioPath, outputName string) (string, error) {
	if m.mergeFunc != nil {
		return m.mergeFunc(ctx, videoPath, audioPath, outputName)
	}
	return "/tmp/" + outputName, nil
}

func (m *mockFetcher) Cleanup(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned = append(m.cleaned, paths...)
}

func (m *mockFetcher) cleanedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cleaned...)
}

func (m *mockFetcher) fetchedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

// waitForTerminal polls the task until it reaches a terminal state.
func waitForTerminal(t *testing.T, c *Coordinator, taskID, token string) domain.TaskView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := c.Query(taskID, token)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return domain.TaskView{}
}

func TestCoordinator_Submit_ToolMissing(t *testing.T) {
	f := newMockFetcher()
	f.toolAvailable = false
	c := New(f)

	_, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
	if !errors.Is(err, domain.ErrToolMissing) {
		t.Fatalf("expected ErrToolMissing, got %v", err)
	}
	if c.ActiveCount() != 0 {
		t.Error("expected no task created when tool is missing")
	}
}

func TestCoordinator_Submit_InvalidQuality(t *testing.T) {
	c := New(newMockFetcher())

	for _, qn := range []int{0, 1, 70, 9999, -80} {
		if _, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", qn, "sess-a", &mockClient{}); !errors.Is(err, domain.ErrInvalidQuality) {
			t.Errorf("quality %d: expected ErrInvalidQuality, got %v", qn, err)
		}
	}
}

func TestCoordinator_Admission_CapAndRelease(t *testing.T) {
	release := make(chan struct{})
	f := newMockFetcher()
	f.fetchFunc = func(ctx context.Context, url, filename string, onProgress func(fetcher.Progress)) (string, error) {
		<-release
		return "/tmp/" + filename, nil
	}
	c := New(f)

	ids := make([]string, 0, MaxConcurrentDownloads)
	for i := 0; i < MaxConcurrentDownloads; i++ {
		id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}

	// Fourth submission while three slots are held
	if _, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{}); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy for 4th submission, got %v", err)
	}

	// Let the pipelines finish; completing frees slots for the next submission
	close(release)
	for _, id := range ids {
		waitForTerminal(t, c, id, "sess-a")
	}

	if _, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{}); err != nil {
		t.Fatalf("expected submission to succeed after slots freed, got %v", err)
	}
}

func TestCoordinator_Pipeline_Success(t *testing.T) {
	f := newMockFetcher()
	c := New(f)

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	view := waitForTerminal(t, c, id, "sess-a")
	if view.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (error %q)", view.Status, view.Error)
	}
	if view.Phase != domain.PhaseDone {
		t.Errorf("expected phase done, got %s", view.Phase)
	}
	if view.Filename != "Test Video.mp4" {
		t.Errorf("expected filename from sanitized title, got %q", view.Filename)
	}
	if view.ProgressVideo != 100 || view.ProgressAudio != 100 {
		t.Errorf("expected both streams at 100%%, got %v/%v", view.ProgressVideo, view.ProgressAudio)
	}

	// Video fetch strictly precedes audio fetch
	fetched := f.fetchedURLs()
	if len(fetched) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(fetched))
	}
	if fetched[0] != "https://cdn.example/v80" || fetched[1] != "https://cdn.example/a" {
		t.Errorf("unexpected fetch order: %v", fetched)
	}

	// Transient inputs are deleted after the merge
	cleaned := f.cleanedPaths()
	if len(cleaned) != 2 {
		t.Errorf("expected 2 transient files cleaned, got %v", cleaned)
	}
}

func TestCoordinator_Pipeline_MergeFailure(t *testing.T) {
	f := newMockFetcher()
	f.mergeFunc = func(ctx context.Context, videoPath, audioPath, outputName string) (string, error) {
		return "", domain.ErrMergeFailed
	}
	c := New(f)

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	view := waitForTerminal(t, c, id, "sess-a")
	if view.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", view.Status)
	}
	if view.Error != userFacingError {
		t.Errorf("expected generic user-facing message, got %q", view.Error)
	}
	if view.Filename != "" {
		t.Errorf("expected no filename on failure, got %q", view.Filename)
	}

	// The two transient inputs must not be left on disk
	cleaned := f.cleanedPaths()
	if len(cleaned) != 2 {
		t.Errorf("expected both transient inputs cleaned after merge failure, got %v", cleaned)
	}
}

func TestCoordinator_Pipeline_MetadataFailure(t *testing.T) {
	client := &mockClient{
		getVideoInfoFunc: func(ctx context.Context, bvid string) (*bilibili.VideoInfo, error) {
			return nil, errors.New("upstream api exploded with internal details")
		},
	}
	c := New(newMockFetcher())

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", client)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	view := waitForTerminal(t, c, id, "sess-a")
	if view.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", view.Status)
	}
	// Internal exception text never leaks to the client
	if view.Error != userFacingError {
		t.Errorf("expected generic message, got %q", view.Error)
	}
}

func TestCoordinator_Pipeline_PanicConverted(t *testing.T) {
	client := &mockClient{
		getPlayURLFunc: func(ctx context.Context, bvid string, cid int64, qn int) (*bilibili.PlayInfo, error) {
			panic("metadata decoder blew up")
		},
	}
	c := New(newMockFetcher())

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", client)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	view := waitForTerminal(t, c, id, "sess-a")
	if view.Status != domain.StatusError {
		t.Fatalf("expected panic converted to error state, got %s", view.Status)
	}
	if view.Error != userFacingError {
		t.Errorf("expected generic message, got %q", view.Error)
	}

	// The slot must have been released despite the panic
	if _, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{}); err != nil {
		t.Errorf("expected slot released after panic, submit failed: %v", err)
	}
}

func TestCoordinator_Pipeline_TitleFallbackToBvid(t *testing.T) {
	client := &mockClient{
		getVideoInfoFunc: func(ctx context.Context, bvid string) (*bilibili.VideoInfo, error) {
			return &bilibili.VideoInfo{Bvid: bvid, Title: "!!!???///", Cid: 100}, nil
		},
	}
	c := New(newMockFetcher())

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", client)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	view := waitForTerminal(t, c, id, "sess-a")
	if view.Filename != "BV1xx411c7mD.mp4" {
		t.Errorf("expected bvid fallback filename, got %q", view.Filename)
	}
}

func TestCoordinator_Query_SessionIsolation(t *testing.T) {
	f := newMockFetcher()
	c := New(f)

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "session-a", &mockClient{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Owner sees the task
	if _, err := c.Query(id, "session-a"); err != nil {
		t.Errorf("expected owner to see task, got %v", err)
	}

	// A different session gets NotFound, indistinguishable from absence
	if _, err := c.Query(id, "session-b"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for foreign session, got %v", err)
	}

	// A caller with no token at all still sees the record
	if _, err := c.Query(id, ""); err != nil {
		t.Errorf("expected anonymous caller to see task, got %v", err)
	}

	// Unknown id is NotFound regardless of token
	if _, err := c.Query("no-such-task", "session-a"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown id, got %v", err)
	}
}

func TestCoordinator_SweepFinished(t *testing.T) {
	f := newMockFetcher()
	c := New(f)

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForTerminal(t, c, id, "sess-a")

	if removed := c.SweepFinished(); removed != 1 {
		t.Errorf("expected 1 record removed, got %d", removed)
	}
	if _, err := c.Query(id, "sess-a"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected swept record to be NotFound, got %v", err)
	}

	// Second sweep with no new terminal state removes nothing
	if removed := c.SweepFinished(); removed != 0 {
		t.Errorf("expected idempotent second sweep, removed %d", removed)
	}
}

func TestCoordinator_SweepFinished_KeepsActive(t *testing.T) {
	release := make(chan struct{})
	f := newMockFetcher()
	f.fetchFunc = func(ctx context.Context, url, filename string, onProgress func(fetcher.Progress)) (string, error) {
		<-release
		return "/tmp/" + filename, nil
	}
	c := New(f)

	id, err := c.Submit("https://www.bilibili.com/video/BV1xx411c7mD", 80, "sess-a", &mockClient{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if removed := c.SweepFinished(); removed != 0 {
		t.Errorf("expected active task kept, removed %d", removed)
	}
	if _, err := c.Query(id, "sess-a"); err != nil {
		t.Errorf("expected active task still queryable, got %v", err)
	}

	close(release)
	waitForTerminal(t, c, id, "sess-a")
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "path separators and punctuation stripped",
			input: "../evil:name?.mp4",
			want:  "evilnamemp4",
		},
		{
			name:  "spaces and hyphens kept",
			input: "My Video - Part 1",
			want:  "My Video - Part 1",
		},
		{
			name:  "unicode letters kept",
			input: "日本語のタイトル【公式】",
			want:  "日本語のタイトル公式",
		},
		{
			name:  "only punctuation collapses to empty",
			input: "!!!???",
			want:  "",
		},
		{
			name:  "long title truncated to 100 runes",
			input: longString(150),
			want:  longString(100),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTitle(tt.input); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func longString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestSelectVideoVariant(t *testing.T) {
	available := []bilibili.MediaVariant{
		{ID: 120, BaseURL: "v120"},
		{ID: 80, BaseURL: "v80"},
		{ID: 64, BaseURL: "v64"},
		{ID: 32, BaseURL: "v32"},
		{ID: 16, BaseURL: "v16"},
	}

	tests := []struct {
		name      string
		requested int
		wantID    int
	}{
		{name: "exact match", requested: 80, wantID: 80},
		{name: "rounds down to next available", requested: 70, wantID: 64},
		{name: "below all falls back to lowest", requested: 10, wantID: 16},
		{name: "above all picks highest", requested: 999, wantID: 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectVideoVariant(available, tt.requested)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tt.wantID {
				t.Errorf("requested %d: expected variant %d, got %d", tt.requested, tt.wantID, got.ID)
			}
		})
	}

	t.Run("empty variant list", func(t *testing.T) {
		if _, err := SelectVideoVariant(nil, 80); !errors.Is(err, domain.ErrNoStreams) {
			t.Fatalf("expected ErrNoStreams, got %v", err)
		}
	})

	t.Run("unsorted input", func(t *testing.T) {
		shuffled := []bilibili.MediaVariant{
			{ID: 16, BaseURL: "v16"},
			{ID: 120, BaseURL: "v120"},
			{ID: 64, BaseURL: "v64"},
		}
		got, err := SelectVideoVariant(shuffled, 80)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ID != 64 {
			t.Errorf("expected 64, got %d", got.ID)
		}
	})
}
