// Package coordinator owns the download task lifecycle: admission under a
// process-wide concurrency cap, the background fetch/merge pipeline, and the
// pull query used by the progress feeds.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/domain"
	"bili-downloader/internal/fetcher"
	"bili-downloader/internal/observability"
)

// MaxConcurrentDownloads is the process-wide admission cap. Admission is a
// strict atomic admit-or-reject: a slot is reserved before the task record
// exists and released only when the task reaches a terminal state.
const MaxConcurrentDownloads = 3

// Shown to clients when a background task fails. Full diagnostics stay in the
// server log.
const userFacingError = "download failed, please try again"

const maxTitleLength = 100

// Keeps letters, digits, underscore, spaces and hyphens; everything else is
// stripped from output file names.
var unsafeTitleChars = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)

// MetadataClient resolves a page URL into stream metadata. Each session
// supplies its own client so its cookies authorize higher quality tiers.
type MetadataClient interface {
	ResolveShortURL(ctx context.Context, rawURL string) (string, error)
	GetVideoInfo(ctx context.Context, bvid string) (*bilibili.VideoInfo, error)
	GetPlayURL(ctx context.Context, bvid string, cid int64, qn int) (*bilibili.PlayInfo, error)
}

// StreamFetcher downloads streams and drives the external merge tool.
type StreamFetcher interface {
	ToolAvailable() bool
	Fetch(ctx context.Context, url, filename string, onProgress func(fetcher.Progress)) (string, error)
	Merge(ctx context.Context, videoPath, audioPath, outputName string) (string, error)
	Cleanup(paths ...string)
}

// Coordinator holds the global task table. Each record is mutated only by its
// owning pipeline goroutine; reads take snapshots under the table lock.
type Coordinator struct {
	fetcher StreamFetcher
	slots   *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*domain.Task
}

// New creates a coordinator using the given stream fetcher.
func New(f StreamFetcher) *Coordinator {
	return &Coordinator{
		fetcher: f,
		slots:   semaphore.NewWeighted(MaxConcurrentDownloads),
		tasks:   make(map[string]*domain.Task),
	}
}

// Submit admits a download request and launches its background pipeline,
// returning the new task id immediately. Fails with ErrToolMissing when the
// merge tool is absent (no task is created) and ErrBusy when all slots are
// taken; rejected requests are not queued or remembered.
func (c *Coordinator) Submit(rawURL string, quality int, ownerToken string, client MetadataClient) (string, error) {
	if !domain.ValidQuality(quality) {
		return "", domain.ErrInvalidQuality
	}
	if !c.fetcher.ToolAvailable() {
		return "", domain.ErrToolMissing
	}
	if !c.slots.TryAcquire(1) {
		return "", domain.ErrBusy
	}

	taskID := uuid.New().String()
	task := &domain.Task{
		ID:        taskID,
		Status:    domain.StatusStarting,
		Phase:     domain.PhaseInit,
		SessionID: ownerToken,
	}

	c.mu.Lock()
	c.tasks[taskID] = task
	c.mu.Unlock()

	observability.DownloadTasksActive.Inc()

	go c.run(taskID, rawURL, quality, client)
	return taskID, nil
}

// run executes the pipeline for one task. Panics and errors are absorbed at
// this boundary and converted into the record's error state; nothing escapes
// to the submitter.
func (c *Coordinator) run(taskID, rawURL string, quality int, client MetadataClient) {
	defer c.slots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("download pipeline panic",
				slog.String("task_id", taskID),
				slog.Any("panic", r))
			c.fail(taskID)
		}
	}()

	if err := c.pipeline(context.Background(), taskID, rawURL, quality, client); err != nil {
		slog.Error("download failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		c.fail(taskID)
	}
}

func (c *Coordinator) pipeline(ctx context.Context, taskID, rawURL string, quality int, client MetadataClient) error {
	pageURL, err := client.ResolveShortURL(ctx, bilibili.ExtractURL(rawURL))
	if err != nil {
		return fmt.Errorf("resolving short link: %w", err)
	}
	bvid, err := bilibili.ExtractBvid(pageURL)
	if err != nil {
		return err
	}

	info, err := client.GetVideoInfo(ctx, bvid)
	if err != nil {
		return fmt.Errorf("fetching video info: %w", err)
	}

	name := SanitizeTitle(info.Title)
	if name == "" {
		name = bvid
	}

	play, err := client.GetPlayURL(ctx, bvid, info.Cid, quality)
	if err != nil {
		return fmt.Errorf("fetching play urls: %w", err)
	}
	video, err := SelectVideoVariant(play.Video, quality)
	if err != nil {
		return err
	}
	if len(play.Audio) == 0 {
		return fmt.Errorf("%w: no audio variants", domain.ErrNoStreams)
	}
	audio := play.Audio[0] // single-track assumption: first variant is the best

	// Transient inputs left over on a failure path are removed before the
	// task becomes observable as failed; the success path cleans them after
	// the merge.
	var transients []string
	defer func() {
		if len(transients) > 0 {
			c.fetcher.Cleanup(transients...)
		}
	}()

	c.update(taskID, func(t *domain.Task) {
		t.Status = domain.StatusDownloading
		t.Phase = domain.PhaseVideo
	})
	videoPath, err := c.fetcher.Fetch(ctx, video.BaseURL, taskID+"_video.m4s", c.progressFunc(taskID, "video"))
	if err != nil {
		return fmt.Errorf("fetching video stream: %w", err)
	}
	transients = append(transients, videoPath)

	c.update(taskID, func(t *domain.Task) {
		t.Phase = domain.PhaseAudio
	})
	audioPath, err := c.fetcher.Fetch(ctx, audio.BaseURL, taskID+"_audio.m4s", c.progressFunc(taskID, "audio"))
	if err != nil {
		return fmt.Errorf("fetching audio stream: %w", err)
	}
	transients = append(transients, audioPath)

	c.update(taskID, func(t *domain.Task) {
		t.Phase = domain.PhaseMerging
	})
	outputName := name + ".mp4"
	if _, err := c.fetcher.Merge(ctx, videoPath, audioPath, outputName); err != nil {
		return err
	}

	// Inputs are deleted before the task is observable as completed.
	c.fetcher.Cleanup(transients...)
	transients = nil

	c.update(taskID, func(t *domain.Task) {
		t.Status = domain.StatusCompleted
		t.Phase = domain.PhaseDone
		t.Filename = outputName
	})
	observability.DownloadTasksActive.Dec()
	observability.DownloadTasksTotal.WithLabelValues(string(domain.StatusCompleted)).Inc()
	slog.Info("download completed",
		slog.String("task_id", taskID),
		slog.String("filename", outputName))
	return nil
}

// progressFunc returns the per-stream progress callback. Downloaded only ever
// grows, so the recorded percent is monotonic per stream.
func (c *Coordinator) progressFunc(taskID, stream string) func(fetcher.Progress) {
	var last int64
	return func(p fetcher.Progress) {
		observability.DownloadBytesTotal.WithLabelValues(stream).Add(float64(p.Downloaded - last))
		last = p.Downloaded
		c.update(taskID, func(t *domain.Task) {
			if stream == "video" {
				t.ProgressVideo = p.Percent
			} else {
				t.ProgressAudio = p.Percent
			}
		})
	}
}

func (c *Coordinator) fail(taskID string) {
	c.update(taskID, func(t *domain.Task) {
		t.Status = domain.StatusError
		t.Error = userFacingError
	})
	observability.DownloadTasksActive.Dec()
	observability.DownloadTasksTotal.WithLabelValues(string(domain.StatusError)).Inc()
}

func (c *Coordinator) update(taskID string, mutate func(*domain.Task)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[taskID]; ok {
		mutate(t)
	}
}

// Query returns a snapshot of the task with the owning session stripped.
// A requester presenting a different session token gets ErrTaskNotFound —
// existence is never leaked across sessions. A requester presenting no token
// at all sees the record; anonymous callers are not session-scoped.
func (c *Coordinator) Query(taskID, requesterToken string) (domain.TaskView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return domain.TaskView{}, domain.ErrTaskNotFound
	}
	if requesterToken != "" && t.SessionID != requesterToken {
		return domain.TaskView{}, domain.ErrTaskNotFound
	}
	return t.View(), nil
}

// ActiveCount returns the number of tasks currently holding a slot.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if t.Status.Active() {
			n++
		}
	}
	return n
}

// SweepFinished removes task records in terminal states and returns the
// number removed. Records are only ever removed here, so an in-flight reader
// observing a vanished record sees ErrTaskNotFound rather than stale state.
func (c *Coordinator) SweepFinished() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, t := range c.tasks {
		if t.Status.Terminal() {
			delete(c.tasks, id)
			removed++
		}
	}
	return removed
}

// SanitizeTitle restricts a remote title to word, space and hyphen
// characters and truncates it to a safe length. May return empty; callers
// fall back to the stream's stable identifier.
func SanitizeTitle(title string) string {
	cleaned := unsafeTitleChars.ReplaceAllString(title, "")
	cleaned = strings.TrimSpace(cleaned)
	runes := []rune(cleaned)
	if len(runes) > maxTitleLength {
		cleaned = string(runes[:maxTitleLength])
	}
	return cleaned
}

// SelectVideoVariant picks the variant with the greatest quality code not
// exceeding the request; when every available code exceeds it, the lowest
// quality variant is returned instead.
func SelectVideoVariant(variants []bilibili.MediaVariant, requested int) (bilibili.MediaVariant, error) {
	if len(variants) == 0 {
		return bilibili.MediaVariant{}, fmt.Errorf("%w: no video variants", domain.ErrNoStreams)
	}

	sorted := make([]bilibili.MediaVariant, len(variants))
	copy(sorted, variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })

	for _, v := range sorted {
		if v.ID <= requested {
			return v, nil
		}
	}
	return sorted[len(sorted)-1], nil
}
