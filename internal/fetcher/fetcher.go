// Package fetcher downloads single remote byte streams to local storage and
// merges an audio+video pair with an external ffmpeg process. It enforces a
// hard size cap and guarantees that a failed fetch leaves no partial file.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"bili-downloader/internal/bilibili"
	"bili-downloader/internal/domain"
)

const (
	chunkSize   = 256 * 1024
	maxFileSize = 5 << 30 // 5 GiB hard cap, declared or actual

	// Completed outputs are kept for this long before the janitor removes them.
	outputRetention = time.Hour
)

// Progress is one progress sample during a stream fetch. Percent is only
// meaningful once the response declared a total length.
type Progress struct {
	Downloaded int64
	Total      int64
	Percent    float64
}

// Fetcher owns the download directory and the external merge tool.
type Fetcher struct {
	downloadDir string
	ffmpegPath  string
	client      *http.Client
}

// New creates a fetcher rooted at downloadDir, creating it if necessary.
// ffmpegPath may be empty to use "ffmpeg" from PATH.
func New(downloadDir, ffmpegPath string) (*Fetcher, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Fetcher{
		downloadDir: downloadDir,
		ffmpegPath:  ffmpegPath,
		client:      newStreamClient(),
	}, nil
}

// newStreamClient builds a client for long body transfers: connection setup
// and response headers are bounded, but the body read is not. A total request
// deadline would abort any transfer outliving it even while bytes flow; the
// size cap bounds the transfer instead.
func newStreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// DownloadDir returns the output directory.
func (f *Fetcher) DownloadDir() string {
	return f.downloadDir
}

// ToolAvailable reports whether the external merge tool can be invoked.
func (f *Fetcher) ToolAvailable() bool {
	_, err := exec.LookPath(f.ffmpegPath)
	return err == nil
}

// ResolvePath resolves name against the download directory and rejects any
// name whose resolved path escapes it.
func (f *Fetcher) ResolvePath(name string) (string, error) {
	dir, err := filepath.Abs(f.downloadDir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if resolved != dir && !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", domain.ErrPathEscape
	}
	if resolved == dir {
		return "", domain.ErrPathEscape
	}
	return resolved, nil
}

// Fetch streams the response body for url into filename under the download
// directory, reading in fixed-size chunks and reporting progress after each
// chunk once the total size is known. If the declared or actual size exceeds
// the cap, the partial file is removed and ErrSizeExceeded returned. On any
// failure no file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, url, filename string, onProgress func(Progress)) (string, error) {
	dest, err := f.ResolvePath(filename)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", bilibili.UserAgent)
	req.Header.Set("Referer", bilibili.Referer)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total > maxFileSize {
		return "", domain.ErrSizeExceeded
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}

	var downloaded int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(dest)
				return "", writeErr
			}
			downloaded += int64(n)
			if downloaded > maxFileSize {
				out.Close()
				os.Remove(dest)
				return "", domain.ErrSizeExceeded
			}
			if onProgress != nil && total > 0 {
				onProgress(Progress{
					Downloaded: downloaded,
					Total:      total,
					Percent:    math.Round(float64(downloaded)/float64(total)*1000) / 10,
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(dest)
			return "", readErr
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// Merge invokes the external merge tool as a stream copy (no re-encoding)
// over the two inputs. outputName is resolved against the download directory
// and rejected if it escapes it. A non-zero exit is ErrMergeFailed carrying
// the tool's diagnostic text; callers must keep that text server-side.
func (f *Fetcher) Merge(ctx context.Context, videoPath, audioPath, outputName string) (string, error) {
	outputPath, err := f.ResolvePath(outputName)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrMergeFailed, strings.TrimSpace(stderr.String()))
	}
	return outputPath, nil
}

// Cleanup deletes transient files, ignoring missing ones.
func (f *Fetcher) Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove transient file",
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
	}
}

// SweepExpired removes on-disk outputs whose modification time is older than
// the retention window. One failing file does not stop the sweep.
func (f *Fetcher) SweepExpired(now time.Time) (int, error) {
	entries, err := os.ReadDir(f.downloadDir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= outputRetention {
			continue
		}
		path := filepath.Join(f.downloadDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove expired file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		removed++
		slog.Info("removed expired file", slog.String("name", entry.Name()))
	}
	return removed, nil
}
