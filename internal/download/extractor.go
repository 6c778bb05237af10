package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

const defaultBufferSize = 8192

// Progress is a snapshot of a running transfer. Total is -1 while the
// length is unknown.
type Progress struct {
	Name   string `json:"name,omitempty"`
	Total  int64  `json:"total"`
	Loaded int64  `json:"loaded"`
	Speed  int64  `json:"speed"`
}

// Resource is a fully downloaded file.
type Resource struct {
	Path string
	Name string
	Size int64
}

// Extractor streams a response body to a local file.
type Extractor struct {
	savePath     string
	fallbackName string
	bufferSize   int
	interval     time.Duration
	onProgress   func(Progress)
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	progress Progress
}

// NewExtractor creates an extractor writing to savePath.
func NewExtractor(savePath, fallbackName string) *Extractor {
	return &Extractor{
		savePath:     savePath,
		fallbackName: fallbackName,
		bufferSize:   defaultBufferSize,
		interval:     time.Second,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		progress:     Progress{Total: -1},
	}
}

// Progress returns the current transfer state.
func (e *Extractor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// resourceName returns the file name suggested by a Content-Disposition
// header, or "" when it is missing or unusable.
func resourceName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if !storage.ValidName(name) {
		return ""
	}
	return name
}

// Extract writes the body of resp to the save path. ready is called once
// the headers are processed, right before the body is streamed. When ctx
// ends mid-transfer the partial file is removed and the error wraps
// task.ErrInterrupted.
func (e *Extractor) Extract(ctx context.Context, resp *http.Response, ready func()) (*Resource, error) {
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(e.savePath), 0o755); err != nil {
		return nil, err
	}

	name := resourceName(resp.Header.Get("Content-Disposition"))
	if name != "" {
		e.logger.Debug("resource name from content-disposition", "name", name)
	} else {
		name = e.fallbackName
	}

	if info, err := os.Stat(e.savePath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("save path %s is a directory: %w", e.savePath, storage.ErrDirExists)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	e.mu.Lock()
	e.progress.Name = name
	e.progress.Total = resp.ContentLength
	e.mu.Unlock()

	out, err := os.Create(e.savePath)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("downloading", "path", e.savePath, "total", resp.ContentLength)
	if ready != nil {
		ready()
	}

	if err := e.copy(ctx, out, resp.Body); err != nil {
		out.Close()
		os.Remove(e.savePath)
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.Remove(e.savePath)
		return nil, err
	}

	info, err := os.Stat(e.savePath)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.progress.Total != info.Size() {
		e.progress.Total = info.Size()
	}
	e.mu.Unlock()

	return &Resource{Path: e.savePath, Name: name, Size: info.Size()}, nil
}

func (e *Extractor) copy(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, e.bufferSize)
	lastSample := e.now()
	var loaded, lastLoaded int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			loaded += int64(n)

			now := e.now()
			if elapsed := now.Sub(lastSample); elapsed >= e.interval {
				speed := int64(float64(loaded-lastLoaded) / elapsed.Seconds())
				e.sample(loaded, speed)
				lastSample, lastLoaded = now, loaded
			} else {
				e.mu.Lock()
				e.progress.Loaded = loaded
				e.mu.Unlock()
			}
		}

		if ctx.Err() != nil {
			e.logger.Debug("download interrupted", "path", e.savePath, "loaded", loaded)
			return fmt.Errorf("%w: %w", task.ErrInterrupted, ctx.Err())
		}
		if readErr == io.EOF {
			e.mu.Lock()
			e.progress.Loaded = loaded
			e.mu.Unlock()
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: reading body: %w", ErrTransport, readErr)
		}
	}
}

func (e *Extractor) sample(loaded, speed int64) {
	e.mu.Lock()
	e.progress.Loaded = loaded
	e.progress.Speed = speed
	p := e.progress
	e.mu.Unlock()

	if p.Total > 0 {
		e.logger.Debug("download progress",
			"loaded", humanize.Bytes(uint64(loaded)),
			"total", humanize.Bytes(uint64(p.Total)),
			"percent", loaded*100/p.Total,
			"speed", humanize.Bytes(uint64(speed))+"/s")
	} else {
		e.logger.Debug("download progress",
			"loaded", humanize.Bytes(uint64(loaded)),
			"speed", humanize.Bytes(uint64(speed))+"/s")
	}

	if e.onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("progress callback panicked", "path", e.savePath, "panic", r)
		}
	}()
	e.onProgress(p)
}
