package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

// Task downloads one HTTP resource to a local file.
type Task struct {
	client    *HTTPClient
	method    string
	url       string
	headers   map[string]string
	extractor *Extractor

	mu      sync.Mutex
	lastErr string
}

var _ task.Task = (*Task)(nil)

// Execute sends the request and streams the response to the save path.
// The value of a successful run is a *Resource.
func (t *Task) Execute(ctx context.Context, ready func()) (any, error) {
	resp, err := t.client.Do(ctx, t.method, t.url, t.headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", task.ErrInterrupted, err)
		}
		t.setError(err)
		return nil, err
	}

	res, err := t.extractor.Extract(ctx, resp, ready)
	if err != nil {
		if !errors.Is(err, task.ErrInterrupted) {
			t.setError(err)
		}
		return nil, err
	}
	return res, nil
}

func (t *Task) setError(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

// Status returns the transfer progress.
func (t *Task) Status() Progress {
	return t.extractor.Progress()
}

// LastError returns the message of the failure that ended the task.
func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// SavePath returns the local file the task writes to.
func (t *Task) SavePath() string {
	return t.extractor.savePath
}

// Builder assembles a Task.
type Builder struct {
	url        string
	method     string
	headers    map[string]string
	proxy      *model.ProxyInfo
	savePath   string
	bufferSize int
	interval   time.Duration
	timeout    time.Duration
	userAgent  string
	onProgress func(Progress)
	logger     *slog.Logger
}

// NewBuilder starts a task for rawURL.
func NewBuilder(rawURL string) *Builder {
	return &Builder{
		url:        rawURL,
		method:     http.MethodGet,
		bufferSize: defaultBufferSize,
		interval:   time.Second,
		timeout:    30 * time.Second,
	}
}

func (b *Builder) SetMethod(method string) *Builder {
	if method != "" {
		b.method = strings.ToUpper(method)
	}
	return b
}

func (b *Builder) SetHeaders(h map[string]string) *Builder { b.headers = h; return b }
func (b *Builder) SetProxy(p *model.ProxyInfo) *Builder { b.proxy = p; return b }
func (b *Builder) SetSavePath(p string) *Builder { b.savePath = p; return b }
func (b *Builder) SetBufferSize(n int) *Builder { b.bufferSize = n; return b }
func (b *Builder) SetProgressInterval(d time.Duration) *Builder { b.interval = d; return b }
func (b *Builder) SetTimeout(d time.Duration) *Builder { b.timeout = d; return b }
func (b *Builder) SetUserAgent(ua string) *Builder { b.userAgent = ua; return b }
func (b *Builder) OnProgress(fn func(Progress)) *Builder { b.onProgress = fn; return b }
func (b *Builder) SetLogger(l *slog.Logger) *Builder { b.logger = l; return b }

// Build validates the request and creates the task.
func (b *Builder) Build() (*Task, error) {
	u, err := url.Parse(b.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrInvalidRequest, b.url)
	}
	if b.savePath == "" {
		return nil, fmt.Errorf("%w: save path is required", ErrInvalidRequest)
	}
	switch b.method {
	case http.MethodGet, http.MethodPost, http.MethodHead:
	default:
		return nil, fmt.Errorf("%w: unsupported method %s", ErrInvalidRequest, b.method)
	}

	client, err := NewHTTPClient(b.proxy, b.timeout, b.userAgent)
	if err != nil {
		return nil, err
	}

	ex := NewExtractor(b.savePath, fallbackName(u, b.savePath))
	if b.bufferSize > 0 {
		ex.bufferSize = b.bufferSize
	}
	if b.interval > 0 {
		ex.interval = b.interval
	}
	ex.onProgress = b.onProgress
	if b.logger != nil {
		ex.logger = b.logger
	}

	return &Task{
		client:    client,
		method:    b.method,
		url:       b.url,
		headers:   b.headers,
		extractor: ex,
	}, nil
}

// fallbackName names a resource whose response carries no usable
// Content-Disposition: the last URL path segment, else the local file name.
func fallbackName(u *url.URL, savePath string) string {
	if name := path.Base(u.Path); storage.ValidName(name) {
		return name
	}
	return path.Base(strings.ReplaceAll(savePath, "\\", "/"))
}
