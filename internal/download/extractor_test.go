package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

func response(body io.Reader, length int64, disposition string) *http.Response {
	h := http.Header{}
	if disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(body),
		ContentLength: length,
	}
}

// tickingClock advances by step on every call.
func tickingClock(step time.Duration) func() time.Time {
	now := time.Unix(1700000000, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestResourceName(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`attachment; filename="report.pdf"`, "report.pdf"},
		{`attachment; filename*=UTF-8''%E6%96%87%E4%BB%B6.txt`, "文件.txt"},
		{`attachment; filename="../etc/passwd"`, ""},
		{`attachment`, ""},
		{`;;;`, ""},
	}
	for _, tt := range tests {
		if got := resourceName(tt.header); got != tt.want {
			t.Errorf("resourceName(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestExtractUsesDispositionName(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dl", "task-1")
	ex := NewExtractor(dst, "fallback.bin")

	readyCalled := false
	res, err := ex.Extract(context.Background(),
		response(strings.NewReader("payload"), 7, `attachment; filename="data.txt"`),
		func() { readyCalled = true })
	if err != nil {
		t.Fatal(err)
	}
	if !readyCalled {
		t.Error("ready not called")
	}
	if res.Name != "data.txt" || res.Size != 7 || res.Path != dst {
		t.Errorf("resource = %+v", res)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "payload" {
		t.Errorf("file = %q", data)
	}
	if p := ex.Progress(); p.Name != "data.txt" || p.Loaded != 7 || p.Total != 7 {
		t.Errorf("progress = %+v", p)
	}
}

func TestExtractFallbackNameAndTotalCorrection(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "task-2")
	ex := NewExtractor(dst, "archive.zip")

	// The announced length is wrong; the final total follows the file.
	res, err := ex.Extract(context.Background(), response(strings.NewReader("12345"), 100, ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "archive.zip" {
		t.Errorf("name = %q", res.Name)
	}
	if p := ex.Progress(); p.Total != 5 {
		t.Errorf("total = %d, want 5", p.Total)
	}
}

// cancelingReader cancels the context after its first read.
type cancelingReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 1 {
		r.cancel()
	}
	return copy(p, "chunk"), nil
}

func TestExtractInterruptRemovesPartialFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "task-3")
	ex := NewExtractor(dst, "x")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ex.Extract(ctx, response(&cancelingReader{cancel: cancel}, -1, ""), nil)
	if !errors.Is(err, task.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "part"), nil
	}
	return 0, errors.New("connection reset")
}

func TestExtractReadErrorFails(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "task-4")
	ex := NewExtractor(dst, "x")

	_, err := ex.Extract(context.Background(), response(&failingReader{}, 10, ""), nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestExtractIntoDirectoryFails(t *testing.T) {
	dst := t.TempDir()
	ex := NewExtractor(dst, "x")

	_, err := ex.Extract(context.Background(), response(strings.NewReader("x"), 1, ""), nil)
	if !errors.Is(err, storage.ErrDirExists) {
		t.Fatalf("err = %v, want ErrDirExists", err)
	}
}

func TestProgressCallbackPanicIsRecovered(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "task-5")
	ex := NewExtractor(dst, "x")
	ex.bufferSize = 4
	ex.interval = time.Second
	ex.now = tickingClock(2 * time.Second)

	calls := 0
	ex.onProgress = func(p Progress) {
		calls++
		if p.Speed <= 0 {
			t.Errorf("sample without speed: %+v", p)
		}
		panic("boom")
	}

	res, err := ex.Extract(context.Background(), response(strings.NewReader("0123456789abcdef"), 16, ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != 16 {
		t.Errorf("size = %d", res.Size)
	}
	if calls != 4 {
		t.Errorf("progress callback ran %d times, want 4", calls)
	}
}
