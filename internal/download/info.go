// Package download fetches remote HTTP resources into the network disk.
//
// A download runs as a task: the response body is streamed to a file in
// the download directory, then handed to the file service, which stores
// it under the requested virtual directory. Every task is mirrored by a
// TaskInfo record that outlives the process.
package download

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransport is returned for network failures and non-2xx responses.
	ErrTransport = errors.New("transport error")
	// ErrProxyNotFound is returned when a task names an unknown proxy.
	ErrProxyNotFound = errors.New("proxy not found")
	// ErrInvalidRequest is returned for malformed task parameters.
	ErrInvalidRequest = errors.New("invalid download request")
)

// State is the persisted state of a download task.
type State string

const (
	StateDownloading State = "DOWNLOADING"
	StateFinish      State = "FINISH"
	StateCancel      State = "CANCEL"
	StateFailed      State = "FAILED"
)

// ListType filters task listings.
type ListType string

const (
	ListAll         ListType = "ALL"
	ListDownloading ListType = "DOWNLOADING"
	// ListFinish covers every terminal state.
	ListFinish ListType = "FINISH"
)

// States returns the record states selected by t. ALL returns nil.
func (t ListType) States() []State {
	switch t {
	case ListDownloading:
		return []State{StateDownloading}
	case ListFinish:
		return []State{StateFinish, StateCancel, StateFailed}
	default:
		return nil
	}
}

// TaskInfo is the durable record of a download task.
type TaskInfo struct {
	ID        string     `json:"id"`
	UID       int64      `json:"uid"`
	URL       string     `json:"url"`
	Proxy     string     `json:"proxy,omitempty"`
	SavePath  string     `json:"save_path"`
	Name      string     `json:"name,omitempty"`
	State     State      `json:"state"`
	Size      int64      `json:"size"`
	Loaded    int64      `json:"loaded"`
	Speed     int64      `json:"speed"`
	Message   string     `json:"message,omitempty"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	FinishAt  *time.Time `json:"finish_at,omitempty"`
}

// Page is one page of task records, newest first.
type Page struct {
	Items      []TaskInfo `json:"items"`
	Total      int64      `json:"total_item"`
	TotalPages int        `json:"total_page"`
}

// Repository stores task records. Pages are zero-based.
type Repository interface {
	Save(ctx context.Context, info *TaskInfo) error
	Get(ctx context.Context, id string) (*TaskInfo, error)
	FindByUID(ctx context.Context, uid int64, page, size int) (Page, error)
	FindByUIDAndStateIn(ctx context.Context, uid int64, states []State, page, size int) (Page, error)
}

// Params describes a download request.
type Params struct {
	URL      string            `json:"url"`
	UID      int64             `json:"uid"`
	Headers  map[string]string `json:"headers,omitempty"`
	Method   string            `json:"method,omitempty"`
	Proxy    string            `json:"proxy,omitempty"`
	SavePath string            `json:"save_path"`
}
