package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

// FileSaver folds finished downloads into the virtual filesystem.
type FileSaver interface {
	Mkdirs(uid int64, dir string) error
	MoveToSaveFile(uid int64, nativePath, dir string, info model.FileInfo) error
}

// ProxyLookup resolves proxies by name.
type ProxyLookup interface {
	GetProxy(name string) (*model.ProxyInfo, error)
}

// DirResolver resolves virtual directories to node ids.
type DirResolver interface {
	NodeID(uid int64, path string) (string, error)
}

// Options configures a Service.
type Options struct {
	// Dir holds in-flight downloads. It must share a filesystem with the
	// store root.
	Dir              string
	BufferSize       int
	ProgressInterval time.Duration
	Timeout          time.Duration
	UserAgent        string
	Logger           *slog.Logger
}

// Service creates, lists and interrupts download tasks.
type Service struct {
	repo    Repository
	proxies ProxyLookup
	dirs    DirResolver
	files   FileSaver
	manager *task.Manager
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	// submitting holds ids recorded as DOWNLOADING but not yet handed
	// to the manager.
	submitting sync.Map
}

// NewService creates a Service.
func NewService(repo Repository, proxies ProxyLookup, dirs DirResolver, files FileSaver, manager *task.Manager, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		repo:    repo,
		proxies: proxies,
		dirs:    dirs,
		files:   files,
		manager: manager,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateTask validates p, records a DOWNLOADING task and submits it. It
// returns the task id.
func (s *Service) CreateTask(ctx context.Context, p Params, creator int64) (string, error) {
	if p.URL == "" || p.SavePath == "" {
		return "", fmt.Errorf("%w: url and save path are required", ErrInvalidRequest)
	}
	savePath, err := storage.NormalizePath(p.SavePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := uuid.NewString()
	builder := NewBuilder(p.URL).
		SetHeaders(p.Headers).
		SetMethod(p.Method).
		SetSavePath(filepath.Join(s.opts.Dir, id)).
		SetBufferSize(s.opts.BufferSize).
		SetProgressInterval(s.opts.ProgressInterval).
		SetTimeout(s.opts.Timeout).
		SetUserAgent(s.opts.UserAgent).
		SetLogger(s.logger.With("task_id", id))
	if p.Proxy != "" {
		proxy, err := s.proxies.GetProxy(p.Proxy)
		if errors.Is(err, metastore.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrProxyNotFound, p.Proxy)
		}
		if err != nil {
			return "", err
		}
		builder.SetProxy(proxy)
		s.logger.Debug("download through proxy", "proxy", proxy.Name, "type", proxy.Type)
	}

	if savePath != "/" {
		if _, err := s.dirs.NodeID(p.UID, savePath); err != nil {
			return "", fmt.Errorf("save path %s: %w", savePath, err)
		}
	}

	info := &TaskInfo{
		ID:        id,
		UID:       p.UID,
		URL:       p.URL,
		Proxy:     p.Proxy,
		SavePath:  savePath,
		State:     StateDownloading,
		Size:      -1,
		CreatedBy: creator,
		CreatedAt: s.now(),
	}
	// Samples arrive on the task goroutine, like the lifecycle callbacks.
	builder.OnProgress(func(pr Progress) {
		info.Loaded = pr.Loaded
		info.Speed = pr.Speed
		s.save(info)
	})

	t, err := builder.Build()
	if err != nil {
		return "", err
	}
	tc := task.NewContextWithID(id, t)

	s.submitting.Store(id, struct{}{})
	defer s.submitting.Delete(id)
	if err := s.repo.Save(ctx, info); err != nil {
		return "", err
	}

	tc.OnReady(func(*task.Context) {
		st := t.Status()
		info.Size = st.Total
		info.Name = st.Name
		s.save(info)
		s.logger.Debug("download ready", "task_id", id, "name", st.Name, "size", st.Total)
	})
	tc.OnSuccess(func(_ *task.Context, v any) {
		s.ingest(info, t, v.(*Resource))
	})
	tc.OnFailed(func(_ *task.Context, err error) {
		st := t.Status()
		if errors.Is(err, task.ErrInterrupted) {
			info.State = StateCancel
			info.Message = "has been interrupted"
		} else {
			info.State = StateFailed
			info.Message = t.LastError()
			if info.Message == "" {
				info.Message = err.Error()
			}
		}
		info.Loaded = st.Loaded
		info.Size = st.Total
		if info.Size < 0 {
			info.Size = st.Loaded
		}
		finish := s.now()
		info.FinishAt = &finish
		os.Remove(t.SavePath())
		s.save(info)
		s.logger.Info("download ended", "task_id", id, "state", info.State, "message", info.Message)
	})

	if err := s.manager.Submit(tc); err != nil {
		info.State = StateFailed
		info.Message = err.Error()
		s.save(info)
		return "", err
	}
	s.logger.Info("download submitted", "task_id", id, "uid", p.UID, "url", p.URL, "save_path", savePath)
	return id, nil
}

// ingest moves a finished download into the owner's directory. A name
// collision retries under a time-stamped fallback directory.
func (s *Service) ingest(info *TaskInfo, t *Task, res *Resource) {
	fi := model.FileInfo{Name: res.Name, Size: res.Size}
	info.Name = res.Name

	err := s.saveTo(info.UID, res.Path, info.SavePath, fi)
	if errors.Is(err, storage.ErrFileExists) {
		var fallback string
		fallback, err = storage.JoinPath(fmt.Sprintf("download%d", s.now().UnixMilli()), info.SavePath)
		if err == nil {
			s.logger.Info("name collision, using fallback directory",
				"task_id", info.ID, "name", res.Name, "save_path", fallback)
			info.SavePath = fallback
			err = s.saveTo(info.UID, res.Path, fallback, fi)
		}
	}

	if err != nil {
		info.State = StateFailed
		info.Message = err.Error()
		os.Remove(res.Path)
		s.logger.Error("storing download failed", "task_id", info.ID, "error", err)
	} else {
		info.State = StateFinish
		info.Message = ""
	}
	finish := s.now()
	info.FinishAt = &finish
	info.Size = res.Size
	info.Loaded = res.Size
	info.Speed = t.Status().Speed
	s.save(info)
}

func (s *Service) saveTo(uid int64, nativePath, dir string, fi model.FileInfo) error {
	if err := s.files.Mkdirs(uid, dir); err != nil {
		return err
	}
	return s.files.MoveToSaveFile(uid, nativePath, dir, fi)
}

// save persists a record from a task callback, where no caller is left
// to receive the error.
func (s *Service) save(info *TaskInfo) {
	if err := s.repo.Save(context.Background(), info); err != nil {
		s.logger.Error("saving download task failed", "task_id", info.ID, "error", err)
	}
}

// TaskContext returns the live context of a download task.
func (s *Service) TaskContext(id string) (*task.Context, *Task, bool) {
	return task.Lookup[*Task](s.manager, id)
}

// Interrupt stops a running download.
func (s *Service) Interrupt(id string) error {
	tc, _, ok := s.TaskContext(id)
	if !ok {
		return fmt.Errorf("download %s: %w", id, task.ErrNotRunning)
	}
	tc.Interrupt()
	return nil
}

// TaskList returns a page of uid's tasks. Running rows carry live
// progress. A DOWNLOADING row without a live task is left over from an
// interrupted process and is recorded as FAILED.
func (s *Service) TaskList(ctx context.Context, uid int64, page, size int, typ ListType) (Page, error) {
	var (
		res Page
		err error
	)
	if states := typ.States(); states != nil {
		res, err = s.repo.FindByUIDAndStateIn(ctx, uid, states, page, size)
	} else {
		res, err = s.repo.FindByUID(ctx, uid, page, size)
	}
	if err != nil {
		return Page{}, err
	}

	for i := range res.Items {
		e := &res.Items[i]
		if e.State != StateDownloading {
			continue
		}
		if _, t, ok := s.TaskContext(e.ID); ok {
			st := t.Status()
			e.Loaded = st.Loaded
			e.Speed = st.Speed
			continue
		}
		if _, ok := s.submitting.Load(e.ID); ok {
			continue
		}

		// The task may have finished after the page was read.
		fresh, err := s.repo.Get(ctx, e.ID)
		if err != nil {
			return Page{}, err
		}
		if fresh.State != StateDownloading {
			*e = *fresh
			continue
		}
		e.State = StateFailed
		e.Message = "interrupt"
		if err := s.repo.Save(ctx, e); err != nil {
			return Page{}, err
		}
	}
	return res, nil
}
