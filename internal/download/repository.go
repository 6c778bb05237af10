package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTaskNotFound is returned when no record has the requested id.
var ErrTaskNotFound = errors.New("download task not found")

// SQLiteRepository stores task records in the download_task table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the table when missing.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.initTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS download_task (
		id TEXT PRIMARY KEY,
		uid INTEGER NOT NULL,
		url TEXT NOT NULL,
		proxy TEXT NOT NULL DEFAULT '',
		save_path TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		loaded INTEGER NOT NULL DEFAULT 0,
		speed INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		finish_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_download_task_uid ON download_task(uid, created_at);
	`
	_, err := r.db.Exec(query)
	return err
}

const taskColumns = `id, uid, url, proxy, save_path, name, state, size, loaded, speed, message, created_by, created_at, finish_at`

// Save inserts or replaces a record.
func (r *SQLiteRepository) Save(ctx context.Context, info *TaskInfo) error {
	query := `INSERT INTO download_task (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		uid = excluded.uid,
		url = excluded.url,
		proxy = excluded.proxy,
		save_path = excluded.save_path,
		name = excluded.name,
		state = excluded.state,
		size = excluded.size,
		loaded = excluded.loaded,
		speed = excluded.speed,
		message = excluded.message,
		created_by = excluded.created_by,
		created_at = excluded.created_at,
		finish_at = excluded.finish_at`

	var finishAt sql.NullInt64
	if info.FinishAt != nil {
		finishAt = sql.NullInt64{Int64: info.FinishAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		info.ID, info.UID, info.URL, info.Proxy, info.SavePath, info.Name, string(info.State),
		info.Size, info.Loaded, info.Speed, info.Message, info.CreatedBy,
		info.CreatedAt.UnixMilli(), finishAt)
	return err
}

// Get returns the record with id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*TaskInfo, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM download_task WHERE id = ?`, id)
	info, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// FindByUID returns the records of uid, newest first.
func (r *SQLiteRepository) FindByUID(ctx context.Context, uid int64, page, size int) (Page, error) {
	return r.find(ctx, uid, nil, page, size)
}

// FindByUIDAndStateIn returns the records of uid in one of states,
// newest first.
func (r *SQLiteRepository) FindByUIDAndStateIn(ctx context.Context, uid int64, states []State, page, size int) (Page, error) {
	if len(states) == 0 {
		return Page{Items: []TaskInfo{}}, nil
	}
	return r.find(ctx, uid, states, page, size)
}

func (r *SQLiteRepository) find(ctx context.Context, uid int64, states []State, page, size int) (Page, error) {
	if page < 0 || size < 1 {
		return Page{}, fmt.Errorf("%w: page %d size %d", ErrInvalidRequest, page, size)
	}

	where := `uid = ?`
	args := []any{uid}
	if len(states) > 0 {
		where += ` AND state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, s := range states {
			args = append(args, string(s))
		}
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM download_task WHERE `+where, args...).Scan(&total); err != nil {
		return Page{}, err
	}

	query := `SELECT ` + taskColumns + ` FROM download_task WHERE ` + where +
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, size, page*size)...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	items := []TaskInfo{}
	for rows.Next() {
		info, err := scanTask(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, *info)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	return Page{
		Items:      items,
		Total:      total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*TaskInfo, error) {
	var (
		info      TaskInfo
		state     string
		createdAt int64
		finishAt  sql.NullInt64
	)
	err := s.Scan(&info.ID, &info.UID, &info.URL, &info.Proxy, &info.SavePath, &info.Name, &state,
		&info.Size, &info.Loaded, &info.Speed, &info.Message, &info.CreatedBy, &createdAt, &finishAt)
	if err != nil {
		return nil, err
	}
	info.State = State(state)
	info.CreatedAt = time.UnixMilli(createdAt)
	if finishAt.Valid {
		t := time.UnixMilli(finishAt.Int64)
		info.FinishAt = &t
	}
	return &info, nil
}

var _ Repository = (*SQLiteRepository)(nil)
