package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/smallnest/deepcopy"
	"github.com/spf13/afero"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/util/xos"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

// persistWatermark is how many new bytes may accumulate before a pure byte
// count change forces a metadata write. State and blob record changes are
// always persisted.
const persistWatermark int64 = 4 * 1024 * 1024 // 4 MiB

type entry struct {
	mu   sync.Mutex
	task *Task

	// persistedBytes is DownloadedBytes at the last metadata write.
	persistedBytes int64
}

// Store is the single source of truth for task state: an in-memory index
// with per-task locking, mirrored to metadata.json under each task
// directory. All mutations go through Update.
type Store struct {
	fs      afero.Fs
	root    string
	entries *xsync.MapOf[string, *entry]
}

// NewStore creates a store rooted at the downloads directory. Pass
// afero.NewOsFs() outside of tests.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{
		fs:      fs,
		root:    root,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

// Root returns the downloads root directory.
func (s *Store) Root() string { return s.root }

// Fs returns the filesystem the store persists to. The download runner
// shares it for blob files.
func (s *Store) Fs() afero.Fs { return s.fs }

// Create inserts a new task and persists its metadata.
func (s *Store) Create(t *Task) error {
	e := &entry{task: t}
	if _, loaded := s.entries.LoadOrStore(t.ID, e); loaded {
		return errdefs.Newf(errdefs.ErrConflict, "task %s already exists", t.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.persistLocked(e)
}

// Get returns a snapshot of the task.
func (s *Store) Get(id string) (*Task, error) {
	e, ok := s.entries.Load(id)
	if !ok {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.task), nil
}

// List returns snapshots of all tasks ordered by creation time.
func (s *Store) List() []*Task {
	tasks := []*Task{}
	s.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		tasks = append(tasks, snapshot(e.task))
		e.mu.Unlock()
		return true
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Update runs the mutator on the task under its lock, refreshes UpdatedAt
// and persists the metadata when the change is durable-worthy: any state or
// blob record change, and byte growth beyond the watermark. It returns a
// snapshot of the updated task.
func (s *Store) Update(id string, mutate func(*Task) error) (*Task, error) {
	e, ok := s.entries.Load(id)
	if !ok {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prevState := e.task.State
	prevBlobs := blobFingerprint(e.task)

	if err := mutate(e.task); err != nil {
		return nil, err
	}
	e.task.UpdatedAt = time.Now().UTC()

	durable := e.task.State != prevState ||
		blobFingerprint(e.task) != prevBlobs ||
		e.task.DownloadedBytes-e.persistedBytes >= persistWatermark
	if durable {
		if err := s.persistLocked(e); err != nil {
			return nil, err
		}
	}
	return snapshot(e.task), nil
}

// Flush forces a metadata write for the task regardless of the watermark.
func (s *Store) Flush(id string) error {
	e, ok := s.entries.Load(id)
	if !ok {
		return errdefs.Newf(errdefs.ErrNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.persistLocked(e)
}

// Delete removes the task from the index and its directory from disk.
func (s *Store) Delete(id string) error {
	e, ok := s.entries.LoadAndDelete(id)
	if !ok {
		return errdefs.Newf(errdefs.ErrNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	dir := e.task.TargetDir
	e.mu.Unlock()
	if err := s.fs.RemoveAll(dir); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	return nil
}

// Snapshot returns a deep copy of the task.
func (s *Store) Snapshot(id string) (*Task, error) {
	return s.Get(id)
}

// Load scans the downloads root and restores every task whose metadata.json
// parses. On-disk blob file lengths are ground truth: bytesWritten is
// corrected from them, oversized partials are truncated, and
// downloadedBytes is recomputed. Restored non-terminal tasks are handed to
// the given recover function to decide their post-restart state.
func (s *Store) Load(recoverState func(*Task) State) ([]*Task, error) {
	tasksDir := filepath.Join(s.root, "tasks")
	exists, err := afero.DirExists(s.fs, tasksDir)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrIO, err)
	}
	if !exists {
		return nil, nil
	}
	infos, err := afero.ReadDir(s.fs, tasksDir)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrIO, err)
	}

	restored := []*Task{}
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		dir := filepath.Join(tasksDir, info.Name())
		t, err := s.loadOne(dir)
		if err != nil {
			xlog.Warnf("skipping unreadable task dir %s: %v", dir, err)
			continue
		}
		if !t.State.Terminal() && recoverState != nil {
			t.State = recoverState(t)
		}
		e := &entry{task: t, persistedBytes: t.DownloadedBytes}
		if _, loaded := s.entries.LoadOrStore(t.ID, e); loaded {
			continue
		}
		e.mu.Lock()
		if err := s.persistLocked(e); err != nil {
			xlog.Warnf("unable to persist restored task %s: %v", t.ID, err)
		}
		e.mu.Unlock()
		restored = append(restored, snapshot(t))
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].CreatedAt.Before(restored[j].CreatedAt) })
	return restored, nil
}

func (s *Store) loadOne(dir string) (*Task, error) {
	content, err := afero.ReadFile(s.fs, MetadataPath(dir))
	if err != nil {
		return nil, err
	}
	t := &Task{}
	if err := json.Unmarshal(content, t); err != nil {
		return nil, err
	}
	t.TargetDir = dir

	// trust the blob files over the metadata byte counts
	var total int64
	for i := range t.Blobs {
		b := &t.Blobs[i]
		onDisk := xos.FileSize(s.fs, BlobPath(dir, b.Digest))
		if onDisk > b.Size && b.Size > 0 {
			if err := s.truncate(BlobPath(dir, b.Digest), b.Size); err != nil {
				return nil, err
			}
			onDisk = b.Size
		}
		switch {
		case b.State == BlobDone && onDisk == b.Size:
			b.BytesWritten = b.Size
		case onDisk == b.Size && b.Size > 0:
			b.State = BlobDone
			b.BytesWritten = b.Size
		default:
			b.State = BlobMissing
			b.BytesWritten = onDisk
		}
		total += b.BytesWritten
	}
	if len(t.Blobs) > 0 {
		t.DownloadedBytes = total
	}
	t.SpeedBPS = 0
	return t, nil
}

func (s *Store) truncate(path string, size int64) error {
	f, err := s.fs.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (s *Store) persistLocked(e *entry) error {
	content, err := json.MarshalIndent(e.task, "", "  ")
	if err != nil {
		return err
	}
	if err := xos.WriteFileAtomic(s.fs, MetadataPath(e.task.TargetDir), content); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	e.persistedBytes = e.task.DownloadedBytes
	return nil
}

// blobFingerprint summarises the blob record states so Update can tell
// whether a durable write is needed.
func blobFingerprint(t *Task) string {
	fp := ""
	for i := range t.Blobs {
		fp += string(t.Blobs[i].State) + ";"
	}
	return fp
}

func snapshot(t *Task) *Task {
	return deepcopy.Copy(t)
}
