// Package task defines the download task model and the store that owns it:
// an in-memory index with a durable per-task metadata mirror on disk.
package task

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further network activity may be initiated for
// a task in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// BlobState is the transfer state of a single blob.
type BlobState string

const (
	BlobMissing    BlobState = "missing"
	BlobInProgress BlobState = "inprogress"
	BlobDone       BlobState = "done"
)

// Blob is the persisted record of one blob referenced by the selected
// manifest, in manifest order (config first, then layers).
type Blob struct {
	Digest       digest.Digest `json:"digest"`
	MediaType    string        `json:"mediaType,omitempty"`
	Size         int64         `json:"size"`
	State        BlobState     `json:"state"`
	BytesWritten int64         `json:"bytesWritten"`
}

// Error is the serialisable form of a task failure.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewError builds an Error from a classified error value.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: errdefs.Kind(err), Message: err.Error()}
}

// Task is the unit of work: one image coordinate downloaded into one
// directory.
type Task struct {
	ID              string          `json:"id"`
	Coord           name.Coordinate `json:"coord"`
	Platform        string          `json:"platform"`
	State           State           `json:"state"`
	TotalBytes      int64           `json:"totalBytes"`
	DownloadedBytes int64           `json:"downloadedBytes"`
	SpeedBPS        float64         `json:"speedBps"`
	LastError       *Error          `json:"lastError,omitempty"`
	Retries         int             `json:"retries"`
	TargetDir       string          `json:"targetDir"`
	Checksum        string          `json:"checksum,omitempty"`
	Blobs           []Blob          `json:"blobs,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// New creates a pending task for the coordinate. The target directory is
// <root>/tasks/<id>.
func New(root string, coord name.Coordinate, platform string) *Task {
	id := uuid.NewString()
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Coord:     coord,
		Platform:  platform,
		State:     StatePending,
		TargetDir: filepath.Join(root, "tasks", id),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Blob returns the blob record with the given digest, or nil.
func (t *Task) Blob(dgst digest.Digest) *Blob {
	for i := range t.Blobs {
		if t.Blobs[i].Digest == dgst {
			return &t.Blobs[i]
		}
	}
	return nil
}

// Progress returns the completed percentage in [0, 100].
func (t *Task) Progress() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	p := float64(t.DownloadedBytes) / float64(t.TotalBytes) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// SafeDigest converts a digest into a portable file name by replacing ":"
// and "/" with "_".
func SafeDigest(dgst digest.Digest) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(dgst.String())
}

// MetadataPath returns the metadata.json path under the task directory.
func MetadataPath(dir string) string { return filepath.Join(dir, "metadata.json") }

// ManifestPath returns the manifest.json path under the task directory.
func ManifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

// ConfigPath returns the config.json path under the task directory.
func ConfigPath(dir string) string { return filepath.Join(dir, "config.json") }

// BlobPath returns the blob file path under the task directory.
func BlobPath(dir string, dgst digest.Digest) string {
	return filepath.Join(dir, "blobs", SafeDigest(dgst))
}
