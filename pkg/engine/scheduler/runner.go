package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/manifest"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
	"github.com/ocifetch/ocifetch/pkg/util/xio"
	"github.com/ocifetch/ocifetch/pkg/util/xos"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

const blobCopyBufferSize = 32 * 1024

// runTask drives one task to a settled state. Retries are loop-driven:
// each transient failure re-enters the attempt after a capped exponential
// backoff. An auth failure purges the cached token once before counting
// against the budget.
func (s *Scheduler) runTask(ctx context.Context, id string) {
	authRefreshed := false
	for {
		if s.settleControl(ctx, id) {
			return
		}
		err := s.attempt(ctx, id)
		if err == nil {
			return
		}
		if s.settleControl(ctx, id) {
			return
		}

		if errors.Is(err, errdefs.ErrAuth) {
			if authRefreshed {
				s.fail(id, err)
				return
			}
			authRefreshed = true
			if t, gerr := s.store.Get(id); gerr == nil {
				s.hub.InvalidateToken(ctx, t.Coord.Source)
			}
			xlog.Warnf("task %s: auth failure, retrying with a fresh token: %v", id, err)
			continue
		}
		if !errdefs.IsRetryable(err) {
			s.fail(id, err)
			return
		}

		var retries int
		if _, uerr := s.store.Update(id, func(t *task.Task) error {
			t.Retries++
			t.LastError = task.NewError(err)
			demoteBlobs(t)
			retries = t.Retries
			return nil
		}); uerr != nil {
			s.fail(id, err)
			return
		}
		if retries > s.cfg.MaxRetries {
			s.fail(id, err)
			return
		}

		delay := backoffDelay(s.cfg.RetryBackoff, retries)
		xlog.Warnf("task %s: transient failure, retry %d/%d in %s: %v", id, retries, s.cfg.MaxRetries, delay, err)
		timer := s.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// settleControl handles a tripped run context: it parks or terminates the
// task according to the cancellation cause. Returns true when the run is
// over.
func (s *Scheduler) settleControl(ctx context.Context, id string) bool {
	if ctx.Err() == nil {
		return false
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errPauseRequested):
		if _, err := s.store.Update(id, func(t *task.Task) error {
			t.State = task.StatePaused
			t.SpeedBPS = 0
			demoteBlobs(t)
			return nil
		}); err != nil {
			xlog.Warnf("task %s: unable to park as paused: %v", id, err)
		}
		s.bus.Forget(id)
	case errors.Is(cause, errCancelRequested):
		taskErr := &task.Error{Kind: errdefs.Kind(errdefs.ErrCanceled), Message: "cancelled by user"}
		if _, err := s.store.Update(id, func(t *task.Task) error {
			t.State = task.StateCancelled
			t.LastError = taskErr
			t.SpeedBPS = 0
			demoteBlobs(t)
			return nil
		}); err != nil {
			xlog.Warnf("task %s: unable to settle as cancelled: %v", id, err)
		}
		s.bus.Fail(id, taskErr)
	default:
		// shutdown: keep the persisted state for recovery on next start
		if err := s.store.Flush(id); err != nil {
			xlog.Warnf("task %s: unable to flush at shutdown: %v", id, err)
		}
		s.bus.Forget(id)
	}
	return true
}

func (s *Scheduler) fail(id string, err error) {
	taskErr := task.NewError(err)
	if _, uerr := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StateFailed
		t.LastError = taskErr
		t.SpeedBPS = 0
		demoteBlobs(t)
		return nil
	}); uerr != nil {
		xlog.Warnf("task %s: unable to settle as failed: %v", id, uerr)
	}
	xlog.Errorf("task %s failed: %v", id, err)
	s.bus.Fail(id, taskErr)
}

// attempt runs one resolve+fetch pass. A nil return means the task
// completed.
func (s *Scheduler) attempt(ctx context.Context, id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	platform, err := manifest.ParsePlatform(t.Platform)
	if err != nil {
		return err
	}
	reg, err := s.hub.Registry(t.Coord.Source)
	if err != nil {
		return err
	}

	if _, err := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StateResolving
		return nil
	}); err != nil {
		return err
	}

	// a task that already carries blob records resumes with its saved
	// offsets instead of resolving again
	if len(t.Blobs) == 0 {
		if err := s.resolve(ctx, reg, id, platform); err != nil {
			return err
		}
	}

	t, err = s.store.Update(id, func(t *task.Task) error {
		t.State = task.StateFetching
		t.LastError = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Track(id, t.DownloadedBytes, t.TotalBytes)

	if err := s.fetch(ctx, reg, t); err != nil {
		return err
	}
	return s.complete(id)
}

// resolve fetches the manifest, narrows an index to the target platform,
// stores the manifest and config verbatim and builds the blob record set.
// The config blob is already in hand, so its record starts out done.
func (s *Scheduler) resolve(ctx context.Context, reg *remote.Registry, id string, platform imgspecv1.Platform) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	resp, img, err := reg.ResolveImage(ctx, t.Coord.Repository, t.Coord.Reference, platform)
	if err != nil {
		return err
	}
	config, err := reg.GetConfig(ctx, t.Coord.Repository, img.Config.Digest)
	if err != nil {
		return err
	}

	fs := s.store.Fs()
	if err := fs.MkdirAll(filepath.Join(t.TargetDir, "blobs"), 0o750); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	if err := xos.WriteFileAtomic(fs, task.ManifestPath(t.TargetDir), resp.Bytes); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	if err := xos.WriteFileAtomic(fs, task.ConfigPath(t.TargetDir), config); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	if err := afero.WriteFile(fs, task.BlobPath(t.TargetDir, img.Config.Digest), config, 0o640); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}

	blobs := make([]task.Blob, 0, len(img.Layers)+1)
	blobs = append(blobs, task.Blob{
		Digest:       img.Config.Digest,
		MediaType:    img.Config.MediaType,
		Size:         img.Config.Size,
		State:        task.BlobDone,
		BytesWritten: img.Config.Size,
	})
	for _, layer := range img.Layers {
		blobs = append(blobs, task.Blob{
			Digest:    layer.Digest,
			MediaType: layer.MediaType,
			Size:      layer.Size,
			State:     task.BlobMissing,
		})
	}

	_, err = s.store.Update(id, func(t *task.Task) error {
		t.Blobs = blobs
		t.TotalBytes = img.TotalSize()
		t.DownloadedBytes = img.Config.Size
		return nil
	})
	return err
}

// fetch streams every unfinished blob, bounded by the per-task blob slots,
// in manifest order.
func (s *Scheduler) fetch(ctx context.Context, reg *remote.Registry, t *task.Task) error {
	g, gctx := errgroup.WithContext(ctx)
	slots := semaphore.NewWeighted(int64(s.cfg.MaxBlobs))
	for _, b := range t.Blobs {
		if b.State == task.BlobDone {
			continue
		}
		if err := slots.Acquire(gctx, 1); err != nil {
			break
		}
		b := b
		g.Go(func() error {
			defer slots.Release(1)
			return s.fetchBlob(gctx, reg, t, b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errdefs.NewE(errdefs.ErrCanceled, err)
	}
	return nil
}

// fetchBlob streams one blob to disk, resuming from the saved offset and
// restarting from zero when the server ignores the range. On EOF the whole
// file is re-digested; a mismatch is a protocol violation.
func (s *Scheduler) fetchBlob(ctx context.Context, reg *remote.Registry, t *task.Task, b task.Blob) error {
	blobCtx, cancelBlob := context.WithCancelCause(ctx)
	defer cancelBlob(nil)

	id := t.ID
	path := task.BlobPath(t.TargetDir, b.Digest)
	offset := b.BytesWritten

	if _, err := s.store.Update(id, func(t *task.Task) error {
		if rec := t.Blob(b.Digest); rec != nil {
			rec.State = task.BlobInProgress
		}
		return nil
	}); err != nil {
		return err
	}

	stream, err := reg.StreamBlob(blobCtx, t.Coord.Repository, b.Digest, offset)
	if err != nil {
		return err
	}
	defer xio.CloseAndSkipError(stream)

	fs := s.store.Fs()
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	defer xio.CloseAndSkipError(f)

	if offset > 0 && !stream.Resumed {
		// the server ignored the range, any partial content is useless
		xlog.Infof("task %s: server ignored range for blob %s, restarting from zero", id, b.Digest)
		if err := f.Truncate(0); err != nil {
			return errdefs.NewE(errdefs.ErrIO, err)
		}
		offset = 0
		snap, uerr := s.store.Update(id, func(t *task.Task) error {
			if rec := t.Blob(b.Digest); rec != nil {
				t.DownloadedBytes -= rec.BytesWritten
				rec.BytesWritten = 0
			}
			return nil
		})
		if uerr != nil {
			return uerr
		}
		s.bus.Track(id, snap.DownloadedBytes, snap.TotalBytes)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}

	activity := s.watchBlobActivity(blobCtx, cancelBlob)

	written := offset
	buf := make([]byte, blobCopyBufferSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			select {
			case activity <- struct{}{}:
			default:
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return errdefs.NewE(errdefs.ErrIO, werr)
			}
			written += int64(n)
			delta := int64(n)
			speed := s.bus.Publish(id, delta)
			if _, uerr := s.store.Update(id, func(t *task.Task) error {
				if rec := t.Blob(b.Digest); rec != nil {
					rec.BytesWritten += delta
				}
				t.DownloadedBytes += delta
				t.SpeedBPS = speed
				return nil
			}); uerr != nil {
				return uerr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if errors.Is(context.Cause(blobCtx), errInactivity) {
				return errdefs.Newf(errdefs.ErrTransport, "blob %s stalled for %s", b.Digest, s.cfg.InactivityTimeout)
			}
			if blobCtx.Err() != nil {
				return errdefs.NewE(errdefs.ErrCanceled, context.Cause(blobCtx))
			}
			return errdefs.NewE(errdefs.ErrTransport, rerr)
		}
	}

	if err := f.Close(); err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	if b.Size > 0 && written != b.Size {
		return errdefs.Newf(errdefs.ErrTransport, "blob %s truncated: got %d of %d bytes", b.Digest, written, b.Size)
	}
	if err := s.verifyBlob(path, b.Digest); err != nil {
		return err
	}

	_, err = s.store.Update(id, func(t *task.Task) error {
		if rec := t.Blob(b.Digest); rec != nil {
			rec.State = task.BlobDone
		}
		return nil
	})
	return err
}

// watchBlobActivity cancels the blob context when no read completes within
// the inactivity window. The returned channel is pinged per chunk.
func (s *Scheduler) watchBlobActivity(ctx context.Context, cancel context.CancelCauseFunc) chan<- struct{} {
	activity := make(chan struct{}, 1)
	go func() {
		timer := s.clock.Timer(s.cfg.InactivityTimeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.cfg.InactivityTimeout)
			case <-timer.C:
				cancel(errInactivity)
				return
			}
		}
	}()
	return activity
}

// verifyBlob re-reads the finished file and compares its digest.
func (s *Scheduler) verifyBlob(path string, want digest.Digest) error {
	f, err := s.store.Fs().Open(path)
	if err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	defer xio.CloseAndSkipError(f)
	got, err := want.Algorithm().FromReader(f)
	if err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	if got != want {
		return errdefs.Newf(errdefs.ErrProtocol, "blob digest mismatch: want %s, got %s", want, got)
	}
	return nil
}

// complete verifies every blob settled, stamps the manifest checksum and
// emits the terminal event.
func (s *Scheduler) complete(id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	for _, b := range t.Blobs {
		if b.State != task.BlobDone {
			return errdefs.Newf(errdefs.ErrTransport, "blob %s did not finish", b.Digest)
		}
	}
	content, err := afero.ReadFile(s.store.Fs(), task.ManifestPath(t.TargetDir))
	if err != nil {
		return errdefs.NewE(errdefs.ErrIO, err)
	}
	checksum := digest.FromBytes(content).String()

	snap, err := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StateCompleted
		t.Checksum = checksum
		t.LastError = nil
		t.SpeedBPS = 0
		return nil
	})
	if err != nil {
		return err
	}
	xlog.Infof("task %s completed: %s (%d bytes)", id, snap.Coord, snap.TotalBytes)
	s.bus.Complete(id, snap.TargetDir, checksum)
	return nil
}

func backoffDelay(base time.Duration, retry int) time.Duration {
	d := base << (retry - 1)
	if d <= 0 || d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
