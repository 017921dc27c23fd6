package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/engine/scheduler"
	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/manifest"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
)

// fakeRegistry serves one image over the v2 protocol with optional hooks
// for failure injection.
type fakeRegistry struct {
	manifestBytes  []byte
	manifestDigest digest.Digest
	blobs          map[digest.Digest][]byte

	mu           sync.Mutex
	rangeSupport bool
	manifestHook func(w http.ResponseWriter, r *http.Request) bool
	blobHook     func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool
}

func newFakeRegistry(t *testing.T, layers ...[]byte) *fakeRegistry {
	t.Helper()
	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	m := manifest.Image{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeDockerManifest,
		Config: imgspecv1.Descriptor{
			MediaType: manifest.MediaTypeDockerImageConfig,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
	}
	blobs := map[digest.Digest][]byte{digest.FromBytes(config): config}
	for _, layer := range layers {
		dgst := digest.FromBytes(layer)
		blobs[dgst] = layer
		m.Layers = append(m.Layers, imgspecv1.Descriptor{
			MediaType: manifest.MediaTypeDockerLayerGzip,
			Digest:    dgst,
			Size:      int64(len(layer)),
		})
	}
	content, err := json.Marshal(m)
	require.NoError(t, err)
	return &fakeRegistry{
		manifestBytes:  content,
		manifestDigest: digest.FromBytes(content),
		blobs:          blobs,
		rangeSupport:   true,
	}
}

func (f *fakeRegistry) setHooks(manifestHook func(http.ResponseWriter, *http.Request) bool,
	blobHook func(http.ResponseWriter, *http.Request, digest.Digest) bool) {
	f.mu.Lock()
	f.manifestHook = manifestHook
	f.blobHook = blobHook
	f.mu.Unlock()
}

func (f *fakeRegistry) setRangeSupport(on bool) {
	f.mu.Lock()
	f.rangeSupport = on
	f.mu.Unlock()
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	manifestHook, blobHook, ranged := f.manifestHook, f.blobHook, f.rangeSupport
	f.mu.Unlock()

	switch {
	case strings.Contains(r.URL.Path, "/manifests/"):
		if manifestHook != nil && manifestHook(w, r) {
			return
		}
		w.Header().Set("Content-Type", manifest.MediaTypeDockerManifest)
		w.Header().Set("Docker-Content-Digest", f.manifestDigest.String())
		_, _ = w.Write(f.manifestBytes)
	case strings.Contains(r.URL.Path, "/blobs/"):
		dgst := digest.Digest(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		if blobHook != nil && blobHook(w, r, dgst) {
			return
		}
		content, ok := f.blobs[dgst]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var offset int
		if h := r.Header.Get("Range"); h != "" && ranged {
			_, _ = fmt.Sscanf(h, "bytes=%d-", &offset)
		}
		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(content[offset:])
	default:
		http.NotFound(w, r)
	}
}

type env struct {
	fs    afero.Fs
	store *task.Store
	bus   *progress.Bus
	sched *scheduler.Scheduler
}

func newEnv(t *testing.T, server *httptest.Server, cfg scheduler.Config) *env {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	table := name.NewTable(name.Source{Name: "test", Host: u.Host, Scheme: "http"})
	hub := remote.NewHub(table, nil)
	fs := afero.NewMemMapFs()
	store := task.NewStore(fs, "/downloads")
	bus := progress.NewBus(nil)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	sched := scheduler.New(store, bus, hub, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	return &env{fs: fs, store: store, bus: bus, sched: sched}
}

func (e *env) createTask(t *testing.T, repo, ref string) *task.Task {
	t.Helper()
	coord, err := name.NewCoordinate("test", repo, ref)
	require.NoError(t, err)
	tk := task.New(e.store.Root(), coord, "linux/amd64")
	require.NoError(t, e.store.Create(tk))
	_, err = e.sched.Start(tk.ID)
	require.NoError(t, err)
	return tk
}

func waitState(t *testing.T, store *task.Store, id string, want task.State) *task.Task {
	t.Helper()
	var last *task.Task
	require.Eventually(t, func() bool {
		tk, err := store.Get(id)
		if err != nil {
			return false
		}
		last = tk
		return tk.State == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s, last seen: %+v", want, last)
	return last
}

func assertInvariants(t *testing.T, fs afero.Fs, tk *task.Task) {
	t.Helper()
	var sum int64
	for _, b := range tk.Blobs {
		sum += b.BytesWritten
		if b.State == task.BlobDone {
			size, err := afero.ReadFile(fs, task.BlobPath(tk.TargetDir, b.Digest))
			require.NoError(t, err)
			assert.EqualValues(t, b.Size, len(size))
			assert.Equal(t, b.Digest, digest.FromBytes(size))
		}
	}
	assert.Equal(t, sum, tk.DownloadedBytes)
}

func TestScheduler_HappyPath(t *testing.T) {
	reg := newFakeRegistry(t, []byte(strings.Repeat("a", 1024)), []byte(strings.Repeat("b", 2048)))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	sub := e.bus.Subscribe(64)
	defer sub.Close()

	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateCompleted)

	assert.Equal(t, got.TotalBytes, got.DownloadedBytes)
	assert.Equal(t, reg.manifestDigest.String(), got.Checksum)
	assert.Nil(t, got.LastError)
	assertInvariants(t, e.fs, got)

	for _, p := range []string{task.MetadataPath(got.TargetDir), task.ManifestPath(got.TargetDir), task.ConfigPath(got.TargetDir)} {
		exists, err := afero.Exists(e.fs, p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}

	// the terminal event arrives after the last progress event
	var sawComplete bool
	deadline := time.After(2 * time.Second)
	for !sawComplete {
		select {
		case ev := <-sub.C():
			if ev.Type == progress.EventComplete {
				assert.Equal(t, tk.ID, ev.TaskID)
				assert.Equal(t, got.Checksum, ev.Checksum)
				assert.Equal(t, got.TargetDir, ev.FilePath)
				sawComplete = true
			}
		case <-deadline:
			t.Fatal("no complete event")
		}
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	layer := []byte(strings.Repeat("x", 64*1024))
	reg := newFakeRegistry(t, layer)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	// stream the first 8 KiB of the layer, then stall until the client
	// goes away
	layerDigest := digest.FromBytes(layer)
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		_, _ = w.Write(layer[:8*1024])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	})

	tk := e.createTask(t, "app", "v1")
	require.Eventually(t, func() bool {
		got, err := e.store.Get(tk.ID)
		return err == nil && got.Blob(layerDigest) != nil && got.Blob(layerDigest).BytesWritten > 0
	}, 5*time.Second, 10*time.Millisecond)

	paused, err := e.sched.Pause(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, paused.State)
	pausedBytes := paused.DownloadedBytes
	assert.Positive(t, pausedBytes)
	assertInvariants(t, e.fs, paused)

	// pausing again is a no-op
	_, err = e.sched.Pause(tk.ID)
	require.NoError(t, err)

	// resuming picks up from the saved offset and finishes
	reg.setHooks(nil, nil)
	_, err = e.sched.Resume(tk.ID)
	require.NoError(t, err)
	got := waitState(t, e.store, tk.ID, task.StateCompleted)
	assert.GreaterOrEqual(t, got.DownloadedBytes, pausedBytes)
	assertInvariants(t, e.fs, got)
}

func TestScheduler_ResumeRequiresPaused(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer"))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	tk := e.createTask(t, "app", "v1")
	waitState(t, e.store, tk.ID, task.StateCompleted)

	_, err := e.sched.Resume(tk.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestScheduler_Cancel(t *testing.T) {
	layer := []byte(strings.Repeat("y", 64*1024))
	reg := newFakeRegistry(t, layer)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	layerDigest := digest.FromBytes(layer)
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		_, _ = w.Write(layer[:1024])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	})

	sub := e.bus.Subscribe(64)
	defer sub.Close()

	tk := e.createTask(t, "app", "v1")
	require.Eventually(t, func() bool {
		got, err := e.store.Get(tk.ID)
		return err == nil && got.DownloadedBytes > 0
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.sched.Cancel(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Cancelled", got.LastError.Kind)

	// artifacts are retained until an explicit delete
	exists, err := afero.Exists(e.fs, task.BlobPath(got.TargetDir, layerDigest))
	require.NoError(t, err)
	assert.True(t, exists)

	var sawError bool
	deadline := time.After(2 * time.Second)
	for !sawError {
		select {
		case ev := <-sub.C():
			if ev.Type == progress.EventError {
				require.NotNil(t, ev.Error)
				assert.Equal(t, "Cancelled", ev.Error.Kind)
				sawError = true
			}
		case <-deadline:
			t.Fatal("no error event")
		}
	}

	require.NoError(t, e.sched.Delete(tk.ID))
	_, err = e.store.Get(tk.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestScheduler_TransientRetry(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer-data"))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{MaxRetries: 3})

	var mu sync.Mutex
	failures := 2
	reg.setHooks(func(w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return true
		}
		return false
	}, nil)

	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateCompleted)
	assert.Equal(t, 2, got.Retries)
	assert.Nil(t, got.LastError)
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer-data"))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{MaxRetries: 2})

	reg.setHooks(func(w http.ResponseWriter, r *http.Request) bool {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return true
	}, nil)

	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateFailed)
	assert.Equal(t, 3, got.Retries) // budget of 2 plus the attempt that broke it
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Transport", got.LastError.Kind)

	// retry resets the budget and preserves progress bookkeeping
	reg.setHooks(nil, nil)
	_, err := e.sched.Retry(tk.ID)
	require.NoError(t, err)
	got = waitState(t, e.store, tk.ID, task.StateCompleted)
	assert.Zero(t, got.Retries)
}

func TestScheduler_NotFoundIsFatal(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer"))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	reg.setHooks(func(w http.ResponseWriter, r *http.Request) bool {
		http.NotFound(w, r)
		return true
	}, nil)

	tk := e.createTask(t, "app", "missing")
	got := waitState(t, e.store, tk.ID, task.StateFailed)
	assert.Zero(t, got.Retries)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "NotFound", got.LastError.Kind)
}

func TestScheduler_DigestMismatchIsFatal(t *testing.T) {
	layer := []byte("expected-content")
	reg := newFakeRegistry(t, layer)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	layerDigest := digest.FromBytes(layer)
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		_, _ = w.Write([]byte("corrupted-content"))
		return true
	})

	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateFailed)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "ProtocolViolation", got.LastError.Kind)
}

func TestScheduler_RangeIgnoredRestartsBlob(t *testing.T) {
	layer := []byte(strings.Repeat("z", 32*1024))
	reg := newFakeRegistry(t, layer)
	reg.setRangeSupport(false)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{})

	layerDigest := digest.FromBytes(layer)
	var stalled sync.Once
	stall := make(chan struct{})
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		var first bool
		stalled.Do(func() { first = true })
		if !first {
			return false
		}
		_, _ = w.Write(layer[:4*1024])
		w.(http.Flusher).Flush()
		close(stall)
		<-r.Context().Done()
		return true
	})

	tk := e.createTask(t, "app", "v1")
	<-stall
	require.Eventually(t, func() bool {
		got, err := e.store.Get(tk.ID)
		return err == nil && got.Blob(layerDigest) != nil && got.Blob(layerDigest).BytesWritten > 0
	}, 5*time.Second, 10*time.Millisecond)

	paused, err := e.sched.Pause(tk.ID)
	require.NoError(t, err)
	assert.Positive(t, paused.Blob(layerDigest).BytesWritten)

	// the server answers the resumed range request with a plain 200, so
	// the partial file is discarded and the blob restarts from zero
	_, err = e.sched.Resume(tk.ID)
	require.NoError(t, err)
	got := waitState(t, e.store, tk.ID, task.StateCompleted)
	assertInvariants(t, e.fs, got)

	content, err := afero.ReadFile(e.fs, task.BlobPath(got.TargetDir, layerDigest))
	require.NoError(t, err)
	assert.Equal(t, layer, content)
}

func TestScheduler_TaskConcurrencyBound(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer-data"))
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{MaxTasks: 1})

	release := make(chan struct{})
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		return false
	})

	first := e.createTask(t, "app", "v1")
	waitState(t, e.store, first.ID, task.StateFetching)
	second := e.createTask(t, "app", "v2")

	// with a single task slot the second task stays pending
	time.Sleep(100 * time.Millisecond)
	got, err := e.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, got.State)

	close(release)
	waitState(t, e.store, first.ID, task.StateCompleted)
	waitState(t, e.store, second.ID, task.StateCompleted)
}

func TestScheduler_BlobConcurrencyBound(t *testing.T) {
	layers := make([][]byte, 6)
	layerBytes := make([][]byte, 0, len(layers))
	for i := range layers {
		layerBytes = append(layerBytes, []byte(fmt.Sprintf("layer-%d-%s", i, strings.Repeat("p", 256))))
	}
	reg := newFakeRegistry(t, layerBytes...)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{MaxBlobs: 2})

	var mu sync.Mutex
	inflight, peak := 0, 0
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return false
	})

	tk := e.createTask(t, "app", "v1")
	waitState(t, e.store, tk.ID, task.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Positive(t, peak)
}

func TestScheduler_AuthRefreshOnce(t *testing.T) {
	reg := newFakeRegistry(t, []byte("layer-data"))
	mux := http.NewServeMux()
	var server *httptest.Server

	var mu sync.Mutex
	tokenCalls := 0
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenCalls++
		token := "stale"
		if tokenCalls > 1 {
			token = "fresh"
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "expires_in": 300})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.Header().Set("Www-Authenticate",
				fmt.Sprintf(`Bearer realm=%q,service="registry.test",scope="repository:app:pull"`, server.URL+"/token"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reg.ServeHTTP(w, r)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	e := newEnv(t, server, scheduler.Config{})
	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateCompleted)

	// the stale token triggered exactly one refresh, not a retry
	assert.Zero(t, got.Retries)
	mu.Lock()
	assert.GreaterOrEqual(t, tokenCalls, 2)
	mu.Unlock()
}

func TestScheduler_InactivityTimeout(t *testing.T) {
	layer := []byte(strings.Repeat("q", 4096))
	reg := newFakeRegistry(t, layer)
	server := httptest.NewServer(reg)
	defer server.Close()
	e := newEnv(t, server, scheduler.Config{MaxRetries: 1, InactivityTimeout: 50 * time.Millisecond})

	layerDigest := digest.FromBytes(layer)
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		_, _ = w.Write(layer[:16])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	})

	tk := e.createTask(t, "app", "v1")
	got := waitState(t, e.store, tk.ID, task.StateFailed)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Transport", got.LastError.Kind)
	assert.Contains(t, got.LastError.Message, "stalled")
}

func TestScheduler_ShutdownAndRecover(t *testing.T) {
	layer := []byte(strings.Repeat("r", 64*1024))
	reg := newFakeRegistry(t, layer)
	server := httptest.NewServer(reg)
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	table := name.NewTable(name.Source{Name: "test", Host: u.Host, Scheme: "http"})
	fs := afero.NewMemMapFs()
	store := task.NewStore(fs, "/downloads")
	sched := scheduler.New(store, progress.NewBus(nil), remote.NewHub(table, nil), scheduler.Config{}, nil)

	layerDigest := digest.FromBytes(layer)
	reg.setHooks(nil, func(w http.ResponseWriter, r *http.Request, dgst digest.Digest) bool {
		if dgst != layerDigest {
			return false
		}
		_, _ = w.Write(layer[:2048])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	})

	coord, err := name.NewCoordinate("test", "app", "v1")
	require.NoError(t, err)
	tk := task.New(store.Root(), coord, "linux/amd64")
	require.NoError(t, store.Create(tk))
	_, err = sched.Start(tk.ID)
	require.NoError(t, err)
	waitState(t, store, tk.ID, task.StateFetching)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Shutdown(ctx))

	// a fresh process over the same root resumes the interrupted task
	reg.setHooks(nil, nil)
	store2 := task.NewStore(fs, "/downloads")
	sched2 := scheduler.New(store2, progress.NewBus(nil), remote.NewHub(table, nil), scheduler.Config{ResumeOnRestart: true}, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched2.Shutdown(ctx)
	}()

	restored, err := sched2.Recover()
	require.NoError(t, err)
	require.Len(t, restored, 1)

	got := waitState(t, store2, tk.ID, task.StateCompleted)
	assertInvariants(t, fs, got)
	content, err := afero.ReadFile(fs, task.BlobPath(got.TargetDir, layerDigest))
	require.NoError(t, err)
	assert.Equal(t, layer, content)
}
