package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mediacache/internal/config"
	"github.com/objectfs/mediacache/internal/metrics"
	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/transport"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/memmon"
)

const (
	mediaSize = 3 * 1024 * 1024
	chunk     = 300 * 1024
	duration  = 300.0
)

func mediaServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()

	content := make([]byte, mediaSize)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, content
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()

	if opts.Config == nil {
		opts.Config = config.NewDefault()
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewHTTP(transport.HTTPConfig{}, nil)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Cache.Budget = "lots"

	_, err := New(Options{Config: cfg, Transport: transport.NewHTTP(transport.HTTPConfig{}, nil)})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestSession_PrefetchAndRead(t *testing.T) {
	srv, content := mediaServer(t)
	s := newSession(t, Options{})
	id := srv.URL + "/episode.mp3"

	_, err := uuid.Parse(s.ID())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), id, duration))

	require.Eventually(t, func() bool { return s.ChunkReady(0) }, 5*time.Second, 10*time.Millisecond)

	data, err := s.ReadChunk(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, content[:chunk], data)

	stats := s.Stats()
	assert.Equal(t, s.ID(), stats.ID)
	require.NotNil(t, stats.Resource)
	assert.Equal(t, int64(mediaSize), stats.Resource.Size)
	assert.Equal(t, planner.SizeFromHead, stats.Resource.SizeSource)
	assert.Equal(t, netclass.Default, stats.NetworkClass)
	assert.NotZero(t, stats.Scheduler.SuccessFetches)
}

func TestSession_ReadChunkOnDemand(t *testing.T) {
	srv, content := mediaServer(t)
	s := newSession(t, Options{})
	id := srv.URL + "/episode.mp3"

	// not started: nothing is prefetched
	require.NoError(t, s.Open(context.Background(), id, duration))
	assert.False(t, s.ChunkReady(0))

	data, err := s.ReadChunk(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, content[9*chunk:10*chunk], data)

	// chunk 9 covers 9*chunk/mediaSize of the duration
	assert.True(t, s.ChunkReady(duration*float64(9*chunk)/mediaSize+0.1))

	// the final, short chunk is served by clamping
	last, err := s.ReadChunk(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, content[10*chunk:], last)
}

func TestSession_ReadChunkSharedFetchOutlivesCaller(t *testing.T) {
	content := make([]byte, mediaSize)
	gated := fmt.Sprintf("bytes=%d-", 4*chunk)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Range"), gated) {
			entered <- struct{}{}
			<-release
		}
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	s := newSession(t, Options{})
	require.NoError(t, s.Open(context.Background(), srv.URL+"/episode.mp3", duration))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.ReadChunk(first, 4)
		firstErr <- err
	}()
	<-entered

	type result struct {
		data []byte
		err  error
	}
	second := make(chan result, 1)
	go func() {
		data, err := s.ReadChunk(context.Background(), 4)
		second <- result{data, err}
	}()

	// the first reader gives up while the origin is still answering
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Len(t, got.data, chunk)
	assert.True(t, s.ChunkReady(duration*float64(4*chunk)/mediaSize+0.1))
}

func TestSession_ReadChunkWithoutResource(t *testing.T) {
	s := newSession(t, Options{})

	_, err := s.ReadChunk(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))
	assert.False(t, s.ChunkReady(0))

	err = s.Progress(10)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))
}

func TestSession_NetworkClassChange(t *testing.T) {
	srv, _ := mediaServer(t)
	s := newSession(t, Options{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Open(context.Background(), srv.URL+"/a.mp3", duration))

	class, err := s.SetNetworkClass("2g")
	require.NoError(t, err)
	assert.Equal(t, netclass.LowBandwidth, class)

	require.NoError(t, s.Switch(context.Background(), srv.URL+"/b.mp3", duration))

	descs := s.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, int64(300*1024), descs[0].ChunkSize, "existing descriptors keep their chunk size")
	assert.Equal(t, int64(200*1024), descs[1].ChunkSize)
}

type readOnlySource struct{}

func (readOnlySource) Current() netclass.Class             { return netclass.HighBandwidth }
func (readOnlySource) OnChange(func(netclass.Class)) func() { return func() {} }

func TestSession_ReadOnlyNetworkSource(t *testing.T) {
	s := newSession(t, Options{Network: readOnlySource{}})
	require.NoError(t, s.Start(context.Background()))

	_, err := s.SetNetworkClass("3g")
	assert.Error(t, err)
	assert.Equal(t, netclass.HighBandwidth, s.Stats().NetworkClass)
}

func TestSession_PressureSignal(t *testing.T) {
	srv, _ := mediaServer(t)

	var heap uint64
	monitor := memmon.NewPressureMonitor(memmon.MonitorConfig{
		SoftLimit: 100,
		ReadHeap:  func() uint64 { return heap },
	})
	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	cfg := config.NewDefault()
	cfg.Scheduler.ForwardRadius = 5
	s := newSession(t, Options{Config: cfg, Memory: monitor, Metrics: collector})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), srv.URL+"/episode.mp3", duration))

	require.Eventually(t, func() bool {
		return s.Stats().Scheduler.SuccessFetches == 6
	}, 5*time.Second, 10*time.Millisecond)
	before := s.Stats().Cache.Size
	require.Equal(t, int64(6*chunk), before)

	// 96% of the soft limit is level 5: 80% of usage is released
	heap = 96
	monitor.Sample()

	after := s.Stats().Cache.Size
	assert.LessOrEqual(t, after, before/5)
	assert.Equal(t, uint64(1), s.Stats().Memory.Signals[5])

	// a direct signal reaches the cache through the monitor
	s.Signal(1)
	assert.Equal(t, uint64(1), s.Stats().Memory.Signals[1])

	assert.NotEmpty(t, collector.Summaries())
}

func TestSession_SignalWithoutMonitor(t *testing.T) {
	srv, _ := mediaServer(t)
	s := newSession(t, Options{})
	require.NoError(t, s.Open(context.Background(), srv.URL+"/episode.mp3", duration))

	for i := 0; i < 4; i++ {
		_, err := s.ReadChunk(context.Background(), i)
		require.NoError(t, err)
	}
	require.Equal(t, int64(4*chunk), s.Stats().Cache.Size)

	s.Signal(4) // 50%
	assert.Equal(t, int64(2*chunk), s.Stats().Cache.Size)
	assert.Nil(t, s.Stats().Memory)
}

func TestSession_Close(t *testing.T) {
	srv, _ := mediaServer(t)
	s := newSession(t, Options{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), srv.URL+"/episode.mp3", duration))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, errors.HasCode(s.Progress(1), errors.ErrCodeClosed))
	assert.True(t, errors.HasCode(s.Open(context.Background(), "x", 1), errors.ErrCodeClosed))
	assert.True(t, errors.HasCode(s.Start(context.Background()), errors.ErrCodeClosed))
	_, err := s.ReadChunk(context.Background(), 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeClosed))
	assert.True(t, errors.HasCode(s.Healthy(), errors.ErrCodeClosed))
}
