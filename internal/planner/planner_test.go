package planner

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/transport"
	"github.com/objectfs/mediacache/pkg/errors"
)

// scriptedTransport answers probes with fixed results
type scriptedTransport struct {
	headSize  int64
	headErr   error
	rangeSize int64
	rangeErr  error

	headCalls  atomic.Int32
	rangeCalls atomic.Int32
	delay      time.Duration
}

func (s *scriptedTransport) ProbeLength(ctx context.Context, id string) (int64, error) {
	s.headCalls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.headSize, s.headErr
}

func (s *scriptedTransport) ProbeRange(ctx context.Context, id string, n int64) (int64, error) {
	s.rangeCalls.Add(1)
	return s.rangeSize, s.rangeErr
}

func (s *scriptedTransport) FetchRange(ctx context.Context, id string, start, end int64) ([]byte, error) {
	return make([]byte, end-start+1), nil
}

var errProbe = errors.New(errors.ErrCodeProbeFailed, "probe refused")

func TestChunkSizeForNetworkClass(t *testing.T) {
	assert.Equal(t, int64(200*1024), ChunkSizeForNetworkClass(netclass.Normalize("2g")))
	assert.Equal(t, int64(400*1024), ChunkSizeForNetworkClass(netclass.Normalize("wifi")))
	assert.Equal(t, int64(300*1024), ChunkSizeForNetworkClass(netclass.Default))
	assert.Equal(t, int64(250*1024), ChunkSizeForNetworkClass(netclass.Reduced))
	assert.Equal(t, int64(300*1024), ChunkSizeForNetworkClass(netclass.Class("carrier-pigeon")))

	for _, c := range []netclass.Class{netclass.HighBandwidth, netclass.Default, netclass.Reduced, netclass.LowBandwidth} {
		size := ChunkSizeForNetworkClass(c)
		assert.GreaterOrEqual(t, size, int64(MinChunkSize))
		assert.LessOrEqual(t, size, int64(MaxChunkSize))
	}
}

func TestAnalyze_LengthProbe(t *testing.T) {
	tr := &scriptedTransport{headSize: 9_000_000}
	p := New(tr, DefaultConfig(), nil)

	d, err := p.Analyze(context.Background(), "ep1", 600)
	require.NoError(t, err)

	assert.Equal(t, int64(9_000_000), d.Size)
	assert.Equal(t, SizeFromHead, d.SizeSource)
	assert.Equal(t, 600.0, d.Duration)
	assert.True(t, d.DurationKnown)
	assert.Equal(t, int64(300*1024), d.ChunkSize)
	assert.Equal(t, int(math.Ceil(9_000_000/float64(300*1024))), d.ChunkCount)
	assert.Equal(t, int32(0), tr.rangeCalls.Load(), "ranged probe must not run after a successful length probe")
}

func TestAnalyze_RangedProbeOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") != "bytes=0-1023" {
			t.Errorf("unexpected range header %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 0-1023/5242880")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	p := New(transport.NewHTTP(transport.HTTPConfig{}, nil), DefaultConfig(), nil)
	d, err := p.Analyze(context.Background(), srv.URL+"/ep.mp3", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(5242880), d.Size)
	assert.Equal(t, SizeFromRange, d.SizeSource)
	assert.False(t, d.DurationKnown)
	assert.InDelta(t, 5242880/float64(DefaultConfig().AssumedBytesPerSecond), d.Duration, 0.001)
}

func TestAnalyze_EstimateFallback(t *testing.T) {
	tr := &scriptedTransport{headErr: errProbe, rangeErr: errProbe}
	p := New(tr, DefaultConfig(), nil)
	bps := DefaultConfig().AssumedBytesPerSecond

	d, err := p.Analyze(context.Background(), "known-duration", 600)
	require.NoError(t, err)
	assert.Equal(t, SizeFromEstimate, d.SizeSource)
	assert.Equal(t, 600*bps, d.Size)

	d, err = p.Analyze(context.Background(), "unknown-duration", math.NaN())
	require.NoError(t, err)
	assert.Equal(t, int64(AssumedSize), d.Size)
	assert.InDelta(t, float64(AssumedDurationSeconds), d.Duration, 1)
	assert.False(t, d.DurationKnown)
}

func TestAnalyze_ZeroSizeProbeFallsThrough(t *testing.T) {
	tr := &scriptedTransport{headSize: 0, rangeSize: 4096}
	p := New(tr, DefaultConfig(), nil)

	d, err := p.Analyze(context.Background(), "tiny", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), d.Size)
	assert.Equal(t, SizeFromRange, d.SizeSource)
	assert.Equal(t, 1, d.ChunkCount)
}

func TestAnalyze_AllStepsFail(t *testing.T) {
	tr := &scriptedTransport{headErr: errProbe, rangeErr: errProbe}
	cfg := DefaultConfig()
	cfg.EstimateEnabled = false
	p := New(tr, cfg, nil)

	_, err := p.Analyze(context.Background(), "ep1", 600)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSizeUnknown))
	assert.True(t, errors.HasCode(err, errors.ErrCodeProbeFailed), "probe failures should be wrapped")

	_, ok := p.Lookup("ep1")
	assert.False(t, ok, "failed analysis must not be cached")
}

func TestAnalyze_CancelledContextIsNotEstimated(t *testing.T) {
	tr := &scriptedTransport{headErr: context.Canceled, rangeErr: context.Canceled}
	p := New(tr, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Analyze(ctx, "ep1", 600)
	require.Error(t, err)
	assert.Empty(t, p.Descriptors())
}

func TestAnalyze_CachedAndShared(t *testing.T) {
	tr := &scriptedTransport{headSize: 1_000_000, delay: 20 * time.Millisecond}
	p := New(tr, DefaultConfig(), nil)

	var wg sync.WaitGroup
	results := make([]*Descriptor, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := p.Analyze(context.Background(), "shared", 60)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), tr.headCalls.Load())
	for _, d := range results {
		assert.Same(t, results[0], d)
	}

	// later calls hit the table
	_, err := p.Analyze(context.Background(), "shared", 60)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tr.headCalls.Load())
}

func TestNetworkClassChangeIsNotRetroactive(t *testing.T) {
	tr := &scriptedTransport{headSize: 5_000_000}
	p := New(tr, DefaultConfig(), nil)
	src := netclass.NewStaticSource(netclass.Normalize("wifi"))
	cancel := p.WatchNetworkClass(src)
	defer cancel()

	before, err := p.Analyze(context.Background(), "a", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(400*1024), before.ChunkSize)

	src.Set(netclass.Normalize("2g"))
	assert.Equal(t, netclass.LowBandwidth, p.NetworkClass())

	after, err := p.Analyze(context.Background(), "b", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(200*1024), after.ChunkSize)

	again, _ := p.Lookup("a")
	assert.Equal(t, int64(400*1024), again.ChunkSize)
}

func TestPurgeOlderThan(t *testing.T) {
	tr := &scriptedTransport{headSize: 1_000_000}
	p := New(tr, DefaultConfig(), nil)

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	_, _ = p.Analyze(context.Background(), "old", 60)
	clock = clock.Add(2 * time.Hour)
	_, _ = p.Analyze(context.Background(), "fresh", 60)

	assert.Equal(t, 1, p.PurgeOlderThan(time.Hour))
	_, ok := p.Lookup("old")
	assert.False(t, ok)
	_, ok = p.Lookup("fresh")
	assert.True(t, ok)

	// a purged resource is analyzed again on demand
	_, err := p.Analyze(context.Background(), "old", 60)
	require.NoError(t, err)
	assert.Equal(t, int32(3), tr.headCalls.Load())

	assert.True(t, p.Forget("old"))
	assert.False(t, p.Forget("old"))
	assert.Len(t, p.Descriptors(), 1)
}

func testDescriptor() *Descriptor {
	// 1,000,000 bytes over 100 s in 300 KiB chunks: 4 chunks, the last one short
	return newDescriptor("d", 1_000_000, 100, true, 300*1024, SizeFromHead, netclass.Default, time.Now())
}

func TestChunkIndexForTime(t *testing.T) {
	d := testDescriptor()
	require.Equal(t, 4, d.ChunkCount)

	tests := []struct {
		t    float64
		want int
	}{
		{0, 0},
		{-5, 0},
		{math.NaN(), 0},
		{30, 0},  // 300,000 bytes
		{31, 1},  // 310,000 bytes
		{62, 2},  // 620,000 bytes
		{99, 3},  // 990,000 bytes
		{100, 3}, // end clamps to last chunk
		{1e9, 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, d.ChunkIndexForTime(tt.t), "t=%v", tt.t)
	}
}

func TestChunkIndexForTimeIsMonotonic(t *testing.T) {
	d := newDescriptor("d", 73_456_789, 3725.5, true, 250*1024, SizeFromHead, netclass.Reduced, time.Now())

	prev := d.ChunkIndexForTime(0)
	for ts := 0.0; ts <= d.Duration+10; ts += 0.37 {
		idx := d.ChunkIndexForTime(ts)
		require.GreaterOrEqual(t, idx, prev, "t=%v", ts)
		require.Less(t, idx, d.ChunkCount)
		prev = idx
	}
}

func TestByteRange(t *testing.T) {
	d := testDescriptor()

	r := d.ByteRange(0)
	assert.Equal(t, int64(0), r.Start)
	assert.Equal(t, int64(307199), r.End)

	r = d.ByteRange(1)
	assert.Equal(t, int64(307200), r.Start)
	assert.Equal(t, int64(614399), r.End)

	r = d.ByteRange(3)
	assert.Equal(t, int64(921600), r.Start)
	assert.Equal(t, int64(999999), r.End)

	assert.Equal(t, d.ByteRange(3), d.ByteRange(99), "index clamps to the last chunk")

	var total int64
	for i := 0; i < d.ChunkCount; i++ {
		total += d.ByteRange(i).Len()
	}
	assert.Equal(t, d.Size, total, "chunks tile the resource exactly")
}

func TestPrefetchWindow(t *testing.T) {
	d := newDescriptor("d", 10*300*1024, 100, true, 300*1024, SizeFromHead, netclass.Default, time.Now())
	require.Equal(t, 10, d.ChunkCount)

	assert.Equal(t, []int{0, 1, 2, 3}, d.PrefetchWindow(0, 3), "no rewind chunk at the start")
	assert.Equal(t, []int{5, 4, 6, 7, 8}, d.PrefetchWindow(55, 3))
	assert.Equal(t, []int{8, 7, 9}, d.PrefetchWindow(85, 3), "forward chunks stop at the end")
	assert.Equal(t, []int{9, 8}, d.PrefetchWindow(1000, 3))
	assert.Equal(t, []int{5, 4}, d.PrefetchWindow(55, 0))
	assert.Equal(t, []int{5, 4}, d.PrefetchWindow(55, -10), "negative radius means no forward chunks")
}
