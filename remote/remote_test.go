package remote

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

func testBundle() *Bundle {
	return &Bundle{
		Segments: []segment.Segment{
			{Level: segment.FlatLevel, Low: 0, High: 9, HasRoot: true},
			{Level: segment.FlatLevel, Low: 10, High: 12, Parents: []core.Id{9, 3}},
			{Level: 1, Low: 0, High: 12, HasRoot: true},
		},
		Names: []NamePair{
			{Id: 0, Name: "a1b2"},
			{Id: 12, Name: core.NameFromBytes([]byte{0xde, 0xad, 0xbe, 0xef})},
		},
	}
}

func TestBundleCodecRoundTrip(t *testing.T) {
	want := testBundle()

	for _, compression := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		data, err := EncodeBundle(want, compression)
		require.NoError(t, err)

		got, err := DecodeBundle(data)
		require.NoError(t, err)
		assert.Equal(t, want.Segments, got.Segments, "compression %d", compression)
		assert.Equal(t, want.Names, got.Names, "compression %d", compression)
	}
}

func TestBundleCodecCompresses(t *testing.T) {
	b := &Bundle{}
	for i := 0; i < 200; i++ {
		b.Segments = append(b.Segments, segment.Segment{
			Level: segment.FlatLevel,
			Low:   core.Id(i * 10),
			High:  core.Id(i*10 + 9),
		})
	}

	raw, err := EncodeBundle(b, CompressionNone)
	require.NoError(t, err)
	packed, err := EncodeBundle(b, CompressionZSTD)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(raw))
}

func TestBundleCodecRejectsGarbage(t *testing.T) {
	_, err := DecodeBundle(nil)
	assert.Error(t, err)
	_, err = DecodeBundle([]byte("XXXX...."))
	assert.Error(t, err)

	data, err := EncodeBundle(testBundle(), CompressionNone)
	require.NoError(t, err)
	_, err = DecodeBundle(data[:len(data)-1])
	assert.Error(t, err)
	_, err = DecodeBundle(bytes.Replace(data, bundleMagic[:], []byte("SDB9"), 1))
	assert.Error(t, err)
}

func TestRequestKeyCanonical(t *testing.T) {
	a := Request{
		Spans: []spanset.Span{{Low: 0, High: 5}, {Low: 9, High: 9}},
		Names: []core.VertexName{"bb", "aa"},
	}
	b := Request{
		Spans: []spanset.Span{{Low: 9, High: 9}, {Low: 0, High: 5}},
		Names: []core.VertexName{"aa", "bb"},
	}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Request{Names: []core.VertexName{"aa"}}.Key())
	assert.True(t, Request{}.IsEmpty())
	assert.False(t, a.IsEmpty())
}

func TestCoordinatorCoalesces(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	rem := RemoteFunc(func(ctx context.Context, req Request) (*Bundle, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return testBundle(), nil
	})

	var applied atomic.Int64
	c := NewCoordinator(rem, func(b *Bundle) error {
		applied.Add(1)
		return nil
	})

	req := Request{Spans: []spanset.Span{{Low: 0, High: 12}}}
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Fetch(context.Background(), req)
		}(i)
	}

	<-started
	time.Sleep(100 * time.Millisecond) // let the rest pile onto the same key
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), applied.Load())
}

func TestCoordinatorRetriesOnce(t *testing.T) {
	var calls atomic.Int64
	rem := RemoteFunc(func(ctx context.Context, req Request) (*Bundle, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return testBundle(), nil
	})

	c := NewCoordinator(rem, func(b *Bundle) error { return nil })
	err := c.Fetch(context.Background(), Request{Names: []core.VertexName{"aa"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCoordinatorGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int64
	rem := RemoteFunc(func(ctx context.Context, req Request) (*Bundle, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})

	c := NewCoordinator(rem, func(b *Bundle) error { return nil })
	err := c.Fetch(context.Background(), Request{Names: []core.VertexName{"aa"}})
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCoordinatorNotFoundNoRetry(t *testing.T) {
	var calls atomic.Int64
	rem := RemoteFunc(func(ctx context.Context, req Request) (*Bundle, error) {
		calls.Add(1)
		return nil, ErrNotFound
	})

	c := NewCoordinator(rem, func(b *Bundle) error { return nil })
	err := c.Fetch(context.Background(), Request{Names: []core.VertexName{"aa"}})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCoordinatorCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	rem := RemoteFunc(func(ctx context.Context, req Request) (*Bundle, error) {
		<-release
		return testBundle(), nil
	})

	applied := make(chan struct{})
	c := NewCoordinator(rem, func(b *Bundle) error {
		close(applied)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(ctx, Request{Names: []core.VertexName{"aa"}})
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The shared fetch keeps going and still applies its result.
	close(release)
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("shared fetch did not complete after caller cancellation")
	}
}

func TestCoordinatorEmptyAndUnconfigured(t *testing.T) {
	c := NewCoordinator(nil, func(b *Bundle) error { return nil })

	require.NoError(t, c.Fetch(context.Background(), Request{}))
	assert.ErrorIs(t, c.Fetch(context.Background(), Request{Names: []core.VertexName{"aa"}}),
		ErrRemoteUnavailable)
}

func TestMemoryRemote(t *testing.T) {
	m := NewMemoryRemote()
	m.AddSegment(segment.Segment{Level: segment.FlatLevel, Low: 0, High: 4, HasRoot: true})
	m.AddSegment(segment.Segment{Level: segment.FlatLevel, Low: 5, High: 5, Parents: []core.Id{2}})
	m.AddName(2, "c3")
	m.AddName(5, "f6")

	b, err := m.Fetch(context.Background(), Request{Names: []core.VertexName{"f6"}})
	require.NoError(t, err)
	assert.Len(t, b.Segments, 2)
	assert.Contains(t, b.Names, NamePair{Id: 5, Name: "f6"})
	assert.Contains(t, b.Names, NamePair{Id: 2, Name: "c3"})

	b, err = m.Fetch(context.Background(), Request{Spans: []spanset.Span{{Low: 0, High: 4}}})
	require.NoError(t, err)
	assert.Len(t, b.Segments, 1)

	_, err = m.Fetch(context.Background(), Request{Names: []core.VertexName{"ffff"}})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(3), m.Fetches())
}
