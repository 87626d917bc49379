package stream

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReturnsUpstreamPrefix(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1024)
	s := New(bytes.NewReader(data), 2, 64)

	ctx := context.Background()
	got, err := s.Read(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[:100], got)
}

func TestTwoReadersCanDiverge(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	s := New(bytes.NewReader(data), 2, 64)
	ctx := context.Background()

	got0, err := s.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, got0, 10)

	got1, err := s.Read(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, got0, got1)
}

func TestReadConcatenationEqualsUpstreamPrefix(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 500)
	s := New(bytes.NewReader(data), 1, 64)
	ctx := context.Background()

	var out []byte
	for {
		chunk, err := s.Read(ctx, 0, 37)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	assert.Equal(t, data, out)
}

func TestBufferStaysBoundedUnderBackpressure(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 10_000)
	lookback := int64(100)
	s := New(bytes.NewReader(data), 2, lookback)
	ctx := context.Background()

	// Reader 0 races ahead while reader 1 lags; backpressure must keep
	// reader 0 from getting more than max_threshold bytes ahead, so it
	// should still be well short of the end a moment later.
	go func() {
		for i := 0; i < 50; i++ {
			s.Read(ctx, 0, 64)
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Less(t, s.Position(0), int64(64*50))
	assert.LessOrEqual(t, s.BufferSize(), s.maxThreshold)

	// Once reader 1 catches up, reader 0 is free to make further progress.
	for i := 0; i < 50; i++ {
		if _, err := s.Read(ctx, 1, 64); err != nil {
			break
		}
	}
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, s.BufferSize(), s.maxThreshold)
}

func TestSeekRejectsOffsetBeforeBufferStart(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 1000)
	s := New(bytes.NewReader(data), 1, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Read(ctx, 0, 50)
		require.NoError(t, err)
	}

	err := s.Seek(0, 0)
	assert.ErrorIs(t, err, ErrSeekTooFar)
}

func TestSeekAllowsOffsetWithinBufferedWindow(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 1000)
	s := New(bytes.NewReader(data), 1, 500)
	ctx := context.Background()

	_, err := s.Read(ctx, 0, 100)
	require.NoError(t, err)

	require.NoError(t, s.Seek(0, 50))
	assert.Equal(t, int64(50), s.Position(0))
}

func TestPeekDoesNotAdvancePosition(t *testing.T) {
	data := []byte("hello world")
	s := New(bytes.NewReader(data), 1, 64)
	ctx := context.Background()

	peeked, err := s.Peek(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), peeked)
	assert.Equal(t, int64(0), s.Position(0))

	read, err := s.Read(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), read)
	assert.Equal(t, int64(5), s.Position(0))
}

func TestReadReturnsEOFAtEnd(t *testing.T) {
	s := New(bytes.NewReader([]byte("ab")), 1, 64)
	ctx := context.Background()

	_, err := s.Read(ctx, 0, 2)
	require.NoError(t, err)

	_, err = s.Read(ctx, 0, 2)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderAdapterImplementsIOReader(t *testing.T) {
	data := []byte("the quick brown fox")
	s := New(bytes.NewReader(data), 1, 64)
	r := s.Reader(0)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestConcurrentReadersAreSerializedSafely(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 5000)
	s := New(bytes.NewReader(data), 4, 1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var out []byte
			for {
				chunk, err := s.Read(ctx, idx, 50)
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				out = append(out, chunk...)
			}
			results[idx] = out
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, data, r)
	}
}
