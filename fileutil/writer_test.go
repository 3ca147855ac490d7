package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBufferedWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered")
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	require.NoError(t, err)
	defer fd.Close()
	// A small buffer forces several flushes through the limiter.
	w := NewBufferedWriter(fd, 64, rate.NewLimiter(rate.Limit(1<<20), 64))
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, w.Append(payload[:700]))
	require.NoError(t, w.Append(payload[700:]))
	require.NoError(t, w.Finish())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestDirectWriter(t *testing.T) {
	// tmpfs lacks O_DIRECT support, a plain file takes the same write path.
	path := filepath.Join(t.TempDir(), "direct")
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	require.NoError(t, err)
	defer fd.Close()
	w := NewDirectWriter(fd, directio.BlockSize*2, nil)
	payload := make([]byte, directio.BlockSize+100)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, w.Append(payload))
	require.NoError(t, w.Finish())
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), fi.Size())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}
