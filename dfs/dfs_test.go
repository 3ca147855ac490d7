package dfs

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestBatchSchedule(t *testing.T) {
	s := NewScheduler(4)
	var cnt int32
	batch := NewBatchTasks()
	for i := 0; i < 100; i++ {
		batch.AppendTask(func() error {
			atomic.AddInt32(&cnt, 1)
			return nil
		})
	}
	require.NoError(t, s.BatchSchedule(batch))
	require.EqualValues(t, 100, cnt)
}

func TestBatchScheduleFailFast(t *testing.T) {
	s := NewScheduler(2)
	errBoom := errors.New("boom")
	batch := NewBatchTasks()
	for i := 0; i < 10; i++ {
		i := i
		batch.AppendTask(func() error {
			if i == 3 {
				return errBoom
			}
			return nil
		})
	}
	require.ErrorIs(t, s.BatchSchedule(batch), errBoom)
}

func TestInMemFS(t *testing.T) {
	fs := NewInMemFS()
	fs.Create(1, []byte("hello"))
	require.NoError(t, fs.Prefetch(1, Options{}))
	file, err := fs.Open(1, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, file.ID())
	require.EqualValues(t, 5, file.Size())
	buf := make([]byte, 3)
	_, err = file.ReadAt(buf, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("llo"), buf)

	require.NoError(t, fs.Remove(1, Options{}))
	_, err = fs.Open(1, Options{})
	require.ErrorIs(t, err, ErrFileNotFound)
	require.ErrorIs(t, fs.Prefetch(2, Options{}), ErrFileNotFound)
}

func TestLocalFS(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir, 32*1024*1024)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(Filename(7, dir), []byte("table data"), 0666))

	require.ErrorIs(t, fs.Prefetch(8, Options{}), ErrFileNotFound)
	require.NoError(t, fs.Prefetch(7, Options{}))
	file, err := fs.Open(7, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 10, file.Size())

	require.NoError(t, fs.Remove(7, Options{}))
	_, err = os.Stat(Filename(7, dir))
	require.True(t, os.IsNotExist(err))
}
