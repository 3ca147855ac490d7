package sstable

import (
	"testing"

	"github.com/pingcap/kvengine/dfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBuildAndOpenSSTable(t *testing.T) {
	fs := dfs.NewInMemFS()
	b := NewBuilder(3, 0)
	require.True(t, b.Empty())
	b.Add([]byte("key0001"), []byte("value1"))
	b.Add([]byte("key0005"), []byte("value5"))
	b.Add([]byte("key0009"), []byte("value9"))
	require.False(t, b.Empty())
	result := b.Finish()
	require.EqualValues(t, 3, result.ID)
	require.Equal(t, []byte("key0001"), result.Smallest)
	require.Equal(t, []byte("key0009"), result.Biggest)
	fs.Create(result.ID, result.FileData)

	file, err := fs.Open(3, dfs.Options{})
	require.NoError(t, err)
	tbl, err := OpenSSTable(file)
	require.NoError(t, err)
	require.EqualValues(t, 3, tbl.ID())
	require.EqualValues(t, len(result.FileData), tbl.Size())
	require.Equal(t, []byte("key0001"), tbl.Smallest())
	require.Equal(t, []byte("key0009"), tbl.Biggest())
	require.EqualValues(t, 3, tbl.NumEntries())
}

func TestWriteLocalFile(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(7, 0)
	b.Add([]byte("key0001"), []byte("value1"))
	b.Add([]byte("key0008"), []byte("value8"))
	limiter := rate.NewLimiter(rate.Limit(64<<20), 1<<20)
	require.NoError(t, WriteLocalFile(b.Finish(), dir, limiter))

	fs, err := dfs.NewLocalFS(dir, 16<<20)
	require.NoError(t, err)
	opts := dfs.NewOptions(1, 1)
	require.NoError(t, fs.Prefetch(7, opts))
	file, err := fs.Open(7, opts)
	require.NoError(t, err)
	tbl, err := OpenSSTable(file)
	require.NoError(t, err)
	require.Equal(t, []byte("key0001"), tbl.Smallest())
	require.Equal(t, []byte("key0008"), tbl.Biggest())
	require.EqualValues(t, 2, tbl.NumEntries())
	require.NoError(t, fs.Remove(7, opts))
	require.ErrorIs(t, fs.Prefetch(7, opts), dfs.ErrFileNotFound)
}

func TestOpenL0Table(t *testing.T) {
	fs := dfs.NewInMemFS()
	b := NewBuilder(5, 42)
	b.Add([]byte("key0002"), []byte("value"))
	fs.Create(5, b.Finish().FileData)

	file, err := fs.Open(5, dfs.Options{})
	require.NoError(t, err)
	tbl, err := OpenL0Table(file)
	require.NoError(t, err)
	require.EqualValues(t, 5, tbl.ID())
	require.EqualValues(t, 42, tbl.CommitTS())
	require.EqualValues(t, 1, tbl.NumEntries())
}

func TestOpenBadFile(t *testing.T) {
	fs := dfs.NewInMemFS()
	fs.Create(9, []byte("not a table file at all"))
	file, err := fs.Open(9, dfs.Options{})
	require.NoError(t, err)
	_, err = OpenSSTable(file)
	require.ErrorIs(t, err, ErrBadMagic)
}
