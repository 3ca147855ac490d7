package sstable

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/golang/snappy"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvengine/dfs"
	"github.com/pingcap/kvengine/fileutil"
	"golang.org/x/time/rate"
)

// Builder produces a table file. Keys must be added in ascending order.
type Builder struct {
	id         uint64
	commitTS   uint64
	dataBuf    []byte
	smallest   []byte
	biggest    []byte
	numEntries uint32
}

// NewBuilder creates a builder for a leveled table. For level-0 tables
// pass the commit-ts of the flushed write buffer, otherwise zero.
func NewBuilder(id, commitTS uint64) *Builder {
	return &Builder{id: id, commitTS: commitTS}
}

func (b *Builder) Add(key, value []byte) {
	if b.numEntries == 0 {
		b.smallest = append(b.smallest[:0], key...)
	}
	b.biggest = append(b.biggest[:0], key...)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	binary.LittleEndian.PutUint32(lenBuf[4:], uint32(len(value)))
	b.dataBuf = append(b.dataBuf, lenBuf[:]...)
	b.dataBuf = append(b.dataBuf, key...)
	b.dataBuf = append(b.dataBuf, value...)
	b.numEntries++
}

func (b *Builder) Empty() bool {
	return b.numEntries == 0
}

// BuildResult is a finished table file not yet handed to a store.
type BuildResult struct {
	ID       uint64
	FileData []byte
	Smallest []byte
	Biggest  []byte
}

func (b *Builder) Finish() *BuildResult {
	dataBlock := snappy.Encode(nil, b.dataBuf)
	props := b.encodeProps()
	fileData := make([]byte, 0, len(dataBlock)+len(props)+footerSize)
	fileData = append(fileData, dataBlock...)
	propsOff := len(fileData)
	fileData = append(fileData, props...)
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], uint32(propsOff))
	binary.LittleEndian.PutUint32(footer[4:], uint32(len(props)))
	binary.LittleEndian.PutUint32(footer[8:], magicNumber)
	fileData = append(fileData, footer[:]...)
	return &BuildResult{
		ID:       b.id,
		FileData: fileData,
		Smallest: b.smallest,
		Biggest:  b.biggest,
	}
}

func (b *Builder) encodeProps() []byte {
	buf := bytes.Buffer{}
	var numBuf [12]byte
	binary.LittleEndian.PutUint64(numBuf[:], b.commitTS)
	binary.LittleEndian.PutUint32(numBuf[8:], b.numEntries)
	buf.Write(numBuf[:])
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.smallest)))
	buf.Write(lenBuf[:])
	buf.Write(b.smallest)
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b.biggest)))
	buf.Write(lenBuf[:])
	buf.Write(b.biggest)
	return snappy.Encode(nil, buf.Bytes())
}

// WriteLocalFile persists a build result into a LocalFS directory.
// If the limiter is nil the write speed is not limited.
func WriteLocalFile(result *BuildResult, dir string, limiter *rate.Limiter) error {
	fd, err := os.OpenFile(dfs.Filename(result.ID, dir), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return errors.AddStack(err)
	}
	defer fd.Close()
	writer := fileutil.NewBufferedWriter(fd, 1024*1024, limiter)
	if err = writer.Append(result.FileData); err != nil {
		return errors.AddStack(err)
	}
	return errors.AddStack(writer.Finish())
}
