// Package sstable provides immutable handles to sorted table files. The
// engine core never reads table data, it only needs the key range, the
// size and, for level-0 tables, the commit-ts, all of which are decoded
// from the file footer on open.
package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvengine/dfs"
)

const (
	magicNumber = 0x2f90b7a3
	footerSize  = 12
)

var (
	// ErrBadMagic means the file is not a table file or is truncated.
	ErrBadMagic = errors.New("sstable: bad magic number")
	// ErrKeyRange means the decoded key range is inverted.
	ErrKeyRange = errors.New("sstable: invalid key range")
)

type tableProps struct {
	commitTS   uint64
	numEntries uint32
	smallest   []byte
	biggest    []byte
}

// SSTable is a leveled table handle. It is immutable and cheap to share
// between snapshots.
type SSTable struct {
	file       dfs.File
	smallest   []byte
	biggest    []byte
	numEntries uint32
}

// OpenSSTable decodes the footer of an opened file into a table handle.
func OpenSSTable(file dfs.File) (*SSTable, error) {
	props, err := readProps(file)
	if err != nil {
		return nil, err
	}
	return &SSTable{
		file:       file,
		smallest:   props.smallest,
		biggest:    props.biggest,
		numEntries: props.numEntries,
	}, nil
}

func (t *SSTable) ID() uint64 {
	return t.file.ID()
}

func (t *SSTable) Size() int64 {
	return t.file.Size()
}

func (t *SSTable) Smallest() []byte {
	return t.smallest
}

func (t *SSTable) Biggest() []byte {
	return t.biggest
}

// NumEntries is the number of entries in the table, used by compaction
// priority estimation.
func (t *SSTable) NumEntries() uint32 {
	return t.numEntries
}

// L0Table is a table flushed directly from a write buffer. Unlike leveled
// tables, L0 tables may overlap each other, their order is the flush
// order given by the commit-ts.
type L0Table struct {
	file       dfs.File
	commitTS   uint64
	smallest   []byte
	biggest    []byte
	numEntries uint32
}

func OpenL0Table(file dfs.File) (*L0Table, error) {
	props, err := readProps(file)
	if err != nil {
		return nil, err
	}
	return &L0Table{
		file:       file,
		commitTS:   props.commitTS,
		smallest:   props.smallest,
		biggest:    props.biggest,
		numEntries: props.numEntries,
	}, nil
}

func (t *L0Table) ID() uint64 {
	return t.file.ID()
}

func (t *L0Table) Size() int64 {
	return t.file.Size()
}

func (t *L0Table) CommitTS() uint64 {
	return t.commitTS
}

func (t *L0Table) NumEntries() uint32 {
	return t.numEntries
}

func readProps(file dfs.File) (*tableProps, error) {
	size := file.Size()
	if size < footerSize {
		return nil, errors.AddStack(ErrBadMagic)
	}
	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, size-footerSize); err != nil {
		return nil, errors.AddStack(err)
	}
	if binary.LittleEndian.Uint32(footer[8:]) != magicNumber {
		return nil, errors.AddStack(ErrBadMagic)
	}
	propsOff := int64(binary.LittleEndian.Uint32(footer))
	propsLen := int64(binary.LittleEndian.Uint32(footer[4:]))
	if propsOff+propsLen > size-footerSize {
		return nil, errors.AddStack(ErrBadMagic)
	}
	compressed := make([]byte, propsLen)
	if _, err := file.ReadAt(compressed, propsOff); err != nil {
		return nil, errors.AddStack(err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.AddStack(err)
	}
	props, err := decodeProps(data)
	if err != nil {
		return nil, err
	}
	if bytes.Compare(props.smallest, props.biggest) > 0 {
		return nil, errors.AddStack(ErrKeyRange)
	}
	return props, nil
}

func decodeProps(data []byte) (*tableProps, error) {
	if len(data) < 14 {
		return nil, errors.AddStack(ErrBadMagic)
	}
	props := &tableProps{}
	props.commitTS = binary.LittleEndian.Uint64(data)
	props.numEntries = binary.LittleEndian.Uint32(data[8:])
	data = data[12:]
	smallestLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < smallestLen+2 {
		return nil, errors.AddStack(ErrBadMagic)
	}
	props.smallest = data[:smallestLen]
	data = data[smallestLen:]
	biggestLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < biggestLen {
		return nil, errors.AddStack(ErrBadMagic)
	}
	props.biggest = data[:biggestLen]
	return props, nil
}
