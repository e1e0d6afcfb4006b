// Package sidecar implements the on-disk `<path>.cinfo` companion file:
// a header of bit-vectors (fetched/writeCalled/prefetch) followed by an
// append-only log of IOStat records, per spec.md §6.
package sidecar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	magic         uint32 = 0x63696e66 // "cinf"
	headerVersion uint32 = 1

	// ioStatRecordSize is the encoded size of one IOStat record.
	ioStatRecordSize = 8 + 8 + 8 + 8
)

// Header is the bit-vector state persisted at the start of the side-car file.
type Header struct {
	BufferSize  uint32
	BlockCount  uint32
	Fetched     *BitSet
	WriteCalled *BitSet
	Prefetch    *BitSet // nil if prefetch tracking is disabled
}

// NewHeader creates a fresh Header sized for blockCount blocks.
func NewHeader(bufferSize, blockCount uint32, trackPrefetch bool) *Header {
	h := &Header{
		BufferSize:  bufferSize,
		BlockCount:  blockCount,
		Fetched:     NewBitSet(blockCount),
		WriteCalled: NewBitSet(blockCount),
	}
	if trackPrefetch {
		h.Prefetch = NewBitSet(blockCount)
	}
	return h
}

// Encode serializes the header to a self-delimiting byte slice.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer

	hasPrefetch := uint32(0)
	if h.Prefetch != nil {
		hasPrefetch = 1
	}

	binary.Write(&buf, binary.LittleEndian, magic)
	binary.Write(&buf, binary.LittleEndian, headerVersion)
	binary.Write(&buf, binary.LittleEndian, h.BufferSize)
	binary.Write(&buf, binary.LittleEndian, h.BlockCount)
	binary.Write(&buf, binary.LittleEndian, hasPrefetch)
	binary.Write(&buf, binary.LittleEndian, uint32(len(h.Fetched.Words())))
	binary.Write(&buf, binary.LittleEndian, h.Fetched.Words())
	binary.Write(&buf, binary.LittleEndian, h.WriteCalled.Words())
	if h.Prefetch != nil {
		binary.Write(&buf, binary.LittleEndian, h.Prefetch.Words())
	}

	return buf.Bytes()
}

// DecodeHeader parses a Header previously written by Encode. Returns
// (nil, nil) if data is empty, signalling "no header yet" to the caller
// per spec.md §4.6 ("if header is absent/empty...").
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}

	r := bytes.NewReader(data)

	var gotMagic, version, bufferSize, blockCount, hasPrefetch, wordCount uint32
	for _, f := range []*uint32{&gotMagic, &version, &bufferSize, &blockCount, &hasPrefetch, &wordCount} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, 0, fmt.Errorf("sidecar: decode header: %w", err)
		}
	}
	if gotMagic != magic {
		return nil, 0, fmt.Errorf("sidecar: bad magic %#x", gotMagic)
	}
	if version != headerVersion {
		return nil, 0, fmt.Errorf("sidecar: unsupported version %d", version)
	}

	fetchedWords := make([]uint64, wordCount)
	if err := binary.Read(r, binary.LittleEndian, fetchedWords); err != nil {
		return nil, 0, fmt.Errorf("sidecar: decode fetched bits: %w", err)
	}
	writeCalledWords := make([]uint64, wordCount)
	if err := binary.Read(r, binary.LittleEndian, writeCalledWords); err != nil {
		return nil, 0, fmt.Errorf("sidecar: decode writeCalled bits: %w", err)
	}

	h := &Header{
		BufferSize:  bufferSize,
		BlockCount:  blockCount,
		Fetched:     NewBitSet(blockCount),
		WriteCalled: NewBitSet(blockCount),
	}
	h.Fetched.SetWords(fetchedWords)
	h.WriteCalled.SetWords(writeCalledWords)

	if hasPrefetch == 1 {
		prefetchWords := make([]uint64, wordCount)
		if err := binary.Read(r, binary.LittleEndian, prefetchWords); err != nil {
			return nil, 0, fmt.Errorf("sidecar: decode prefetch bits: %w", err)
		}
		h.Prefetch = NewBitSet(blockCount)
		h.Prefetch.SetWords(prefetchWords)
	}

	consumed := len(data) - r.Len()
	return h, consumed, nil
}

// IOStat is one detach-time accounting record appended on cache close.
type IOStat struct {
	DetachTime  time.Time
	BytesDisk   uint64
	BytesRAM    uint64
	BytesMissed uint64
}

// Encode serializes an IOStat record to a fixed-size byte slice.
func (s IOStat) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.DetachTime.Unix())
	binary.Write(&buf, binary.LittleEndian, s.BytesDisk)
	binary.Write(&buf, binary.LittleEndian, s.BytesRAM)
	binary.Write(&buf, binary.LittleEndian, s.BytesMissed)
	return buf.Bytes()
}

// DecodeIOStats parses a run of append-only IOStat records following the header.
func DecodeIOStats(data []byte) ([]IOStat, error) {
	if len(data)%ioStatRecordSize != 0 {
		return nil, fmt.Errorf("sidecar: iostat log size %d not a multiple of record size %d", len(data), ioStatRecordSize)
	}

	count := len(data) / ioStatRecordSize
	out := make([]IOStat, 0, count)
	r := bytes.NewReader(data)

	for i := 0; i < count; i++ {
		var unixTime int64
		var rec IOStat
		if err := binary.Read(r, binary.LittleEndian, &unixTime); err != nil {
			return nil, fmt.Errorf("sidecar: decode iostat %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.BytesDisk); err != nil {
			return nil, fmt.Errorf("sidecar: decode iostat %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.BytesRAM); err != nil {
			return nil, fmt.Errorf("sidecar: decode iostat %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.BytesMissed); err != nil {
			return nil, fmt.Errorf("sidecar: decode iostat %d: %w", i, err)
		}
		rec.DetachTime = time.Unix(unixTime, 0)
		out = append(out, rec)
	}

	return out, nil
}
