package btree

import (
	"context"
	"encoding/binary"

	"github.com/cuemby/strata/pkg/bufferpool"
	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/page"
)

// longRecordThreshold is the value size above which Put chains the
// value across dedicated long-record pages instead of storing it
// inline in a leaf tail (spec §4.2 "long-record chains"). A quarter of
// the page size leaves ample room for several ordinary keys to share
// the same leaf as a long-record pointer.
func (t *Tree) longRecordThreshold() int { return t.pageSize / 4 }

// encodeValue returns the bytes to store as a version's payload: value
// itself if it's small enough to live inline, or a 16-byte pointer (the
// 8-byte head page address, then the 8-byte total value length) to a
// freshly written long-record chain otherwise. overflowAddr is
// nonzero exactly when the chain path was taken.
func (t *Tree) encodeValue(value []byte) (payload []byte, overflowAddr uint64, err error) {
	if len(value) <= t.longRecordThreshold() {
		return append([]byte(nil), value...), 0, nil
	}
	addr, err := t.writeLongRecord(value)
	if err != nil {
		return nil, 0, err
	}
	ptr := make([]byte, 16)
	binary.BigEndian.PutUint64(ptr[0:], addr)
	binary.BigEndian.PutUint64(ptr[8:], uint64(len(value)))
	return ptr, addr, nil
}

// writeLongRecord splits value across as many freshly allocated
// TypeLongRecord pages as needed, chained by RightSibling, and returns
// the address of the first page in the chain. Pages are written and
// journaled tail-to-head (highest-index chunk first, addrs[0] last) per
// spec §3's long-record chain invariant: the head page's RightSibling
// must already point at a durable successor by the time the head
// itself becomes durable, so a crash mid-write never leaves a dangling
// pointer reachable from anything a reader can already see.
func (t *Tree) writeLongRecord(value []byte) (uint64, error) {
	chunkSize := t.pageSize - page.HeaderSize - 4 // 4-byte chunk length
	numChunks := (len(value) + chunkSize - 1) / chunkSize
	if numChunks == 0 {
		numChunks = 1
	}
	addrs := make([]uint64, numChunks)
	for i := 0; i < numChunks; i++ {
		addr, err := t.pool.Alloc(t.pageSize)
		if err != nil {
			return 0, err
		}
		addrs[i] = addr
	}
	for i := numChunks - 1; i >= 0; i-- {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(value) {
			end = len(value)
		}
		pg := page.New(page.TypeLongRecord, t.pageSize)
		if i+1 < numChunks {
			pg.RightSibling = addrs[i+1]
		}
		data := marshalLongRecordPage(pg, value[start:end])
		t.pool.Update(addrs[i], data)
		if t.jrnl != nil {
			if err := t.logRaw(addrs[i], data); err != nil {
				return 0, err
			}
		}
	}
	return addrs[0], nil
}

// readLongRecord follows a pointer payload across its chain and
// reassembles the full value.
func (t *Tree) readLongRecord(ctx context.Context, ptr []byte) ([]byte, bool, error) {
	if len(ptr) < 16 {
		return nil, false, kverrors.New(kverrors.Conversion, "btree.readLongRecord", "malformed overflow pointer")
	}
	addr := binary.BigEndian.Uint64(ptr[0:])
	total := int(binary.BigEndian.Uint64(ptr[8:]))
	out := make([]byte, 0, total)
	for addr != 0 && len(out) < total {
		data, err := t.pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return nil, false, err
		}
		chunk, next := unmarshalLongRecordPage(data)
		t.pool.Release(addr, bufferpool.ClaimShared, false)
		remaining := total - len(out)
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
		addr = next
	}
	return out, true, nil
}

// marshalLongRecordPage packs an overflow chunk directly after the
// header: 4-byte length, then the raw bytes. Unlike an ordinary data
// or index page, a long-record page carries no key blocks.
func marshalLongRecordPage(pg *page.Page, chunk []byte) []byte {
	buf := make([]byte, pg.PageSize)
	buf[0] = byte(page.TypeLongRecord)
	binary.BigEndian.PutUint64(buf[8:], pg.RightSibling)
	binary.BigEndian.PutUint32(buf[page.HeaderSize:], uint32(len(chunk)))
	copy(buf[page.HeaderSize+4:], chunk)
	return buf
}

// logRaw records a raw (already-marshaled) page image as a PA record,
// for long-record pages which bypass page.Page's own Marshal.
func (t *Tree) logRaw(addr uint64, data []byte) error {
	payload := journal.EncodePA(journal.PAPayload{
		VolumeHandle: t.volumeHandle,
		PageAddr:     addr,
		LeftSize:     uint32(len(data)),
		Left:         data,
	})
	_, err := t.jrnl.Append(journal.RecPA, 0, payload)
	if err != nil {
		return kverrors.Wrap(kverrors.IO, "btree.logRaw", err)
	}
	return nil
}

func unmarshalLongRecordPage(buf []byte) (chunk []byte, next uint64) {
	next = binary.BigEndian.Uint64(buf[8:])
	n := binary.BigEndian.Uint32(buf[page.HeaderSize:])
	start := page.HeaderSize + 4
	end := start + int(n)
	if end > len(buf) {
		end = len(buf)
	}
	return append([]byte(nil), buf[start:end]...), next
}
