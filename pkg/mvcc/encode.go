package mvcc

import "encoding/binary"

// EncodeVersions serializes a cell's version sequence into the bytes
// stored as a B-tree leaf's payload: each version as
// (ts int64, tc int64, step uint32, flags byte, length uint32,
// payload), back to back, oldest first.
func EncodeVersions(versions []*Version) []byte {
	size := 0
	for _, v := range versions {
		size += 8 + 8 + 4 + 1 + 4 + len(v.Payload)
	}
	buf := make([]byte, size)
	off := 0
	for _, v := range versions {
		binary.BigEndian.PutUint64(buf[off:], uint64(v.TS))
		off += 8
		binary.BigEndian.PutUint64(buf[off:], uint64(v.TC))
		off += 8
		binary.BigEndian.PutUint32(buf[off:], uint32(v.Step))
		off += 4
		var flags byte
		if v.Aborted {
			flags |= 1
		}
		if v.Deleted {
			flags |= 2
		}
		if v.Overflow {
			flags |= 4
		}
		buf[off] = flags
		off++
		binary.BigEndian.PutUint32(buf[off:], uint32(len(v.Payload)))
		off += 4
		copy(buf[off:], v.Payload)
		off += len(v.Payload)
	}
	return buf
}

// DecodeVersions reverses EncodeVersions.
func DecodeVersions(data []byte) []*Version {
	var versions []*Version
	off := 0
	for off+25 <= len(data) {
		ts := int64(binary.BigEndian.Uint64(data[off:]))
		off += 8
		tc := int64(binary.BigEndian.Uint64(data[off:]))
		off += 8
		step := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		flags := data[off]
		off++
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			break
		}
		payload := append([]byte(nil), data[off:off+n]...)
		off += n
		versions = append(versions, &Version{
			TS: ts, TC: tc, Step: step,
			Aborted:  flags&1 != 0,
			Deleted:  flags&2 != 0,
			Overflow: flags&4 != 0,
			Payload:  payload,
		})
	}
	return versions
}

// CellFromPayload decodes a page tail payload into a Cell ready for
// Visible/Prune/MarkCommitted calls.
func CellFromPayload(data []byte) *Cell {
	return &Cell{Versions: DecodeVersions(data)}
}

// ToPayload serializes a cell's current version sequence back into a
// page tail payload.
func (c *Cell) ToPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return EncodeVersions(c.Versions)
}
