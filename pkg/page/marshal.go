package page

import (
	"encoding/binary"

	"github.com/cuemby/strata/pkg/kverrors"
)

// Header field offsets within the page (spec §6).
const (
	offType         = 0
	offReserved     = 1
	offKeyBlockEnd  = 2
	offAllocPtr     = 4
	offPad          = 6
	offRightSibling = 8
	offTimestamp    = 16
	offGeneration   = 24
)

// Marshal serializes p into a PageSize-byte buffer: the header, the key
// block array growing upward from HeaderSize, and the tail slabs
// packed downward from the end of the page. Each key block's
// TailOffset field is computed here, at serialization time.
func (p *Page) Marshal() ([]byte, error) {
	buf := make([]byte, p.PageSize)
	buf[offType] = byte(p.PageType)
	binary.BigEndian.PutUint64(buf[offRightSibling:], p.RightSibling)
	binary.BigEndian.PutUint64(buf[offTimestamp:], p.Timestamp)
	binary.BigEndian.PutUint64(buf[offGeneration:], p.Generation)

	keyBlockEnd := HeaderSize + len(p.Blocks)*KeyBlockSize
	tailCursor := p.PageSize
	for i, t := range p.Tails {
		size := 6 + len(t.KeySuffix) + len(t.Payload)
		tailCursor -= size
		if tailCursor < keyBlockEnd {
			return nil, kverrors.New(kverrors.IO, "page.Marshal", "page overflow: key blocks end at %d, tail cursor at %d", keyBlockEnd, tailCursor)
		}
		p.Blocks[i].TailOffset = uint16(tailCursor)

		kb := buf[HeaderSize+i*KeyBlockSize:]
		kb[0] = p.Blocks[i].DB
		kb[1] = p.Blocks[i].EBC
		binary.BigEndian.PutUint16(kb[4:], p.Blocks[i].TailOffset)

		tb := buf[tailCursor:]
		binary.BigEndian.PutUint16(tb[0:], uint16(len(t.KeySuffix)))
		binary.BigEndian.PutUint32(tb[2:], uint32(len(t.Payload)))
		copy(tb[6:], t.KeySuffix)
		copy(tb[6+len(t.KeySuffix):], t.Payload)
	}
	binary.BigEndian.PutUint16(buf[offKeyBlockEnd:], uint16(keyBlockEnd))
	binary.BigEndian.PutUint16(buf[offAllocPtr:], uint16(tailCursor))
	return buf, nil
}

// Unmarshal parses a PageSize-byte buffer produced by Marshal back into
// a Page.
func Unmarshal(buf []byte) (*Page, error) {
	if len(buf) < HeaderSize {
		return nil, kverrors.New(kverrors.CorruptVolume, "page.Unmarshal", "buffer too small: %d bytes", len(buf))
	}
	p := &Page{
		PageType:     Type(buf[offType]),
		PageSize:     len(buf),
		RightSibling: binary.BigEndian.Uint64(buf[offRightSibling:]),
		Timestamp:    binary.BigEndian.Uint64(buf[offTimestamp:]),
		Generation:   binary.BigEndian.Uint64(buf[offGeneration:]),
	}
	keyBlockEnd := int(binary.BigEndian.Uint16(buf[offKeyBlockEnd:]))
	if keyBlockEnd < HeaderSize || keyBlockEnd > len(buf) {
		return nil, kverrors.New(kverrors.CorruptVolume, "page.Unmarshal", "key block end %d out of range", keyBlockEnd)
	}
	n := (keyBlockEnd - HeaderSize) / KeyBlockSize
	p.Blocks = make([]KeyBlock, n)
	p.Tails = make([]Tail, n)
	for i := 0; i < n; i++ {
		kb := buf[HeaderSize+i*KeyBlockSize:]
		db := kb[0]
		ebc := kb[1]
		tailOff := binary.BigEndian.Uint16(kb[4:])
		if int(tailOff)+6 > len(buf) {
			return nil, kverrors.New(kverrors.CorruptVolume, "page.Unmarshal", "tail offset %d out of range", tailOff)
		}
		tb := buf[tailOff:]
		suffixLen := binary.BigEndian.Uint16(tb[0:])
		payloadLen := binary.BigEndian.Uint32(tb[2:])
		start := int(tailOff) + 6
		end := start + int(suffixLen) + int(payloadLen)
		if end > len(buf) {
			return nil, kverrors.New(kverrors.CorruptVolume, "page.Unmarshal", "tail at offset %d overruns page", tailOff)
		}
		suffix := append([]byte(nil), buf[start:start+int(suffixLen)]...)
		payload := append([]byte(nil), buf[start+int(suffixLen):end]...)
		p.Blocks[i] = KeyBlock{EBC: ebc, DB: db, TailOffset: tailOff}
		p.Tails[i] = Tail{KeySuffix: suffix, Payload: payload}
	}
	return p, nil
}
