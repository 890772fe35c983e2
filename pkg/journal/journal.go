// Package journal implements the engine's write-ahead log: a sequence
// of numbered, fixed-maximum-size segments recording handle bindings,
// page images, and transaction records, used for crash recovery and
// to copy dirty pages back to their home volumes (spec §4.6, §6).
//
// Record dispatch on recovery mirrors the teacher's
// pkg/manager/fsm.go Apply — a single mutex-guarded switch over a
// typed operation code — generalized from one Raft command type to the
// journal's eleven record types.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
)

// RecordType identifies a journal record's role (spec §6 "Journal
// record framing").
type RecordType uint16

const (
	RecIV RecordType = iota + 1 // install volume handle
	RecIT                       // install tree handle
	RecPA                       // page image
	RecTS                       // transaction start
	RecTC                       // transaction commit
	RecSR                       // store range
	RecDR                       // delete range
	RecDT                       // delete tree
	RecCP                       // checkpoint
	RecJH                       // journal header
	RecJE                       // journal end / rollover
)

func (t RecordType) String() string {
	names := map[RecordType]string{
		RecIV: "IV", RecIT: "IT", RecPA: "PA", RecTS: "TS", RecTC: "TC",
		RecSR: "SR", RecDR: "DR", RecDT: "DT", RecCP: "CP", RecJH: "JH", RecJE: "JE",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("record(%d)", t)
}

// recordHeaderSize is the 2-byte type + 4-byte length + 8-byte
// timestamp framing every record carries (spec §6).
const recordHeaderSize = 14

// Record is one decoded journal entry.
type Record struct {
	Type      RecordType
	Timestamp int64
	Payload   []byte
	Address   Address // set by the journal on read/append
}

// Address locates a record within the journal: its segment generation
// and byte offset inside that segment's file.
type Address struct {
	Generation uint32
	Offset     int64
}

// Less reports whether a precedes b in total journal order.
func (a Address) Less(b Address) bool {
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.Offset < b.Offset
}

// PAPayload decodes a RecPA record's payload: the page's volume
// handle, address, and the split-omitting-the-unused-middle-run
// encoding spec §6 describes for space efficiency.
type PAPayload struct {
	VolumeHandle uint32
	PageAddr     uint64
	LeftSize     uint32
	RightSize    uint32
	Left         []byte
	Right        []byte
}

// EncodePA serializes a PAPayload.
func EncodePA(p PAPayload) []byte {
	buf := make([]byte, 4+8+4+4+len(p.Left)+len(p.Right))
	binary.BigEndian.PutUint32(buf[0:], p.VolumeHandle)
	binary.BigEndian.PutUint64(buf[4:], p.PageAddr)
	binary.BigEndian.PutUint32(buf[12:], uint32(len(p.Left)))
	binary.BigEndian.PutUint32(buf[16:], uint32(len(p.Right)))
	copy(buf[20:], p.Left)
	copy(buf[20+len(p.Left):], p.Right)
	return buf
}

// DecodePA parses a RecPA record's payload.
func DecodePA(raw []byte) (PAPayload, error) {
	if len(raw) < 20 {
		return PAPayload{}, kverrors.New(kverrors.CorruptVolume, "journal.DecodePA", "payload too short: %d bytes", len(raw))
	}
	p := PAPayload{
		VolumeHandle: binary.BigEndian.Uint32(raw[0:]),
		PageAddr:     binary.BigEndian.Uint64(raw[4:]),
		LeftSize:     binary.BigEndian.Uint32(raw[12:]),
		RightSize:    binary.BigEndian.Uint32(raw[16:]),
	}
	want := 20 + int(p.LeftSize) + int(p.RightSize)
	if len(raw) < want {
		return PAPayload{}, kverrors.New(kverrors.CorruptVolume, "journal.DecodePA", "payload truncated: have %d, want %d", len(raw), want)
	}
	p.Left = append([]byte(nil), raw[20:20+p.LeftSize]...)
	p.Right = append([]byte(nil), raw[20+p.LeftSize:want]...)
	return p, nil
}

// Journal manages the active segment and appends records to it.
type Journal struct {
	mu          sync.Mutex
	dir         string
	prefix      string
	maxSegSize  int64
	generation  uint32
	file        *os.File
	offset      int64
	baseAddress Address // oldest address still needed for recovery

	pageMap map[PageKey]Address // (volume handle, page addr) -> newest PA address

	// volumeNames and treeNames mirror the live IV/IT bindings observed
	// so far, so a fresh segment opened by rollTo can re-announce every
	// still-open handle at its start (spec §4.6 "handle tables are
	// cleared so the new segment is self-contained from the start").
	volumeNames map[uint32]string
	treeNames   map[uint32]string
}

// PageKey identifies a page within a volume for page-map lookups.
type PageKey struct {
	Volume uint32
	Page   uint64
}

// Open opens or creates the journal directory. If prior segments
// exist it continues appending after the last valid record in the
// highest-generation segment rather than starting a fresh generation
// 1 (doing the latter would silently abandon every earlier segment
// and, because the file is reopened O_APPEND, corrupt every Address
// computed afterward). Use OpenWithRecovery instead when the caller
// also needs the reconstructed handle tables and page map.
func Open(dir, prefix string, maxSegSize int64) (*Journal, error) {
	j, _, err := open(dir, prefix, maxSegSize, false)
	return j, err
}

// OpenWithRecovery opens the journal exactly as Open does, but first
// replays every existing segment and returns the resulting
// RecoveryState so the caller can reconstruct volume, tree, and
// transaction state from the last committed point (spec §8 property 7
// "after a crash at any point, reopen yields the state of the last
// committed TC").
func OpenWithRecovery(dir, prefix string, maxSegSize int64) (*Journal, *RecoveryState, error) {
	return open(dir, prefix, maxSegSize, true)
}

func open(dir, prefix string, maxSegSize int64, withRecovery bool) (*Journal, *RecoveryState, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	var st *RecoveryState
	if withRecovery {
		var err error
		st, err = Recover(dir, prefix)
		if err != nil {
			return nil, nil, err
		}
	}
	j := &Journal{
		dir:         dir,
		prefix:      prefix,
		maxSegSize:  maxSegSize,
		pageMap:     make(map[PageKey]Address),
		volumeNames: make(map[uint32]string),
		treeNames:   make(map[uint32]string),
	}
	if st != nil {
		for k, a := range st.PageMap {
			j.pageMap[k] = a
		}
		for h, name := range st.VolumeHandles {
			j.volumeNames[h] = name
		}
		for h, name := range st.TreeHandles {
			j.treeNames[h] = name
		}
	}
	if err := j.resume(); err != nil {
		return nil, nil, err
	}
	if err := j.appendLocked(RecJH, 0, nil); err != nil {
		return nil, nil, err
	}
	return j, st, nil
}

// resume continues the journal from the highest existing segment at
// its true valid length, or starts a fresh generation-1 segment if the
// directory has none yet. A segment's tail can be torn (a record
// partially written when the process died mid-append); resume
// truncates it off rather than erroring, since nothing was ever
// acknowledged past the last complete record.
func (j *Journal) resume() error {
	gens, err := listSegments(j.dir, j.prefix)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		return j.rollTo(1)
	}

	generation := gens[len(gens)-1]
	path := j.segmentPath(generation)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("journal: read segment %d: %w", generation, err)
	}
	validLen := int64(0)
	for validLen < int64(len(data)) {
		_, next, ok := decodeAt(data, validLen)
		if !ok {
			break
		}
		validLen = next
	}
	if validLen < int64(len(data)) {
		log.WithComponent("journal").Warn().
			Uint32("generation", generation).Int64("valid_len", validLen).Int("file_len", len(data)).
			Msg("truncating torn tail on resume")
		if err := os.Truncate(path, validLen); err != nil {
			return fmt.Errorf("journal: truncate torn tail of segment %d: %w", generation, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open segment %d: %w", generation, err)
	}
	j.file = f
	j.generation = generation
	j.offset = validLen
	metrics.JournalSegmentsTotal.Inc()
	return nil
}

func (j *Journal) segmentPath(generation uint32) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s.%06d", j.prefix, generation))
}

// rollTo starts writing to a new segment file at the given generation,
// closing any currently open segment first. The new segment always
// opens with a RecJH record, followed by a RecIV/RecIT re-announcement
// of every volume and tree handle still live, so the segment is
// self-contained from its very first byte (spec §4.6 "handle tables
// are cleared so the new segment is self-contained from the start of
// the next checkpoint") — recovery can safely begin from this segment
// alone once every earlier one has been retired (see pruneSegments).
func (j *Journal) rollTo(generation uint32) error {
	if j.file != nil {
		if err := j.appendLocked(RecJE, 0, nil); err != nil {
			return err
		}
		j.file.Close()
	}
	f, err := os.OpenFile(j.segmentPath(generation), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open segment %d: %w", generation, err)
	}
	j.file = f
	j.generation = generation
	j.offset = 0
	metrics.JournalSegmentsTotal.Inc()

	if err := j.appendLocked(RecJH, 0, nil); err != nil {
		return err
	}
	for handle, name := range j.volumeNames {
		if err := j.appendLocked(RecIV, 0, encodeHandleRecord(handle, name)); err != nil {
			return err
		}
	}
	for handle, name := range j.treeNames {
		if err := j.appendLocked(RecIT, 0, encodeHandleRecord(handle, name)); err != nil {
			return err
		}
	}
	return nil
}

// encodeHandleRecord packs a handle-to-name binding the way an IV/IT
// record's payload is laid out: a 4-byte handle followed by the raw
// name bytes (matching pkg/engine's encodeHandleName).
func encodeHandleRecord(handle uint32, name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(buf, handle)
	copy(buf[4:], name)
	return buf
}

// decodeHandleRecord unpacks an IV/IT record's payload into its handle
// and name.
func decodeHandleRecord(payload []byte) (handle uint32, name string, ok bool) {
	if len(payload) < 4 {
		return 0, "", false
	}
	return binary.BigEndian.Uint32(payload), string(payload[4:]), true
}

// Append writes a record to the active segment, rolling to a new
// segment first if it would exceed maxSegSize.
func (j *Journal) Append(typ RecordType, timestamp int64, payload []byte) (Address, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendAddr(typ, timestamp, payload)
}

func (j *Journal) appendAddr(typ RecordType, timestamp int64, payload []byte) (Address, error) {
	need := int64(recordHeaderSize + len(payload))
	if j.offset+need > j.maxSegSize && j.offset > 0 {
		if err := j.rollTo(j.generation + 1); err != nil {
			return Address{}, err
		}
	}
	addr := Address{Generation: j.generation, Offset: j.offset}
	if err := j.appendLocked(typ, timestamp, payload); err != nil {
		return Address{}, err
	}
	switch typ {
	case RecPA:
		pa, err := DecodePA(payload)
		if err == nil {
			j.pageMap[PageKey{pa.VolumeHandle, pa.PageAddr}] = addr
		}
	case RecIV:
		if handle, name, ok := decodeHandleRecord(payload); ok {
			j.volumeNames[handle] = name
		}
	case RecIT:
		if handle, name, ok := decodeHandleRecord(payload); ok {
			j.treeNames[handle] = name
		}
	}
	return addr, nil
}

// appendLocked writes one framed record to the current file. Caller
// holds j.mu.
func (j *Journal) appendLocked(typ RecordType, timestamp int64, payload []byte) error {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:], uint16(typ))
	binary.BigEndian.PutUint32(buf[2:], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[6:], uint64(timestamp))
	copy(buf[recordHeaderSize:], payload)
	n, err := j.file.Write(buf)
	if err != nil {
		return kverrors.Wrap(kverrors.IO, "journal.Append", err)
	}
	j.offset += int64(n)
	metrics.JournalBytesWrittenTotal.Add(float64(n))
	return nil
}

// Fsync flushes the active segment to stable storage.
func (j *Journal) Fsync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	start := time.Now()
	err := j.file.Sync()
	metrics.JournalFsyncDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return kverrors.Wrap(kverrors.IO, "journal.Fsync", err)
	}
	return nil
}

// ReadAt reads and decodes the record at addr directly from its
// segment file, regardless of whether that segment is still the active
// one. Callers that need the exact bytes the journal recorded for a
// page — the copier writing it back durably, or startup recovery
// restoring a volume — must go through here rather than rereading
// whatever the volume's page file currently holds, which may predate
// the journaled image or not exist yet.
func (j *Journal) ReadAt(addr Address) (Record, error) {
	data, err := os.ReadFile(j.segmentPath(addr.Generation))
	if err != nil {
		return Record{}, kverrors.Wrap(kverrors.IO, "journal.ReadAt", err)
	}
	rec, _, ok := decodeAt(data, addr.Offset)
	if !ok {
		return Record{}, kverrors.New(kverrors.CorruptVolume, "journal.ReadAt", "no valid record at generation %d offset %d", addr.Generation, addr.Offset)
	}
	rec.Address = addr
	return rec, nil
}

// ReconstructPageImage rebuilds a full page-sized byte image from a
// PAPayload: Left and Right are the payload's leading and trailing
// runs, with the unchanged middle run elided to save journal space
// (spec §6); the gap between them is zero-filled back out to
// pageSize, reconstructing the exact bytes written to the page.
func ReconstructPageImage(pa PAPayload, pageSize int) []byte {
	image := make([]byte, pageSize)
	copy(image, pa.Left)
	if len(pa.Right) > 0 {
		copy(image[pageSize-len(pa.Right):], pa.Right)
	}
	return image
}

// PageMapLookup returns the newest PA address recorded for a page, if
// any, consulted by reads before falling back to the volume file.
func (j *Journal) PageMapLookup(volumeHandle uint32, pageAddr uint64) (Address, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.pageMap[PageKey{volumeHandle, pageAddr}]
	return a, ok
}

// BaseAddress returns the oldest journal address still required for
// recovery; pages with no image at or after this address are
// guaranteed present at their volume home (spec §8 invariant 8).
func (j *Journal) BaseAddress() Address {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.baseAddress
}

// AdvanceBaseAddress moves the base address forward after the copier
// durably writes a page image to its volume home. It never moves
// backward. Crossing into a new generation retires every segment
// wholly below it (spec §4.6 "segments wholly below this address are
// eligible for deletion").
func (j *Journal) AdvanceBaseAddress(addr Address) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.baseAddress.Less(addr) {
		return
	}
	prevGeneration := j.baseAddress.Generation
	j.baseAddress = addr
	if addr.Generation > prevGeneration {
		j.pruneSegments()
	}
}

// pruneSegments deletes every on-disk segment file strictly below both
// the current base address's generation and the active segment, i.e.
// segments no longer needed for recovery (their page images are all
// either copied to their home volume or superseded by a later PA
// elsewhere) and not the file currently being appended to. Caller
// holds j.mu. Deletion failures are logged and left for a later cycle
// rather than treated as fatal, since a retired-but-undeleted segment
// is wasted disk, not a correctness problem.
func (j *Journal) pruneSegments() {
	segments, err := listSegments(j.dir, j.prefix)
	if err != nil {
		log.WithComponent("journal").Warn().Err(err).Msg("failed to list segments for retirement")
		return
	}
	for _, generation := range segments {
		if generation >= j.baseAddress.Generation || generation >= j.generation {
			continue
		}
		path := j.segmentPath(generation)
		if err := os.Remove(path); err != nil {
			log.WithComponent("journal").Warn().Uint32("generation", generation).Err(err).Msg("failed to retire journal segment")
			continue
		}
		metrics.JournalSegmentsTotal.Dec()
		log.WithComponent("journal").Debug().Uint32("generation", generation).Msg("retired journal segment below base address")
	}
}

// DrainPageMapOrdered returns up to limit page keys with resident page
// images, in ascending (volume, page) order, for the copier to write
// back to their home volumes (spec §4.6 "Copier drains the map in
// page-address order to minimize seeks"). It does not remove entries;
// call RemoveFromPageMap once a page is durably written back.
func (j *Journal) DrainPageMapOrdered(limit int) []PageKey {
	j.mu.Lock()
	defer j.mu.Unlock()
	keys := make([]PageKey, 0, len(j.pageMap))
	for k := range j.pageMap {
		keys = append(keys, k)
	}
	sortPageKeys(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func sortPageKeys(keys []PageKey) {
	for i := 1; i < len(keys); i++ {
		for k := i; k > 0; k-- {
			if less(keys[k], keys[k-1]) {
				keys[k], keys[k-1] = keys[k-1], keys[k]
			} else {
				break
			}
		}
	}
}

func less(a, b PageKey) bool {
	if a.Volume != b.Volume {
		return a.Volume < b.Volume
	}
	return a.Page < b.Page
}

// RemoveFromPageMap drops a page's entry once the copier has written
// it back and advanced the base address past it.
func (j *Journal) RemoveFromPageMap(volumeHandle uint32, pageAddr uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pageMap, PageKey{volumeHandle, pageAddr})
}

// Close syncs and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		log.WithComponent("journal").Warn().Err(err).Msg("sync failed on close")
	}
	return j.file.Close()
}
