// Package walrec implements the write-ahead log: a 32-byte header
// followed by 8-byte-aligned, CRC-protected records in a single file
// that truncates in place once it outgrows its size cap.
package walrec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"

	"github.com/arlobennett/monolite/internal/monoerr"
)

const (
	HeaderMagic      = "WALM"
	HeaderSize       = 32
	HeaderVersion    = 1
	RecordHeaderSize = 20
	Alignment        = 8

	MaxFileSize  = 64 << 20
	RetainedSize = 4 << 20
)

type RecordType uint8

const (
	PageWrite RecordType = iota
	AllocPage
	FreePage
	Commit
	Checkpoint
	MetaUpdate
)

// Record is a single WAL entry.
type Record struct {
	LSN     uint64
	Type    RecordType
	Flags   uint8
	PageID  uint32
	Payload []byte
}

func (r Record) encode() []byte {
	dataLen := len(r.Payload)
	total := RecordHeaderSize + dataLen
	padded := alignUp(total)
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	buf[8] = byte(r.Type)
	buf[9] = r.Flags
	binary.LittleEndian.PutUint16(buf[10:12], uint16(dataLen))
	binary.LittleEndian.PutUint32(buf[12:16], r.PageID)
	copy(buf[RecordHeaderSize:RecordHeaderSize+dataLen], r.Payload)
	crc := crc32.ChecksumIEEE(buf[0:16])
	crc = crc32.Update(crc, crc32.IEEETable, buf[RecordHeaderSize:RecordHeaderSize+dataLen])
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf
}

func decodeRecord(buf []byte) (Record, int, bool) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, false
	}
	lsn := binary.LittleEndian.Uint64(buf[0:8])
	typ := RecordType(buf[8])
	flags := buf[9]
	dataLen := int(binary.LittleEndian.Uint16(buf[10:12]))
	pageID := binary.LittleEndian.Uint32(buf[12:16])
	crc := binary.LittleEndian.Uint32(buf[16:20])
	total := RecordHeaderSize + dataLen
	if total > len(buf) {
		return Record{}, 0, false
	}
	payload := buf[RecordHeaderSize:total]
	want := crc32.ChecksumIEEE(buf[0:16])
	want = crc32.Update(want, crc32.IEEETable, payload)
	if want != crc {
		return Record{}, 0, false
	}
	rec := Record{LSN: lsn, Type: typ, Flags: flags, PageID: pageID, Payload: append([]byte{}, payload...)}
	return rec, alignUp(total), true
}

func alignUp(n int) int {
	if rem := n % Alignment; rem != 0 {
		n += Alignment - rem
	}
	return n
}

// WAL is a single-actor append-only log. All operations serialize through mu.
type WAL struct {
	mu            sync.Mutex
	path          string
	fd            *os.File
	currentLSN    atomic.Uint64
	writeOffset   int64
	checkpointLSN uint64
	closed        bool
}

func encodeHeader(checkpointLSN uint64, fileSize int64) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], HeaderVersion)
	binary.LittleEndian.PutUint64(buf[8:16], checkpointLSN)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(fileSize))
	crc := crc32.ChecksumIEEE(buf[0:24])
	binary.LittleEndian.PutUint32(buf[24:28], crc)
	return buf
}

func decodeHeader(buf []byte) (checkpointLSN uint64, fileSize int64, ok bool) {
	if len(buf) < HeaderSize || string(buf[0:4]) != HeaderMagic {
		return 0, 0, false
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != HeaderVersion {
		return 0, 0, false
	}
	checkpointLSN = binary.LittleEndian.Uint64(buf[8:16])
	fileSize = int64(binary.LittleEndian.Uint64(buf[16:24]))
	crc := binary.LittleEndian.Uint32(buf[24:28])
	want := crc32.ChecksumIEEE(buf[0:24])
	return checkpointLSN, fileSize, crc == want
}

// Open creates or opens the WAL at path, scanning its tail for the last
// valid record and positioning the write cursor just past it.
func Open(path string) (*WAL, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.FileNotOpen, err, path)
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, monoerr.Wrap(monoerr.InternalError, err, "stat wal")
	}

	w := &WAL{path: path, fd: fd}

	if info.Size() == 0 {
		if _, err := fd.WriteAt(encodeHeader(0, HeaderSize), 0); err != nil {
			fd.Close()
			return nil, monoerr.Wrap(monoerr.InternalError, err, "init wal header")
		}
		w.writeOffset = HeaderSize
		w.currentLSN.Store(1)
		return w, nil
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := fd.ReadAt(hdrBuf, 0); err != nil {
		fd.Close()
		return nil, monoerr.Wrap(monoerr.WALCorrupted, err, "read wal header")
	}
	checkpointLSN, _, ok := decodeHeader(hdrBuf)
	if !ok {
		fd.Close()
		return nil, monoerr.New(monoerr.InvalidMagic, "wal header invalid")
	}
	w.checkpointLSN = checkpointLSN

	body := make([]byte, info.Size()-HeaderSize)
	if _, err := fd.ReadAt(body, HeaderSize); err != nil {
		fd.Close()
		return nil, monoerr.Wrap(monoerr.WALCorrupted, err, "read wal body")
	}

	observedLSN := uint64(0)
	offset := 0
	for offset < len(body) {
		rec, consumed, ok := decodeRecord(body[offset:])
		if !ok {
			break
		}
		if rec.LSN > observedLSN {
			observedLSN = rec.LSN
		}
		offset += consumed
	}
	w.writeOffset = HeaderSize + int64(offset)
	next := observedLSN
	if checkpointLSN > next {
		next = checkpointLSN
	}
	w.currentLSN.Store(next + 1)
	return w, nil
}

// NextLSN allocates and returns the next log sequence number.
func (w *WAL) NextLSN() uint64 {
	return w.currentLSN.Add(1) - 1
}

// Write appends a record (not yet synced) and returns its assigned LSN.
func (w *WAL) Write(typ RecordType, pageID uint32, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, monoerr.New(monoerr.FileNotOpen, "wal closed")
	}
	lsn := w.NextLSN()
	rec := Record{LSN: lsn, Type: typ, PageID: pageID, Payload: payload}
	buf := rec.encode()
	if _, err := w.fd.WriteAt(buf, w.writeOffset); err != nil {
		return 0, monoerr.Wrap(monoerr.InternalError, err, "wal write")
	}
	w.writeOffset += int64(len(buf))
	if err := w.maybeTruncateLocked(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Sync flushes the WAL to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.fd.Sync(); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal sync")
	}
	return nil
}

// Checkpoint writes a checkpoint record, updates the header, then syncs.
func (w *WAL) Checkpoint(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, lsn)
	rec := Record{LSN: w.NextLSN(), Type: Checkpoint, Payload: payload}
	buf := rec.encode()
	if _, err := w.fd.WriteAt(buf, w.writeOffset); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal checkpoint write")
	}
	w.writeOffset += int64(len(buf))
	w.checkpointLSN = lsn
	if _, err := w.fd.WriteAt(encodeHeader(w.checkpointLSN, w.writeOffset), 0); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal header update")
	}
	return w.syncLocked()
}

// maybeTruncateLocked collapses the file back to the header when it grows
// past MaxFileSize, retaining the trailing RetainedSize bytes.
func (w *WAL) maybeTruncateLocked() error {
	if w.writeOffset <= MaxFileSize {
		return nil
	}
	keepFrom := w.writeOffset - RetainedSize
	tail := make([]byte, w.writeOffset-keepFrom)
	if _, err := w.fd.ReadAt(tail, keepFrom); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal truncate read tail")
	}
	if _, err := w.fd.WriteAt(tail, HeaderSize); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal truncate rewrite tail")
	}
	newOffset := HeaderSize + int64(len(tail))
	if err := w.fd.Truncate(newOffset); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "wal truncate")
	}
	w.writeOffset = newOffset
	return nil
}

// CheckpointLSN returns the last durable checkpoint LSN.
func (w *WAL) CheckpointLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointLSN
}

// ReadFrom reads every valid record with LSN greater than afterLSN, in
// write order, stopping at the first corrupted record.
func (w *WAL) ReadFrom(afterLSN uint64) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	body := make([]byte, w.writeOffset-HeaderSize)
	if _, err := w.fd.ReadAt(body, HeaderSize); err != nil {
		return nil, monoerr.Wrap(monoerr.WALCorrupted, err, "wal read")
	}
	var out []Record
	offset := 0
	for offset < len(body) {
		rec, consumed, ok := decodeRecord(body[offset:])
		if !ok {
			break
		}
		if rec.LSN > afterLSN {
			out = append(out, rec)
		}
		offset += consumed
	}
	return out, nil
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}

func (r RecordType) String() string {
	switch r {
	case PageWrite:
		return "pageWrite"
	case AllocPage:
		return "allocPage"
	case FreePage:
		return "freePage"
	case Commit:
		return "commit"
	case Checkpoint:
		return "checkpoint"
	case MetaUpdate:
		return "metaUpdate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}
