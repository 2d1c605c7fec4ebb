package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sink receives flushed records.
//
// WriteRecords may be called concurrently by several owning threads and must
// not retain the slice after returning.
type Sink interface {
	WriteRecords(records []CompactRecord) error
}

// FuncSink adapts a function to the Sink interface.
type FuncSink func(records []CompactRecord) error

// WriteRecords calls f(records).
func (f FuncSink) WriteRecords(records []CompactRecord) error {
	return f(records)
}

// DiscardSink drops every record.
type DiscardSink struct{}

// WriteRecords implements Sink.
func (DiscardSink) WriteRecords([]CompactRecord) error {
	return nil
}

// Stream format constants.
const (
	// Magic starts every record stream.
	Magic = "MTRK"

	// FormatVersion is the stream format written by BinaryWriter.
	FormatVersion uint16 = 1

	// HeaderSize is the encoded stream header size:
	//
	//	Magic          4 bytes
	//	FormatVersion  2 bytes
	//	Reserved       2 bytes
	//	SessionID     16 bytes
	//	Epoch          8 bytes (Unix nanoseconds)
	HeaderSize = 32

	// maxBatch bounds a decoded batch so corrupt input cannot exhaust memory.
	maxBatch = 1 << 24
)

// ErrBadStream is returned by Decoder for input that is not a record stream.
var ErrBadStream = errors.New("memtrack: not a record stream")

// Header describes a record stream.
type Header struct {
	Version   uint16
	SessionID uuid.UUID
	Epoch     time.Time
}

// BinaryWriter is a Sink encoding records into an io.Writer.
//
// The stream starts with a header carrying a random session id and the record
// epoch, written lazily before the first batch. A header cut short by a
// failed write is completed before the next batch. Each batch is a little-endian
// uint32 record count followed by count records of EncodedSize bytes.
//
// Thread Safety: Safe for concurrent use. Batches are written atomically with
// respect to each other.
type BinaryWriter struct {
	mu      sync.Mutex
	w       io.Writer
	header  Header
	scratch []byte

	// headerOff counts the header bytes already written.
	headerOff int

	bytesWritten atomic.Uint64
}

// NewBinaryWriter creates a BinaryWriter with a fresh session id.
//
// epoch must be the time TimestampDelta values are measured from.
func NewBinaryWriter(w io.Writer, epoch time.Time) *BinaryWriter {
	return &BinaryWriter{
		w: w,
		header: Header{
			Version:   FormatVersion,
			SessionID: uuid.New(),
			Epoch:     epoch,
		},
	}
}

// Header returns the stream header.
func (bw *BinaryWriter) Header() Header {
	return bw.header
}

// BytesWritten returns the number of bytes successfully written so far.
func (bw *BinaryWriter) BytesWritten() uint64 {
	return bw.bytesWritten.Load()
}

// WriteRecords implements Sink.
func (bw *BinaryWriter) WriteRecords(records []CompactRecord) error {
	if len(records) == 0 {
		return nil
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if err := bw.writeHeaderLocked(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	need := 4 + len(records)*EncodedSize
	if cap(bw.scratch) < need {
		bw.scratch = make([]byte, 0, need)
	}
	buf := bw.scratch[:0]

	//nolint:gosec // G115: batch length is bounded by buffer capacity.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))
	for i := range records {
		buf = AppendRecord(buf, &records[i])
	}

	n, err := bw.w.Write(buf)
	bw.bytesWritten.Add(uint64(n)) //nolint:gosec // n >= 0
	if err != nil {
		return fmt.Errorf("write %d records: %w", len(records), err)
	}

	return nil
}

// writeHeaderLocked writes whatever part of the header is still missing.
func (bw *BinaryWriter) writeHeaderLocked() error {
	if bw.headerOff >= HeaderSize {
		return nil
	}
	hdr := appendHeader(make([]byte, 0, HeaderSize), bw.header)
	n, err := bw.w.Write(hdr[bw.headerOff:])
	bw.headerOff += n
	bw.bytesWritten.Add(uint64(n)) //nolint:gosec // n >= 0
	if err == nil && bw.headerOff < HeaderSize {
		err = io.ErrShortWrite
	}
	return err
}

// Flush flushes the underlying writer if it is buffered.
func (bw *BinaryWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if f, ok := bw.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func appendHeader(buf []byte, h Header) []byte {
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = append(buf, h.SessionID[:]...)
	//nolint:gosec // G115: Unix nanoseconds fit in uint64 until 2262.
	return binary.LittleEndian.AppendUint64(buf, uint64(h.Epoch.UnixNano()))
}

// AppendRecord appends the EncodedSize-byte encoding of r to buf.
func AppendRecord(buf []byte, r *CompactRecord) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, r.Address)
	buf = binary.LittleEndian.AppendUint32(buf, r.Size)
	buf = binary.LittleEndian.AppendUint64(buf, r.TimestampDelta)
	buf = binary.LittleEndian.AppendUint32(buf, r.TypeHash)
	buf = binary.LittleEndian.AppendUint32(buf, r.StackID)
	buf = binary.LittleEndian.AppendUint32(buf, r.ThreadID)
	buf = append(buf, r.Flags)
	return binary.LittleEndian.AppendUint32(buf, 0)
}

// DecodeRecord decodes one record from the first EncodedSize bytes of b.
func DecodeRecord(b []byte) (CompactRecord, error) {
	if len(b) < EncodedSize {
		return CompactRecord{}, fmt.Errorf("decode record: %w", io.ErrUnexpectedEOF)
	}
	le := binary.LittleEndian
	return CompactRecord{
		Address:        le.Uint64(b[0:8]),
		Size:           le.Uint32(b[8:12]),
		TimestampDelta: le.Uint64(b[12:20]),
		TypeHash:       le.Uint32(b[20:24]),
		StackID:        le.Uint32(b[24:28]),
		ThreadID:       le.Uint32(b[28:32]),
		Flags:          b[32],
	}, nil
}

// Decoder reads a stream produced by BinaryWriter.
type Decoder struct {
	r      *bufio.Reader
	header Header
	buf    []byte
}

// NewDecoder reads and validates the stream header.
func NewDecoder(r io.Reader) (*Decoder, error) {
	br := bufio.NewReader(r)

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(hdr[0:4]) != Magic {
		return nil, ErrBadStream
	}

	le := binary.LittleEndian
	h := Header{Version: le.Uint16(hdr[4:6])}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadStream, h.Version)
	}
	copy(h.SessionID[:], hdr[8:24])
	//nolint:gosec // G115: written from UnixNano.
	h.Epoch = time.Unix(0, int64(le.Uint64(hdr[24:32])))

	return &Decoder{r: br, header: h}, nil
}

// Header returns the decoded stream header.
func (d *Decoder) Header() Header {
	return d.header
}

// Next returns the next batch. It returns io.EOF at a clean end of stream.
func (d *Decoder) Next() ([]CompactRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read batch length: %w", err)
	}

	count := binary.LittleEndian.Uint32(lenBuf[:])
	if count > maxBatch {
		return nil, fmt.Errorf("%w: batch of %d records", ErrBadStream, count)
	}

	size := int(count) * EncodedSize
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	d.buf = d.buf[:size]
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	out := make([]CompactRecord, count)
	for i := range out {
		rec, err := DecodeRecord(d.buf[i*EncodedSize:])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}
