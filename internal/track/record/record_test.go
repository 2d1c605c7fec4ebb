package record

import (
	"bytes"
	"errors"
	"hash/fnv"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtrack/internal/track/trackerr"
)

func rec(addr uint64, size uint32) CompactRecord {
	return CompactRecord{
		Address:  addr,
		Size:     size,
		ThreadID: 1,
		Flags:    FlagActive | FlagSampled,
	}
}

func TestSaturateSize(t *testing.T) {
	tests := []struct {
		name string
		in   uint64
		want uint32
	}{
		{"zero", 0, 0},
		{"small", 64, 64},
		{"max", math.MaxUint32, math.MaxUint32},
		{"over", math.MaxUint32 + 1, math.MaxUint32},
		{"huge", math.MaxUint64, math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SaturateSize(tt.in))
		})
	}
}

func TestSaturateDelta(t *testing.T) {
	assert.Equal(t, uint64(0), SaturateDelta(-time.Second))
	assert.Equal(t, uint64(1500), SaturateDelta(1500*time.Nanosecond))
}

func TestTypeHashMatchesFNV(t *testing.T) {
	for _, tag := range []string{"", "[]byte", "*http.Request", "map[string]int"} {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tag))
		assert.Equal(t, h.Sum32(), TypeHash(tag), "tag %q", tag)
	}
}

func TestRecordTimestamp(t *testing.T) {
	epoch := time.Unix(1_700_000_000, 0)
	r := CompactRecord{TimestampDelta: uint64(3 * time.Second)}
	assert.Equal(t, epoch.Add(3*time.Second), r.Timestamp(epoch))
}

func TestBufferAddAndFull(t *testing.T) {
	b := NewBuffer(3)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Add(rec(i*0x10, 8)))
	}
	assert.Equal(t, 3, b.Len())
	assert.InDelta(t, 1.0, b.Utilization(), 1e-9)

	err := b.Add(rec(0x40, 8))
	require.ErrorIs(t, err, trackerr.ErrBufferFull)
	assert.ErrorIs(t, err, trackerr.ErrResourceExhausted)
	assert.Equal(t, 3, b.Len(), "a full buffer must not grow")
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBufferDeactivateOnce(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Add(rec(0x1000, 64)))
	require.NoError(t, b.Add(rec(0x2000, 64)))

	assert.True(t, b.Deactivate(0x1000))
	assert.False(t, b.Deactivate(0x1000), "second deactivation must be a no-op")
	assert.False(t, b.Deactivate(0x9999), "unknown address")

	records := b.Records()
	require.Len(t, records, 2)
	assert.False(t, records[0].Active())
	assert.True(t, records[0].Sampled(), "only the active bit is cleared")
	assert.True(t, records[1].Active())
	assert.Equal(t, 1, b.Active())
	assert.False(t, b.Contains(0x1000))
	assert.True(t, b.Contains(0x2000))
}

func TestBufferAddressReuse(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Add(rec(0x1000, 64)))
	require.True(t, b.Deactivate(0x1000))
	require.NoError(t, b.Add(rec(0x1000, 128)))

	assert.True(t, b.Deactivate(0x1000))
	for _, r := range b.Records() {
		assert.False(t, r.Active())
	}
}

func TestBufferAddReplacesLiveRecord(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Add(rec(0x2000, 10)))
	require.NoError(t, b.Add(rec(0x2000, 20)))

	records := b.Records()
	require.Len(t, records, 2)
	assert.False(t, records[0].Active(), "reused address ends the first record")
	assert.True(t, records[1].Active())
	assert.Equal(t, 1, b.Active())

	assert.True(t, b.Deactivate(0x2000))
	assert.False(t, b.Records()[1].Active())
	assert.Equal(t, uint64(2), b.Stats().Deactivated)
}

func TestBufferShouldFlush(t *testing.T) {
	b := NewBuffer(10)
	assert.False(t, b.ShouldFlush(0, time.Second, 0), "empty buffer never flushes")

	r := rec(1, 1)
	r.TimestampDelta = uint64(time.Second)
	require.NoError(t, b.Add(r))

	tests := []struct {
		name      string
		threshold int
		maxAge    time.Duration
		now       time.Duration
		want      bool
	}{
		{"young, below half", 0, 5 * time.Second, 2 * time.Second, false},
		{"explicit threshold not reached", 5, 0, 2 * time.Second, false},
		{"old", 0, 5 * time.Second, 7 * time.Second, true},
		{"age disabled", 0, 0, time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.ShouldFlush(tt.threshold, tt.maxAge, uint64(tt.now)))
		})
	}

	for i := uint64(2); i <= 6; i++ {
		require.NoError(t, b.Add(rec(i, 1)))
	}
	assert.True(t, b.ShouldFlush(0, 0, 0), "6 of 10 is over half full")
	assert.False(t, b.ShouldFlush(8, 0, 0))
	assert.True(t, b.ShouldFlush(5, 0, 0))
}

func TestBufferFlush(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Add(rec(0x10, 8)))
	require.NoError(t, b.Add(rec(0x20, 8)))
	require.True(t, b.Deactivate(0x10))

	var got []CompactRecord
	n, err := b.Flush(FuncSink(func(records []CompactRecord) error {
		got = append(got, records...)
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2, "inactive records are flushed too")
	assert.False(t, got[0].Active())
	assert.True(t, got[1].Active())

	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Contains(0x20), "side map is cleared")
	assert.False(t, b.Deactivate(0x20))

	n, err = b.Flush(DiscardSink{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBufferFlushErrorStillClears(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Add(rec(0x10, 8)))
	require.NoError(t, b.Add(rec(0x20, 8)))

	sinkErr := errors.New("disk full")
	n, err := b.Flush(FuncSink(func([]CompactRecord) error { return sinkErr }))
	assert.Equal(t, 2, n)
	require.ErrorIs(t, err, sinkErr)

	var ioErr *trackerr.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, 2, ioErr.Records)

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(1), b.Stats().FlushErrors)

	require.NoError(t, b.Add(rec(0x30, 8)), "buffer is reusable after a failed flush")
}

func TestBufferResize(t *testing.T) {
	b := NewBuffer(2)
	require.NoError(t, b.Add(rec(1, 1)))

	assert.False(t, b.Resize(8), "resize of a non-empty buffer is deferred")
	assert.Equal(t, 2, b.Cap())

	_, err := b.Flush(DiscardSink{})
	require.NoError(t, err)
	assert.True(t, b.Resize(8))
	assert.Equal(t, 8, b.Cap())
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, b.Add(rec(i+1, 1)))
	}
	assert.ErrorIs(t, b.Add(rec(100, 1)), trackerr.ErrBufferFull)
}

func TestBinaryWriterRoundTrip(t *testing.T) {
	var out bytes.Buffer
	epoch := time.Unix(1_700_000_000, 42)
	w := NewBinaryWriter(&out, epoch)

	first := []CompactRecord{
		{Address: 0xdeadbeef, Size: 64, TimestampDelta: 10, TypeHash: TypeHash("T"), StackID: 7, ThreadID: 3, Flags: FlagActive},
		{Address: 0xcafe, Size: math.MaxUint32, TimestampDelta: 20, ThreadID: 3, Flags: FlagSampled},
	}
	second := []CompactRecord{{Address: 1, Size: 1, ThreadID: 4}}

	require.NoError(t, w.WriteRecords(first))
	require.NoError(t, w.WriteRecords(nil))
	require.NoError(t, w.WriteRecords(second))

	wantBytes := HeaderSize + 4 + 2*EncodedSize + 4 + EncodedSize
	assert.Equal(t, wantBytes, out.Len())
	assert.Equal(t, uint64(wantBytes), w.BytesWritten())

	d, err := NewDecoder(&out)
	require.NoError(t, err)
	assert.Equal(t, w.Header().SessionID, d.Header().SessionID)
	assert.True(t, epoch.Equal(d.Header().Epoch))

	batch, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, first, batch)

	batch, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, second, batch)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRejectsGarbage(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(bytes.Repeat([]byte{'x'}, HeaderSize)))
	assert.ErrorIs(t, err, ErrBadStream)

	_, err = NewDecoder(bytes.NewReader([]byte("MTRK")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestBinaryWriterError(t *testing.T) {
	w := NewBinaryWriter(failingWriter{}, time.Now())
	err := w.WriteRecords([]CompactRecord{rec(1, 1)})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Zero(t, w.BytesWritten())
}

// flakyWriter accepts only the first cut bytes of its first write and
// reports an error, then behaves like a bytes.Buffer.
type flakyWriter struct {
	bytes.Buffer
	cut    int
	failed bool
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		n, _ := w.Buffer.Write(p[:min(w.cut, len(p))])
		return n, io.ErrClosedPipe
	}
	return w.Buffer.Write(p)
}

func TestBinaryWriterCompletesPartialHeader(t *testing.T) {
	out := &flakyWriter{cut: 10}
	w := NewBinaryWriter(out, time.Unix(1_700_000_000, 0))

	require.ErrorIs(t, w.WriteRecords([]CompactRecord{rec(1, 1)}), io.ErrClosedPipe)
	assert.Equal(t, uint64(10), w.BytesWritten())

	require.NoError(t, w.WriteRecords([]CompactRecord{rec(2, 2)}))
	assert.Equal(t, HeaderSize+4+EncodedSize, out.Len())

	d, err := NewDecoder(&out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, w.Header().SessionID, d.Header().SessionID)

	batch, err := d.Next()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(2), batch[0].Address)
}

func BenchmarkBufferAdd(b *testing.B) {
	buf := NewBuffer(1024)
	r := rec(0, 64)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Address = uint64(i)
		if buf.Add(r) != nil {
			_, _ = buf.Flush(DiscardSink{})
			_ = buf.Add(r)
		}
	}
}
