package engine

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"

	"github.com/franksops/gofetch/sink"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// FormatChecksum renders a CRC64 value the way it is reported to the user.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// ChecksumSink wraps a sink.Sink and computes a CRC64 of everything written
// to it.
type ChecksumSink struct {
	sink.Sink
	hash hash.Hash64
	n    int64
}

// NewChecksumSink wraps s.
func NewChecksumSink(s sink.Sink) *ChecksumSink {
	return &ChecksumSink{
		Sink: s,
		hash: crc64.New(crcTable),
	}
}

// Write passes p to the wrapped sink and updates the checksum on success.
func (cs *ChecksumSink) Write(p []byte) error {
	if err := cs.Sink.Write(p); err != nil {
		return err
	}
	cs.n += int64(len(p))
	cs.hash.Write(p)
	return nil
}

// Checksum returns the current checksum value.
func (cs *ChecksumSink) Checksum() uint64 {
	return cs.hash.Sum64()
}

// BytesWritten returns the total number of bytes written.
func (cs *ChecksumSink) BytesWritten() int64 {
	return cs.n
}

// ChecksumWriter wraps an io.Writer to compute a checksum while writing. It
// is used when part files are merged.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash64
	n    int64
}

// NewChecksumWriter creates a new ChecksumWriter that wraps the given writer
// and computes a CRC64 checksum of the data written.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{
		w:    w,
		hash: crc64.New(crcTable),
	}
}

// Write writes data to the underlying writer and updates the checksum.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cw *ChecksumWriter) Checksum() uint64 {
	return cw.hash.Sum64()
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}
