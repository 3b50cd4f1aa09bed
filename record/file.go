package record

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// Frame layout, little-endian:
//
//	u64  compressed payload length
//	u32  crc32c of the 8 length bytes
//	[n]  snappy-compressed payload
//	u32  crc32c of the compressed payload
//
// The length checksum lets readers count records and detect truncation
// without decompressing payloads.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrTruncatedFile reports a record file that ends mid-frame or carries a
// corrupt checksum. A partially written file is acceptable only because this
// error makes it detectable.
var ErrTruncatedFile = errors.Newf("record: truncated or corrupt record file")

// Writer appends framed, snappy-compressed payloads to a record file.
type Writer struct {
	f     *os.File
	w     *bufio.Writer
	count int
}

// NewWriter creates (or truncates) the record file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "record: cannot create record file %s", path)
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one payload as a frame.
func (w *Writer) Write(payload []byte) error {
	comp := snappy.Encode(nil, payload)

	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(comp)))
	binary.LittleEndian.PutUint32(header[8:], crc32.Checksum(header[:8], castagnoli))
	if _, err := w.w.Write(header[:]); err != nil {
		return errors.Wrapf(err, "record: frame header write failed")
	}
	if _, err := w.w.Write(comp); err != nil {
		return errors.Wrapf(err, "record: frame payload write failed")
	}
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], crc32.Checksum(comp, castagnoli))
	if _, err := w.w.Write(footer[:]); err != nil {
		return errors.Wrapf(err, "record: frame footer write failed")
	}
	w.count++
	return nil
}

// Count returns the number of frames written so far.
func (w *Writer) Count() int { return w.count }

// Close flushes and closes the file. It is safe to call after a failed
// Write; whatever made it to disk remains detectably framed.
func (w *Writer) Close() error {
	flushErr := w.w.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return errors.Wrapf(flushErr, "record: flush failed")
	}
	return closeErr
}

// Reader iterates the payloads of a record file.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// NewReader opens the record file at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "record: cannot open record file %s", path)
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next decompressed payload, io.EOF at a clean end of file,
// or ErrTruncatedFile when the file ends mid-frame or a checksum fails.
func (r *Reader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncatedFile
	}
	if crc32.Checksum(header[:8], castagnoli) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, ErrTruncatedFile
	}
	n := binary.LittleEndian.Uint64(header[:8])

	comp := make([]byte, n)
	if _, err := io.ReadFull(r.r, comp); err != nil {
		return nil, ErrTruncatedFile
	}
	var footer [4]byte
	if _, err := io.ReadFull(r.r, footer[:]); err != nil {
		return nil, ErrTruncatedFile
	}
	if crc32.Checksum(comp, castagnoli) != binary.LittleEndian.Uint32(footer[:]) {
		return nil, ErrTruncatedFile
	}

	payload, err := snappy.Decode(nil, comp)
	if err != nil {
		return nil, errors.Wrapf(err, "record: payload decompression failed")
	}
	return payload, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// CountRecords counts the frames of a record file without decompressing or
// deserializing payloads. Truncation yields ErrTruncatedFile.
func CountRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "record: cannot open record file %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	count := 0
	for {
		var header [12]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, ErrTruncatedFile
		}
		if crc32.Checksum(header[:8], castagnoli) != binary.LittleEndian.Uint32(header[8:]) {
			return count, ErrTruncatedFile
		}
		n := binary.LittleEndian.Uint64(header[:8])
		if _, err := br.Discard(int(n) + 4); err != nil {
			return count, ErrTruncatedFile
		}
		count++
	}
}
