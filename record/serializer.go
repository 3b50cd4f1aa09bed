// Package record persists training examples: a binary serializer with exact
// integer round-trips and bounded image quantization, a framed record file
// with per-frame checksums, and the pipeline that turns sample folders into
// one record file per dataset.
package record

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/gocarina/gocsv"

	"github.com/angelolab/cell-classification/dataset"
	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
)

const (
	payloadMagic   uint32 = 0x43454C52 // "CELR"
	payloadVersion byte   = 1

	// imageQuantSteps maps [0, 1] onto 16-bit storage. The worst-case
	// reconstruction error is 0.5/65535, well inside the 1e-4 contract.
	imageQuantSteps = 65535
)

// Marshal serializes one example. Mask planes are stored losslessly
// (uint8 / int32), the marker image is quantized to 16 bits, strings are
// length-prefixed, and the activity table is embedded as a CSV blob.
func Marshal(ex *dataset.Example) ([]byte, error) {
	h, w := ex.MplexImg.H, ex.MplexImg.W
	for _, plane := range []struct {
		name string
		h, w int
	}{
		{"binary_mask", ex.BinaryMask.H, ex.BinaryMask.W},
		{"instance_mask", ex.InstanceMask.H, ex.InstanceMask.W},
		{"marker_activity_mask", ex.MarkerActivityMask.H, ex.MarkerActivityMask.W},
	} {
		if plane.h != h || plane.w != w {
			return nil, errors.Newf("record: plane %s extent %dx%d does not match image %dx%d",
				plane.name, plane.h, plane.w, h, w)
		}
	}

	var buf bytes.Buffer
	writeU32(&buf, payloadMagic)
	buf.WriteByte(payloadVersion)

	for _, s := range []string{ex.Marker, ex.Dataset, ex.ImagingPlatform, ex.FolderName} {
		writeString(&buf, s)
	}

	writeU32(&buf, uint32(h))
	writeU32(&buf, uint32(w))

	for _, v := range ex.MplexImg.Pix {
		writeU16(&buf, quantize(v))
	}
	buf.Write(ex.BinaryMask.Pix)
	buf.Write(ex.MarkerActivityMask.Pix)
	for _, v := range ex.InstanceMask.Pix {
		writeU32(&buf, uint32(v))
	}

	blob, err := marshalActivityTable(ex.ActivityTable)
	if err != nil {
		return nil, err
	}
	writeU32(&buf, uint32(len(blob)))
	buf.Write(blob)

	return buf.Bytes(), nil
}

// Unmarshal reconstructs an example from a serialized payload.
func Unmarshal(data []byte) (*dataset.Example, error) {
	r := &payloadReader{data: data}

	magic, err := r.u32()
	if err != nil {
		return nil, err
	}
	if magic != payloadMagic {
		return nil, errors.Newf("record: bad payload magic %#x", magic)
	}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != payloadVersion {
		return nil, errors.Newf("record: unsupported payload version %d", version)
	}

	var strs [4]string
	for i := range strs {
		if strs[i], err = r.str(); err != nil {
			return nil, err
		}
	}

	h32, err := r.u32()
	if err != nil {
		return nil, err
	}
	w32, err := r.u32()
	if err != nil {
		return nil, err
	}
	h, w := int(h32), int(w32)
	n := h * w

	img := imaging.NewFloatGrid(h, w)
	for i := 0; i < n; i++ {
		q, err := r.u16()
		if err != nil {
			return nil, err
		}
		img.Pix[i] = float64(q) / imageQuantSteps
	}

	binaryPix, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	activityPix, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	instance := imaging.NewIntGrid(h, w)
	for i := 0; i < n; i++ {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		instance.Pix[i] = int32(v)
	}

	blobLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	blob, err := r.bytes(int(blobLen))
	if err != nil {
		return nil, err
	}
	table, err := unmarshalActivityTable(blob)
	if err != nil {
		return nil, err
	}

	binary := &imaging.ByteGrid{H: h, W: w, Pix: append([]uint8(nil), binaryPix...)}
	activity := &imaging.ByteGrid{H: h, W: w, Pix: append([]uint8(nil), activityPix...)}

	return &dataset.Example{
		MplexImg:           img,
		BinaryMask:         binary,
		InstanceMask:       instance,
		MarkerActivityMask: activity,
		Marker:             strs[0],
		Dataset:            strs[1],
		ImagingPlatform:    strs[2],
		FolderName:         strs[3],
		ActivityTable:      table,
	}, nil
}

func quantize(v float64) uint16 {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return uint16(math.Round(v * imageQuantSteps))
}

// marshalActivityTable encodes rows as CSV. An empty table becomes an empty
// blob so it round-trips without a header-only edge case.
func marshalActivityTable(t dataset.MarkerActivityTable) ([]byte, error) {
	if len(t.Rows) == 0 {
		return nil, nil
	}
	s, err := gocsv.MarshalString(&t.Rows)
	if err != nil {
		return nil, errors.Wrapf(err, "record: cannot encode activity table")
	}
	return []byte(s), nil
}

func unmarshalActivityTable(blob []byte) (dataset.MarkerActivityTable, error) {
	if len(blob) == 0 {
		return dataset.MarkerActivityTable{}, nil
	}
	var rows []dataset.ActivityRow
	if err := gocsv.UnmarshalBytes(blob, &rows); err != nil {
		return dataset.MarkerActivityTable{}, errors.Wrapf(err, "record: cannot decode activity table")
	}
	return dataset.MarkerActivityTable{Rows: rows}, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// payloadReader walks a payload with bounds checking.
type payloadReader struct {
	data []byte
	off  int
}

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, errors.Newf("record: truncated payload at offset %d", r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *payloadReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *payloadReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
