package bo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/abboe/broker/pkg/types"
)

// DefaultMaxMetadataSize bounds the metadata section of one frame
const DefaultMaxMetadataSize = 1 << 20

// frameDelimiter separates metadata from payload
const frameDelimiter = 0

// Decoder reads business objects from a byte stream
type Decoder struct {
	r               *bufio.Reader
	maxMetadataSize int
}

// NewDecoder creates a decoder. A non-positive maxMetadataSize selects
// DefaultMaxMetadataSize.
func NewDecoder(r io.Reader, maxMetadataSize int) *Decoder {
	if maxMetadataSize <= 0 {
		maxMetadataSize = DefaultMaxMetadataSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, maxMetadataSize: maxMetadataSize}
}

// Decode reads the next object. It returns io.EOF when the stream ends
// cleanly before the first byte of a frame. Framing problems are reported
// with ErrCodeFraming; the stream cannot be used afterwards.
func (d *Decoder) Decode() (*BusinessObject, error) {
	meta, err := d.readMetadata()
	if err != nil {
		return nil, err
	}

	md, err := ParseMetadata(meta)
	if err != nil {
		return nil, err
	}

	obj := &BusinessObject{Metadata: md}
	if !md.Has(KeyType) {
		return obj, nil
	}

	size, ok := md.GetInt(KeySize)
	if !ok {
		return nil, types.NewError(types.ErrCodeFraming, "content object without a valid size")
	}
	if size < 0 {
		return nil, types.NewError(types.ErrCodeFraming, fmt.Sprintf("negative payload size %d", size))
	}

	payload, err := d.readPayload(size)
	if err != nil {
		return nil, err
	}
	obj.Payload = payload
	return obj, nil
}

func (d *Decoder) readMetadata() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice(frameDelimiter)
		if len(buf)+len(chunk) > d.maxMetadataSize+1 {
			return nil, types.NewError(types.ErrCodeFraming,
				fmt.Sprintf("metadata exceeds %d bytes", d.maxMetadataSize))
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, types.WrapError(types.ErrCodeFraming, "stream ended inside metadata", io.ErrUnexpectedEOF)
		default:
			return nil, types.WrapError(types.ErrCodeTransientIO, "read metadata", err)
		}
	}
}

func (d *Decoder) readPayload(size int64) ([]byte, error) {
	var buf bytes.Buffer
	if size < 64*1024 {
		buf.Grow(int(size))
	}
	n, err := io.CopyN(&buf, d.r, size)
	if n == size {
		return buf.Bytes(), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, types.WrapError(types.ErrCodeFraming,
			fmt.Sprintf("payload truncated: got %d of %d bytes", n, size), io.ErrUnexpectedEOF)
	}
	return nil, types.WrapError(types.ErrCodeTransientIO, "read payload", err)
}

// EncodeParts serializes obj as a metadata chunk (including the delimiter)
// and a payload chunk. The size field is computed from the payload; the
// object itself is not modified.
func EncodeParts(obj *BusinessObject) (meta, payload []byte, err error) {
	if err := obj.Validate(); err != nil {
		return nil, nil, err
	}

	override := map[string]any{KeySize: nil}
	if obj.HasContent() {
		override[KeySize] = int64(len(obj.Payload))
		payload = obj.Payload
	}

	var buf bytes.Buffer
	if err := obj.Metadata.writeJSON(&buf, override); err != nil {
		return nil, nil, err
	}
	buf.WriteByte(frameDelimiter)
	return buf.Bytes(), payload, nil
}

// Encode serializes obj into one frame
func Encode(obj *BusinessObject) ([]byte, error) {
	meta, payload, err := EncodeParts(obj)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return meta, nil
	}
	frame := make([]byte, 0, len(meta)+len(payload))
	frame = append(frame, meta...)
	return append(frame, payload...), nil
}

// Decode parses exactly one frame from data
func Decode(data []byte) (*BusinessObject, error) {
	return NewDecoder(bytes.NewReader(data), len(data)).Decode()
}
