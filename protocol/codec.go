package protocol

import (
	"bufio"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ErrMalformedFrame reports wire data that does not match the bencode
// grammar: a bad length prefix, a non-numeric integer field, an
// unterminated container, or a stream that ends in the middle of a value.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode writes the bencode representation of v to w.
// Supported values: []byte and string (length-prefixed byte strings),
// int and int64 (i...e), []any (l...e), and *Dict (d...e, entries in
// insertion order). Encoding is deterministic for identical input.
func Encode(w io.Writer, v any) error {
	switch val := v.(type) {
	case []byte:
		return encodeBytes(w, val)
	case string:
		return encodeBytes(w, []byte(val))
	case int:
		return encodeInt(w, int64(val))
	case int64:
		return encodeInt(w, val)
	case []any:
		if _, err := io.WriteString(w, "l"); err != nil {
			return err
		}
		for _, item := range val {
			if err := Encode(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	case *Dict:
		if _, err := io.WriteString(w, "d"); err != nil {
			return err
		}
		for _, key := range val.keys {
			if err := encodeBytes(w, []byte(key)); err != nil {
				return err
			}
			if err := Encode(w, val.vals[key]); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	default:
		return errors.Errorf("bencode: unsupported type %T", v)
	}
}

func encodeBytes(w io.Writer, b []byte) error {
	prefix := strconv.AppendInt(nil, int64(len(b)), 10)
	prefix = append(prefix, ':')
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func encodeInt(w io.Writer, n int64) error {
	buf := append([]byte{'i'}, strconv.AppendInt(nil, n, 10)...)
	buf = append(buf, 'e')
	_, err := w.Write(buf)
	return err
}

// Decoder reads bencode values from a byte stream. Each call to Decode
// consumes exactly one top-level value and leaves the cursor at the start
// of the next one.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads one value: []byte for byte strings, int64 for integers,
// []any for lists, *Dict for dictionaries. A clean end of stream before
// the first byte of a value returns io.EOF; running out of bytes anywhere
// inside a value is reported as ErrMalformedFrame. Read errors from the
// underlying stream (including deadline expiry) pass through unchanged.
func (d *Decoder) Decode() (any, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	return d.value(b)
}

func (d *Decoder) value(first byte) (any, error) {
	switch {
	case first >= '0' && first <= '9':
		return d.bytesValue(first)
	case first == 'i':
		return d.intValue()
	case first == 'l':
		return d.listValue()
	case first == 'd':
		return d.dictValue()
	default:
		return nil, errors.Wrapf(ErrMalformedFrame, "unexpected byte %q", first)
	}
}

func (d *Decoder) bytesValue(first byte) ([]byte, error) {
	digits := []byte{first}
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, errors.Wrapf(ErrMalformedFrame, "bad length prefix byte %q", b)
		}
		digits = append(digits, b)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "bad length prefix %q", digits)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func (d *Decoder) intValue() (int64, error) {
	var digits []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, truncated(err)
		}
		if b == 'e' {
			break
		}
		digits = append(digits, b)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedFrame, "bad integer %q", digits)
	}
	return n, nil
}

func (d *Decoder) listValue() ([]any, error) {
	items := []any{}
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		if b == 'e' {
			return items, nil
		}
		item, err := d.value(b)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

func (d *Decoder) dictValue() (*Dict, error) {
	dict := NewDict()
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		if b == 'e' {
			return dict, nil
		}
		if b < '0' || b > '9' {
			return nil, errors.Wrapf(ErrMalformedFrame, "dictionary key must be a string, got byte %q", b)
		}
		key, err := d.bytesValue(b)
		if err != nil {
			return nil, err
		}
		vb, err := d.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		val, err := d.value(vb)
		if err != nil {
			return nil, err
		}
		dict.Set(string(key), val)
	}
}

// truncated classifies an end-of-stream inside a value as a framing
// error; other read errors (deadlines, resets) keep their identity.
func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(ErrMalformedFrame, "stream ended mid-value")
	}
	return err
}
