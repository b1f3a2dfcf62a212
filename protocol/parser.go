package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// MaxBulkLength is the largest bulk string the decoder accepts, the same
// limit Redis itself enforces.
const MaxBulkLength = 512 * 1024 * 1024

var (
	ErrMalformed         = errors.New("malformed RESP payload")
	ErrUnknownType       = errors.New("unknown RESP type prefix")
	ErrMissingCR         = errors.New("line is not terminated by \\r\\n")
	ErrInvalidLength     = errors.New("invalid length header")
	ErrBulkTooLarge      = errors.New("bulk string exceeds the maximum length")
	ErrMissingTerminator = errors.New("bulk string is not terminated by \\r\\n")

	// errIncomplete means the buffer ends before the value does.
	errIncomplete = errors.New("incomplete value")

	PrefixNoAuth = []byte("NOAUTH")
	PrefixOk     = []byte("OK")
)

type ResultKind int

const (
	// NeedMore means the decoder retained the data and needs more bytes to
	// produce a value.
	NeedMore ResultKind = iota

	// Decoded means a complete value was decoded. Rest holds any bytes that
	// followed it.
	Decoded

	// AuthRequired means a NOAUTH error reply was decoded. Rest holds any
	// bytes that followed it.
	AuthRequired

	// Malformed means the stream violates the protocol framing and cannot be
	// resynchronised.
	Malformed
)

func (k ResultKind) String() string {
	switch k {
	case NeedMore:
		return "need-more"
	case Decoded:
		return "decoded"
	case AuthRequired:
		return "auth-required"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a single Decode call.
type Result struct {
	Kind  ResultKind
	Value Value
	Rest  []byte
	Err   error
}

// Decoder is an incremental RESP decoder. The zero value is ready to use.
//
// Headers are consumed as soon as they are complete, so a long bulk string or
// a large array is parsed once no matter how many chunks it arrives in.
//
// A Decoder is not safe for concurrent use; it's owned by whoever reads the
// connection.
type Decoder struct {
	// buf holds received bytes that haven't been consumed yet. It's only
	// ever appended to, values decoded earlier may still point into it.
	buf []byte

	// scanned is how much of an incomplete line in buf has been searched
	// for its terminator.
	scanned int

	// inBulk is set once a bulk header has been consumed and its body of
	// bulk bytes is still missing.
	inBulk bool
	bulk   int

	// frames are the arrays being filled, innermost last.
	frames []frame
}

type frame struct {
	count  int
	values []Value
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Buffered returns the number of bytes held back waiting for the rest of a
// value.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received value.
func (d *Decoder) Reset() {
	d.buf = nil
	d.scanned = 0
	d.inBulk = false
	d.frames = nil
}

func (d *Decoder) inProgress() bool {
	return len(d.buf) > 0 || d.inBulk || len(d.frames) > 0
}

// Decode feeds data to the decoder and decodes at most one value.
//
// When the result is Decoded or AuthRequired the caller should call Decode
// again with Rest until NeedMore is returned. Decoded values may point into
// data, so it must not be reused afterwards.
func (d *Decoder) Decode(data []byte) Result {
	b := data
	owned := len(d.buf) > 0
	if owned {
		d.buf = append(d.buf, data...)
		b = d.buf
	}

	if len(b) == 0 {
		return Result{Kind: NeedMore}
	}

	value, n, err := d.parse(b)

	switch {
	case errors.Is(err, errIncomplete):
		if owned {
			d.buf = b[n:]
		} else {
			d.buf = append([]byte(nil), b[n:]...)
		}
		return Result{Kind: NeedMore}

	case err != nil:
		d.Reset()
		return Result{Kind: Malformed, Err: err}
	}

	d.buf = nil

	rest := b[n:]
	if len(rest) == 0 {
		rest = nil
	}

	if value.IsNoAuth() {
		return Result{Kind: AuthRequired, Value: value, Rest: rest}
	}

	return Result{Kind: Decoded, Value: value, Rest: rest}
}

// parse consumes b until a top level value is complete. It returns how many
// bytes were consumed, errIncomplete means every complete piece of b was
// consumed and recorded in the decoder.
func (d *Decoder) parse(b []byte) (Value, int, error) {
	p := 0

	for {
		var (
			value Value
			done  bool
		)

		if d.inBulk {
			end := p + d.bulk + len(Terminal)
			if len(b) < end {
				return Value{}, p, errIncomplete
			}

			if !bytes.Equal(b[p+d.bulk:end], Terminal) {
				return Value{}, 0, ErrMissingTerminator
			}

			value = NewBulkString(b[p : p+d.bulk])
			d.inBulk = false
			p = end
			done = true
		} else {
			line, n, err := readLine(b[p:], d.scanned)
			if errors.Is(err, errIncomplete) {
				d.scanned = len(b) - p
				return Value{}, p, err
			}
			if err != nil {
				return Value{}, 0, err
			}

			d.scanned = 0
			p += n

			value, done, err = d.header(line)
			if err != nil {
				return Value{}, 0, err
			}
		}

		if !done {
			continue
		}

		if value, done = d.complete(value); done {
			return value, p, nil
		}
	}
}

// header interprets a type line. It reports false when the value continues
// past the line: a bulk body or array elements.
func (d *Decoder) header(line []byte) (Value, bool, error) {
	if len(line) == 0 {
		return Value{}, false, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	switch Type(line[0]) {
	case SimpleString, Error:
		return Value{Type: Type(line[0]), Str: line[1:]}, true, nil

	case Integer:
		i, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return Value{}, false, fmt.Errorf("%w: integer '%s'", ErrMalformed, line)
		}
		return NewInteger(i), true, nil

	case BulkString:
		size, err := parseLength(line)
		if err != nil {
			return Value{}, false, err
		}

		if size < 0 {
			return NullValue(), true, nil
		}

		if size > MaxBulkLength {
			return Value{}, false, ErrBulkTooLarge
		}

		d.inBulk, d.bulk = true, size
		return Value{}, false, nil

	case Array:
		count, err := parseLength(line)
		if err != nil {
			return Value{}, false, err
		}

		if count < 0 {
			return NullValue(), true, nil
		}

		if count == 0 {
			return NewArray([]Value{}...), true, nil
		}

		// The header is untrusted, don't let it size the allocation.
		capacity := count
		if capacity > 1024 {
			capacity = 1024
		}

		d.frames = append(d.frames, frame{count: count, values: make([]Value, 0, capacity)})
		return Value{}, false, nil

	default:
		return Value{}, false, fmt.Errorf("Failed to parse '%s': %w", string(line), ErrUnknownType)
	}
}

// complete adds value to the innermost open array, closing every array it
// fills. It reports whether a top level value is finished.
func (d *Decoder) complete(value Value) (Value, bool) {
	for len(d.frames) > 0 {
		top := &d.frames[len(d.frames)-1]
		top.values = append(top.values, value)

		if len(top.values) < top.count {
			return Value{}, false
		}

		value = NewArray(top.values...)
		d.frames = d.frames[:len(d.frames)-1]
	}

	d.frames = nil
	return value, true
}

// DecodeAll decodes every complete value in data. It's a convenience for
// synchronous readers; a trailing incomplete value is an error.
func DecodeAll(data []byte) ([]Value, error) {
	var (
		d      Decoder
		values []Value
	)

	for {
		res := d.Decode(data)

		switch res.Kind {
		case NeedMore:
			if d.inProgress() {
				return values, fmt.Errorf("%w: %d trailing bytes", errIncomplete, d.Buffered())
			}
			return values, nil

		case Malformed:
			return values, res.Err

		default:
			values = append(values, res.Value)
			data = res.Rest
		}
	}
}

// readLine returns the first line of b without its \r\n, and the number of
// bytes consumed including the terminator. The first from bytes are known to
// hold no terminator.
func readLine(b []byte, from int) ([]byte, int, error) {
	i := bytes.IndexByte(b[from:], '\n')
	if i < 0 {
		return nil, 0, errIncomplete
	}
	i += from

	if i == 0 || b[i-1] != '\r' {
		return nil, 0, ErrMissingCR
	}

	return b[:i-1], i + 1, nil
}

func parseLength(line []byte) (int, error) {
	size, err := strconv.Atoi(string(line[1:]))
	if err != nil || size < -1 {
		return 0, fmt.Errorf("%w: '%s'", ErrInvalidLength, line)
	}

	return size, nil
}
