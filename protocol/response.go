package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

// Value is a single decoded RESP value.
type Value struct {
	Type  Type
	Str   []byte
	Int   int64
	Array []Value
}

// ServerError is an error reply sent by the server, e.g. `-ERR unknown command`.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Prefix returns the error code, the first word of the message (e.g. ERR,
// NOAUTH, WRONGTYPE).
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Message, ' '); i >= 0 {
		return e.Message[:i]
	}

	return e.Message
}

func NewSimpleString(s string) Value {
	return Value{Type: SimpleString, Str: []byte(s)}
}

func NewError(msg string) Value {
	return Value{Type: Error, Str: []byte(msg)}
}

func NewInteger(i int64) Value {
	return Value{Type: Integer, Int: i}
}

func NewBulkString(b []byte) Value {
	return Value{Type: BulkString, Str: b}
}

func NewArray(values ...Value) Value {
	return Value{Type: Array, Array: values}
}

// NullValue is the nil bulk string, `$-1\r\n`.
func NullValue() Value {
	return Value{Type: Null}
}

// ErrorOrNil returns an error if the value is an error reply. Otherwise it
// returns nil.
func (v Value) ErrorOrNil() error {
	if v.Type == Error {
		return &ServerError{Message: string(v.Str)}
	}

	return nil
}

// IsOK reports whether the value is the `+OK` status reply.
func (v Value) IsOK() bool {
	return v.Type == SimpleString && bytes.Equal(v.Str, PrefixOk)
}

// IsNoAuth reports whether the value is a NOAUTH error reply.
func (v Value) IsNoAuth() bool {
	return v.Type == Error && bytes.HasPrefix(v.Str, PrefixNoAuth)
}

// Text returns the value as a string for the scalar types.
func (v Value) Text() string {
	switch v.Type {
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Null, Array:
		return ""
	default:
		return string(v.Str)
	}
}

// String renders the value the way redis-cli would print it.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b, "")
	return b.String()
}

func (v Value) format(b *strings.Builder, indent string) {
	switch v.Type {
	case SimpleString:
		b.Write(v.Str)
	case Error:
		b.WriteString("(error) ")
		b.Write(v.Str)
	case Integer:
		b.WriteString("(integer) ")
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case BulkString:
		b.WriteString(strconv.Quote(string(v.Str)))
	case Null:
		b.WriteString("(nil)")
	case Array:
		if len(v.Array) == 0 {
			b.WriteString("(empty array)")
			return
		}

		for i, elem := range v.Array {
			if i > 0 {
				b.WriteString("\n")
				b.WriteString(indent)
			}

			prefix := strconv.Itoa(i+1) + ") "
			b.WriteString(prefix)
			elem.format(b, indent+strings.Repeat(" ", len(prefix)))
		}
	}
}

// Bytes serialises the value in its wire format.
func (v Value) Bytes() []byte {
	return v.AppendTo(nil)
}

// AppendTo appends the wire format of the value to buf.
func (v Value) AppendTo(buf []byte) []byte {
	switch v.Type {
	case SimpleString, Error:
		buf = append(buf, byte(v.Type))
		buf = append(buf, v.Str...)
		return append(buf, Terminal...)

	case Integer:
		buf = append(buf, byte(Integer))
		buf = strconv.AppendInt(buf, v.Int, 10)
		return append(buf, Terminal...)

	case BulkString:
		buf = append(buf, byte(BulkString))
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, Terminal...)
		buf = append(buf, v.Str...)
		return append(buf, Terminal...)

	case Array:
		buf = append(buf, byte(Array))
		buf = strconv.AppendInt(buf, int64(len(v.Array)), 10)
		buf = append(buf, Terminal...)
		for _, elem := range v.Array {
			buf = elem.AppendTo(buf)
		}
		return buf

	default:
		return append(buf, nullBulkBytes...)
	}
}
