package protocol

import (
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")

	nullBulkBytes = []byte("$-1\r\n")
)

// EncodeCommand encodes a command and its arguments as an array of bulk
// strings.
func EncodeCommand(args ...[]byte) []byte {
	return AppendCommand(nil, args...)
}

// AppendCommand appends the encoded command to buf.
func AppendCommand(buf []byte, args ...[]byte) []byte {
	buf = append(buf, byte(Array))
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, Terminal...)

	for _, arg := range args {
		buf = append(buf, byte(BulkString))
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, Terminal...)
		buf = append(buf, arg...)
		buf = append(buf, Terminal...)
	}

	return buf
}

// BuildCommand is EncodeCommand for string arguments.
func BuildCommand(args ...string) []byte {
	return AppendCommandString(nil, args...)
}

func AppendCommandString(buf []byte, args ...string) []byte {
	bargs := make([][]byte, len(args))
	for i, arg := range args {
		bargs[i] = []byte(arg)
	}

	return AppendCommand(buf, bargs...)
}

// BuildPipeline concatenates the encoding of several commands.
func BuildPipeline(cmds [][]string) []byte {
	var buf []byte
	for _, cmd := range cmds {
		buf = AppendCommandString(buf, cmd...)
	}

	return buf
}

func BuildAuth(password string) []byte {
	return BuildCommand(string(AUTH), password)
}

func BuildSelect(db int) []byte {
	return BuildCommand(string(SELECT), strconv.Itoa(db))
}

func WriteCommand(w io.Writer, args ...string) error {
	_, err := w.Write(BuildCommand(args...))
	return err
}

func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(v.Bytes())
	return err
}

func WriteOk(w io.Writer) error {
	return WriteValue(w, NewSimpleString("OK"))
}

func WriteError(w io.Writer, errMsg string) error {
	return WriteValue(w, NewError(errMsg))
}
