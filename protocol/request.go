package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrRequestNotArray = errors.New("Request is malformed, it must be an array of bulk strings")
	ErrRequestEmpty    = errors.New("Request is malformed, it has no command name")
)

// Request is a command received by a server.
type Request struct {
	Command Command
	Args    [][]byte
}

func (r *Request) String() string {
	return fmt.Sprintf("%s (%d args)", r.Command, len(r.Args))
}

// ParseRequest interprets a decoded value as a client command.
func ParseRequest(v Value) (*Request, error) {
	if v.Type != Array {
		return nil, fmt.Errorf("Failed to parse %s value: %w", v.Type, ErrRequestNotArray)
	}

	if len(v.Array) == 0 {
		return nil, ErrRequestEmpty
	}

	args := make([][]byte, 0, len(v.Array)-1)
	for _, elem := range v.Array {
		if elem.Type != BulkString && elem.Type != SimpleString {
			return nil, fmt.Errorf("Failed to parse %s argument: %w", elem.Type, ErrRequestNotArray)
		}

		args = append(args, elem.Str)
	}

	return &Request{
		Command: Command(bytes.ToUpper(args[0])),
		Args:    args[1:],
	}, nil
}

// CountCommands returns how many complete commands are encoded in raw.
func CountCommands(raw []byte) (int, error) {
	values, err := DecodeAll(raw)
	if err != nil {
		return 0, err
	}

	return len(values), nil
}
