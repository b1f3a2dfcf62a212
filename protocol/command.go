package protocol

// Type is the one byte prefix that introduces every RESP value.
type Type byte

const (
	SimpleString Type = '+'
	Error        Type = '-'
	Integer      Type = ':'
	BulkString   Type = '$'
	Array        Type = '*'

	// Null has no prefix of its own on the wire, it's the nil bulk string
	// or nil array.
	Null Type = '_'
)

func (t Type) String() string {
	switch t {
	case SimpleString:
		return "simple-string"
	case Error:
		return "error"
	case Integer:
		return "integer"
	case BulkString:
		return "bulk-string"
	case Array:
		return "array"
	case Null:
		return "null"
	default:
		return "unknown"
	}
}

type Command string

const (
	AUTH    Command = "AUTH"
	SELECT  Command = "SELECT"
	PING    Command = "PING"
	ECHO    Command = "ECHO"
	QUIT    Command = "QUIT"
	GET     Command = "GET"
	SET     Command = "SET"
	DEL     Command = "DEL"
	FLUSHDB Command = "FLUSHDB"
)
