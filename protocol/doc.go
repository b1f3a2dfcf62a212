// Package protocol implements parsing and serialising of the Redis
// serialization protocol (RESP2) as spoken between eredis and a Redis
// compatible server.
//
// === Values
//
// Every payload on the wire is a single value, introduced by a one byte
// type prefix and terminated by `\r\n`.
//
// - `+` Simple string   `+OK\r\n`
// - `-` Error           `-ERR unknown command\r\n`
// - `:` Integer         `:1000\r\n`
// - `$` Bulk string     `$5\r\nhello\r\n`, nil bulk is `$-1\r\n`
// - `*` Array           `*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n`, nil array is `*-1\r\n`
//
// === Commands
//
// A client sends every command as an array of bulk strings. The server
// replies with exactly one value per command, in the order the commands
// were received. There are no request IDs: correlation of replies to
// requests is purely positional, which is what makes pipelining possible.
//
//   ```
//     > *1\r\n$4\r\nPING\r\n
//     < +PONG\r\n
//   ```
//
// === Decoding
//
// Bytes arrive from the network in arbitrary chunks. The Decoder keeps the
// incomplete tail of the stream between calls, so feeding a stream whole or
// one byte at a time produces the same sequence of values.
//
// An error value whose message starts with `NOAUTH` is reported separately
// (AuthRequired) since it means the command was rejected only because the
// connection is not authenticated.
package protocol
