package client

import (
	"fmt"

	"github.com/ucp-ntfy/eredis/protocol"
)

// reply is what a caller receives, exactly once per request.
type reply struct {
	value  protocol.Value
	values []protocol.Value
	err    error
}

type entryKind int

const (
	// commandEntry is a single command or a whole pipeline.
	commandEntry entryKind = iota

	// authMarker holds the reply slot of an AUTH command the client sent on
	// its own while repairing authentication.
	authMarker
)

// pending is one entry of the queue.
type pending struct {
	kind entryKind

	// caller is nil for fire and forget requests and for auth markers
	caller   chan<- reply
	pipeline bool

	// commands is how many commands raw holds
	commands int
	// expected is how many replies are still owed
	expected    int
	accumulated []protocol.Value

	// raw is kept so the entry can be resent verbatim
	raw []byte

	// repairs counts NOAUTH replies absorbed for the outstanding replies,
	// always <= expected
	repairs int
}

func newRequest(caller chan<- reply, raw []byte, commands int, pipeline bool) *pending {
	return &pending{
		kind:     commandEntry,
		caller:   caller,
		pipeline: pipeline,
		commands: commands,
		expected: commands,
		raw:      raw,
	}
}

// fail delivers err to the caller, if there is one.
func (p *pending) fail(err error) {
	p.deliver(reply{err: err})
}

func (p *pending) deliver(r reply) {
	if p.caller == nil {
		return
	}

	// The channel is buffered and written once. A caller that gave up
	// never reads it and the reply is dropped with the channel.
	select {
	case p.caller <- r:
	default:
	}
}

// queue is the ordered record of entries awaiting replies. Its order is the
// order in which their bytes were written to the connection; every reply
// read from the connection belongs to the head.
type queue struct {
	entries []*pending
}

func (q *queue) len() int {
	return len(q.entries)
}

func (q *queue) push(p *pending) {
	q.entries = append(q.entries, p)
}

func (q *queue) pushAuthMarker() {
	q.push(&pending{kind: authMarker, expected: 1})
}

func (q *queue) pop() *pending {
	head := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]

	return head
}

// resolve hands a decoded value to the head of the queue. It reports whether
// the value completed an authentication repair.
func (q *queue) resolve(v protocol.Value) (bool, error) {
	if len(q.entries) == 0 {
		return false, fmt.Errorf("%w: %s reply with no request waiting", ErrProtocolDesync, v.Type)
	}

	head := q.entries[0]

	switch {
	case head.kind == authMarker:
		q.pop()

		if !v.IsOK() {
			return false, fmt.Errorf("%w: AUTH replied %q", ErrAuthenticationRejected, v.Text())
		}

		return true, nil

	case head.expected == 1:
		q.pop()

		if head.pipeline {
			head.deliver(reply{values: append(head.accumulated, v)})
		} else {
			head.deliver(reply{value: v})
		}

	default:
		head.expected--
		head.accumulated = append(head.accumulated, v)
	}

	return false, nil
}

// requeueForRetry records that the head's next outstanding reply was a
// NOAUTH rejection. Once every outstanding reply of the head has been
// rejected the head is moved to the tail, behind the AUTH marker, and its
// bytes are returned to be resent. Until then it returns nil.
func (q *queue) requeueForRetry() ([]byte, error) {
	if len(q.entries) == 0 {
		return nil, fmt.Errorf("%w: NOAUTH reply with no request waiting", ErrProtocolDesync)
	}

	head := q.entries[0]
	if head.kind == authMarker {
		return nil, fmt.Errorf("%w: AUTH replied NOAUTH", ErrAuthenticationRejected)
	}

	head.repairs++
	if head.repairs < head.expected {
		return nil, nil
	}

	// The resent bytes produce a reply for every command again.
	head.repairs = 0
	head.expected = head.commands
	head.accumulated = nil

	q.pop()
	q.push(head)

	return head.raw, nil
}

// drain delivers err to every caller, head first, and empties the queue.
func (q *queue) drain(err error) {
	for _, p := range q.entries {
		p.fail(err)
	}

	q.entries = nil
}
