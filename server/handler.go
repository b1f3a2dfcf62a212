// Package server implements the command set of a small Redis compatible
// server on top of transport.TCP and storage.Store. It exists for local
// development and for exercising the client against a real socket.
package server

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/protocol"
	"github.com/ucp-ntfy/eredis/storage"
	"github.com/ucp-ntfy/eredis/transport"
)

const DefaultDatabases = 16

const (
	msgNoAuth       = "NOAUTH Authentication required."
	msgWrongPass    = "WRONGPASS invalid username-password pair or user is disabled."
	msgNoPassword   = "ERR Client sent AUTH, but no password is set"
	msgDBOutOfRange = "ERR DB index is out of range"
	msgNotInteger   = "ERR value is not an integer or out of range"
)

type Options struct {
	// Password required from clients, empty disables authentication
	Password string

	// Databases is the number of selectable databases
	Databases int

	Store storage.Store

	Log *zap.Logger
}

// Handler is a transport.Handler serving the development command set.
type Handler struct {
	store     storage.Store
	databases int
	log       *zap.Logger

	mu       sync.RWMutex
	password string
	// epoch changes with every password change, sessions authenticated in
	// an earlier epoch have to authenticate again
	epoch uint64

	countsMu sync.Mutex
	counts   map[protocol.Command]int
}

func New(options Options) *Handler {
	databases := options.Databases
	if databases < 1 {
		databases = DefaultDatabases
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	store := options.Store
	if store == nil {
		store = storage.NewInmemoryStore()
	}

	return &Handler{
		store:     store,
		databases: databases,
		log:       log,
		password:  options.Password,
		counts:    make(map[protocol.Command]int),
	}
}

func (h *Handler) Store() storage.Store {
	return h.store
}

// SetPassword rotates the server password. Every connection loses its
// authentication and gets NOAUTH replies until it sends AUTH again.
func (h *Handler) SetPassword(password string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.password = password
	h.epoch++

	h.log.Info("Password rotated", zap.Uint64("epoch", h.epoch))
}

// CommandCount returns how many times cmd has been received.
func (h *Handler) CommandCount(cmd protocol.Command) int {
	h.countsMu.Lock()
	defer h.countsMu.Unlock()

	return h.counts[cmd]
}

func (h *Handler) credentials() (string, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.password, h.epoch
}

func (h *Handler) count(cmd protocol.Command) {
	h.countsMu.Lock()
	h.counts[cmd]++
	h.countsMu.Unlock()
}

func (h *Handler) NewSession(conn *transport.TCPConn) transport.Session {
	h.log.Debug("Client connected", zap.String("remote", conn.RemoteAddr()))

	return &session{
		handler: h,
		remote:  conn.RemoteAddr(),
	}
}

type session struct {
	handler *Handler
	remote  string

	db        int
	authed    bool
	authEpoch uint64
}

func (s *session) Close() {
	s.handler.log.Debug("Client disconnected", zap.String("remote", s.remote))
}

func (s *session) authenticated() bool {
	password, epoch := s.handler.credentials()
	if password == "" {
		return true
	}

	return s.authed && s.authEpoch == epoch
}

func (s *session) Handle(ctx context.Context, req *protocol.Request) (protocol.Value, error) {
	s.handler.count(req.Command)

	switch req.Command {
	case protocol.AUTH:
		return s.auth(req), nil

	case protocol.QUIT:
		return protocol.NewSimpleString("OK"), transport.ErrQuit
	}

	if !s.authenticated() {
		return protocol.NewError(msgNoAuth), nil
	}

	switch req.Command {
	case protocol.PING:
		switch len(req.Args) {
		case 0:
			return protocol.NewSimpleString("PONG"), nil
		case 1:
			return protocol.NewBulkString(req.Args[0]), nil
		}

	case protocol.ECHO:
		if len(req.Args) == 1 {
			return protocol.NewBulkString(req.Args[0]), nil
		}

	case protocol.SELECT:
		if len(req.Args) == 1 {
			return s.selectDB(req.Args[0]), nil
		}

	case protocol.GET:
		if len(req.Args) == 1 {
			return s.get(ctx, req.Args[0]), nil
		}

	case protocol.SET:
		if len(req.Args) == 2 {
			if err := s.handler.store.Set(ctx, s.db, req.Args[0], req.Args[1]); err != nil {
				return protocol.NewError("ERR " + err.Error()), nil
			}
			return protocol.NewSimpleString("OK"), nil
		}

	case protocol.DEL:
		if len(req.Args) > 0 {
			n, err := s.handler.store.Del(ctx, s.db, req.Args...)
			if err != nil {
				return protocol.NewError("ERR " + err.Error()), nil
			}
			return protocol.NewInteger(int64(n)), nil
		}

	case protocol.FLUSHDB:
		if len(req.Args) == 0 {
			if err := s.handler.store.Flush(ctx, s.db); err != nil {
				return protocol.NewError("ERR " + err.Error()), nil
			}
			return protocol.NewSimpleString("OK"), nil
		}

	default:
		return protocol.NewError("ERR unknown command '" + string(req.Command) + "'"), nil
	}

	return argNumError(req.Command), nil
}

func (s *session) auth(req *protocol.Request) protocol.Value {
	if len(req.Args) != 1 {
		return argNumError(req.Command)
	}

	password, epoch := s.handler.credentials()

	switch {
	case password == "":
		return protocol.NewError(msgNoPassword)

	case string(req.Args[0]) != password:
		s.authed = false
		return protocol.NewError(msgWrongPass)
	}

	s.authed = true
	s.authEpoch = epoch

	return protocol.NewSimpleString("OK")
}

func (s *session) selectDB(arg []byte) protocol.Value {
	db, err := strconv.Atoi(string(arg))
	if err != nil {
		return protocol.NewError(msgNotInteger)
	}

	if db < 0 || db >= s.handler.databases {
		return protocol.NewError(msgDBOutOfRange)
	}

	s.db = db
	return protocol.NewSimpleString("OK")
}

func (s *session) get(ctx context.Context, key []byte) protocol.Value {
	value, ok, err := s.handler.store.Get(ctx, s.db, key)

	switch {
	case err != nil:
		return protocol.NewError("ERR " + err.Error())
	case !ok:
		return protocol.NullValue()
	}

	return protocol.NewBulkString(value)
}

func argNumError(cmd protocol.Command) protocol.Value {
	return protocol.NewError("ERR wrong number of arguments for '" + strings.ToLower(string(cmd)) + "' command")
}

var _ transport.Handler = (*Handler)(nil)
