package storage

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const UpdateBufferSize = 255

// InmemoryStore keeps every database in a single JSON document of the form
// {"db0":{"key":"value"}}.
type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, db int, key []byte, value []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}

	i.valuesMu.Lock()
	values, err := sjson.SetBytes(i.values, keyPath(db, key), string(value))
	if err == nil {
		i.values = values
	}
	i.valuesMu.Unlock()

	if err != nil {
		return err
	}

	i.publish(&Update{DB: db, Key: key, Value: value})

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, db int, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrInvalidKey
	}

	i.valuesMu.RLock()
	result := gjson.GetBytes(i.values, keyPath(db, key))
	i.valuesMu.RUnlock()

	if !result.Exists() {
		return nil, false, nil
	}

	return []byte(result.String()), true, nil
}

func (i *InmemoryStore) Del(ctx context.Context, db int, keys ...[]byte) (int, error) {
	deleted := 0

	for _, key := range keys {
		if len(key) == 0 {
			return deleted, ErrInvalidKey
		}

		path := keyPath(db, key)

		i.valuesMu.Lock()
		exists := gjson.GetBytes(i.values, path).Exists()
		var err error
		if exists {
			var values []byte
			values, err = sjson.DeleteBytes(i.values, path)
			if err == nil {
				i.values = values
			}
		}
		i.valuesMu.Unlock()

		if err != nil {
			return deleted, err
		}

		if exists {
			deleted++
			i.publish(&Update{DB: db, Key: key})
		}
	}

	return deleted, nil
}

func (i *InmemoryStore) Flush(ctx context.Context, db int) error {
	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	if !gjson.GetBytes(i.values, dbPath(db)).Exists() {
		return nil
	}

	values, err := sjson.DeleteBytes(i.values, dbPath(db))
	if err != nil {
		return err
	}

	i.values = values
	return nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if len(values) > 0 && !gjson.ValidBytes(values) {
		return ErrInvalidBackup
	}

	i.valuesMu.Lock()
	i.values = append([]byte(nil), values...)
	i.valuesMu.Unlock()

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// publish notifies listeners without blocking, a listener that falls behind
// misses updates.
func (i *InmemoryStore) publish(update *Update) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		default:
		}
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

func dbPath(db int) string {
	return "db" + strconv.Itoa(db)
}

func keyPath(db int, key []byte) string {
	return dbPath(db) + "." + escapePathComponent(string(key))
}

// escapePathComponent escapes everything gjson/sjson would otherwise read as
// path syntax.
func escapePathComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for j := 0; j < len(s); j++ {
		if c := s[j]; c < 0x80 && !isAlnum(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(s[j])
	}

	return b.String()
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

var _ Store = (*InmemoryStore)(nil)
