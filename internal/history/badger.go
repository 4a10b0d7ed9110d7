package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lexiqai/voice-server/internal/observability"
)

// BadgerStore keeps history in BadgerDB. Turns are msgpack-encoded under
// history:<escaped key>:<seq>, where seq is zero-padded so key order is
// chronological.
type BadgerStore struct {
	db       *badger.DB
	maxTurns int
}

// NewBadgerStore opens (or creates) a store in dir
func NewBadgerStore(dir string, maxTurns int, inMemory bool) (*BadgerStore, error) {
	if !inMemory && dir == "" {
		return nil, errors.New("history: badger directory is required for on-disk mode")
	}
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}

	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{observability.WithComponent("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	return &BadgerStore{db: db, maxTurns: maxTurns}, nil
}

func keyPrefix(key string) []byte {
	return []byte("history:" + url.QueryEscape(key) + ":")
}

func turnKey(prefix []byte, seq uint64) []byte {
	return append(append([]byte(nil), prefix...), fmt.Sprintf("%020d", seq)...)
}

func seqFromKey(prefix, k []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(string(k), string(prefix)), 10, 64)
}

// keys returns the turn keys under prefix in chronological order
func keys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out
}

// Append writes the turn and evicts the oldest turns in the same transaction
func (s *BadgerStore) Append(_ context.Context, key string, turn Turn) error {
	if err := validate(turn); err != nil {
		return err
	}
	data, err := msgpack.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	prefix := keyPrefix(key)
	evicted := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		existing := keys(txn, prefix)

		var next uint64
		if n := len(existing); n > 0 {
			last, err := seqFromKey(prefix, existing[n-1])
			if err != nil {
				return fmt.Errorf("corrupt history key %q: %w", existing[n-1], err)
			}
			next = last + 1
		}
		if err := txn.Set(turnKey(prefix, next), data); err != nil {
			return err
		}

		over := len(existing) + 1 - s.maxTurns
		for i := 0; i < over; i++ {
			if err := txn.Delete(existing[i]); err != nil {
				return err
			}
		}
		if over > 0 {
			evicted = over
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evicted > 0 {
		observability.RecordHistoryEvictions(evicted)
	}
	return nil
}

func (s *BadgerStore) Load(_ context.Context, key string) ([]Turn, error) {
	prefix := keyPrefix(key)
	var turns []Turn

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var t Turn
			if err := msgpack.Unmarshal(val, &t); err != nil {
				return fmt.Errorf("failed to decode turn: %w", err)
			}
			turns = append(turns, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A lowered cap applies on read before the next append trims storage.
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	return turns, nil
}

func (s *BadgerStore) Clear(_ context.Context, key string) error {
	prefix := keyPrefix(key)
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys(txn, prefix) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping reports whether the database accepts reads
func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("history db is closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger output through zerolog, dropping debug and info
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
