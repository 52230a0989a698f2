// Package redisstore provides a Redis-backed implementation of storage.Store.
//
// Every leaf is one Redis string holding its CBOR encoding, keyed by the
// namespace followed by the path. Transactions use WATCH/MULTI/EXEC, so a
// commit fails whenever another client touched the key between the read and
// the EXEC. Every write publishes the changed path on the namespace's change
// channel; each Store instance listens on that channel and feeds its own
// subscribers.
//
// Transact operates on leaves only, and subtree reads (SCAN followed by
// MGET) are not isolated from concurrent writers. The group protocol only
// transacts on leaves and tolerates subtree reads that straddle a write.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"

	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/watch"
)

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// DefaultNamespace prefixes every key written by the store.
const DefaultNamespace = "pacegroup:"

// errStale signals that a watched key changed before the commit.
var errStale = errors.New("watched key changed")

// Config holds the parameters for connecting to Redis.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Namespace prefixes every key and the change channel. Defaults to
	// DefaultNamespace.
	Namespace string

	// MaxRetries bounds the attempts of a single Transact call.
	MaxRetries int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Store implements storage.Store on Redis.
type Store struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	hub        *watch.Hub
	namespace  string
	channel    string
	maxRetries int
	logger     *slog.Logger

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// New connects to Redis and starts listening for changes.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to reach redis at %s: %w", storage.ErrUnavailable, cfg.Addr, err)
	}
	return NewWithClient(client, cfg)
}

// NewWithClient builds a Store on an existing client. The Store takes
// ownership of the client and closes it on Close.
func NewWithClient(client *redis.Client, cfg Config) (*Store, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = storage.DefaultMaxTransactionRetries
	}

	s := &Store{
		client:     client,
		namespace:  namespace,
		channel:    namespace + "changes",
		maxRetries: maxRetries,
		logger:     logger,
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
	s.hub = watch.NewHub(s.Read, logger)

	s.pubsub = client.Subscribe(s.channel)
	// Wait for the subscription confirmation so no change published after
	// New returns is missed.
	if _, err := s.pubsub.Receive(); err != nil {
		s.pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", storage.ErrUnavailable, s.channel, err)
	}
	go s.listen()

	logger.Info("redis store opened", "addr", client.Options().Addr, "namespace", namespace)
	return s, nil
}

// Close stops the change listener, fails every subscription and closes the
// client.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.pubsub.Close()
		<-s.done
		s.hub.Close()
		err = s.client.Close()
	})
	return err
}

// Read returns the value at path: the leaf stored there, or the tree
// assembled from the leaves below it.
func (s *Store) Read(ctx context.Context, path string) (storage.Value, error) {
	if err := storage.ValidatePath(path); err != nil {
		return storage.Value{}, err
	}
	client := s.client.WithContext(ctx)

	raw, err := s.getLeaf(client, path)
	if err != nil {
		return storage.Value{}, err
	}
	if raw != nil {
		return storage.ValueOf(raw), nil
	}

	keys, err := s.scan(client, path)
	if err != nil {
		return storage.Value{}, err
	}
	if len(keys) == 0 {
		return storage.Value{}, nil
	}

	values, err := client.MGet(keys...).Result()
	if err != nil {
		return storage.Value{}, unavailable("failed to read subtree", err)
	}
	leaves := make(map[string][]byte, len(keys))
	for i, key := range keys {
		if str, ok := values[i].(string); ok {
			leaves[s.path(key)] = []byte(str)
		}
	}
	return storage.AssembleTree(path, leaves)
}

// Write replaces the value at path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update applies several writes in one MULTI/EXEC block.
func (s *Store) Update(ctx context.Context, values map[string]any) error {
	if err := storage.ValidateUpdate(values); err != nil {
		return err
	}
	client := s.client.WithContext(ctx)

	type write struct {
		path        string
		raw         []byte
		descendants []string
	}
	writes := make([]write, 0, len(values))
	for path, value := range values {
		v, err := storage.Encode(value)
		if err != nil {
			return err
		}
		descendants, err := s.scan(client, path)
		if err != nil {
			return err
		}
		writes = append(writes, write{path: path, raw: v.Bytes(), descendants: descendants})
	}

	_, err := client.TxPipelined(func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.Del(append([]string{s.key(w.path)}, w.descendants...)...)
			if w.raw != nil {
				for _, ancestor := range storage.Ancestors(w.path) {
					pipe.Del(s.key(ancestor))
				}
				pipe.Set(s.key(w.path), w.raw, 0)
			}
			pipe.Publish(s.channel, w.path)
		}
		return nil
	})
	if err != nil {
		return unavailable("failed to write", err)
	}
	return nil
}

// GenerateKey returns a time-ordered UUIDv7.
func (s *Store) GenerateKey(ctx context.Context, parent string) (string, error) {
	if err := storage.ValidatePath(parent); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", unavailable("failed to generate key", err)
	}
	return id.String(), nil
}

// Transact runs an optimistic read-modify-write on the leaf at path.
func (s *Store) Transact(ctx context.Context, path string, update storage.UpdateFunc) (storage.Value, error) {
	if err := storage.ValidatePath(path); err != nil {
		return storage.Value{}, err
	}
	client := s.client.WithContext(ctx)
	key := s.key(path)

	load := func(ctx context.Context) ([]byte, error) {
		return s.getLeaf(client, path)
	}

	commit := func(ctx context.Context, expected, next []byte) (bool, error) {
		err := client.Watch(func(tx *redis.Tx) error {
			current, err := tx.Get(key).Bytes()
			if err == redis.Nil {
				current = nil
			} else if err != nil {
				return err
			}
			if !bytes.Equal(current, expected) {
				return errStale
			}

			_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(key)
				} else {
					pipe.Set(key, next, 0)
				}
				pipe.Publish(s.channel, path)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errStale), err == redis.TxFailedErr:
			return false, nil
		default:
			return false, unavailable("failed to commit transaction", err)
		}
	}

	return storage.RunOptimistic(ctx, path, s.maxRetries, load, commit, update)
}

// Subscribe delivers the value at path now and after every related change.
func (s *Store) Subscribe(ctx context.Context, path string, onChange func(storage.Value), onError func(error)) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.hub.Subscribe(path, onChange, onError)
}

// Unsubscribe stops a subscription.
func (s *Store) Unsubscribe(h storage.Handle) {
	s.hub.Unsubscribe(h)
}

// listen forwards change-channel messages to the hub. A receive error means
// messages may have been lost, so every live subscription is failed and the
// owners reopen; the listener keeps going for new subscriptions.
func (s *Store) listen() {
	defer close(s.done)

	for {
		msg, err := s.pubsub.Receive()
		select {
		case <-s.closing:
			return
		default:
		}

		if err != nil {
			s.logger.Warn("redis change channel failed", "channel", s.channel, "error", err)
			s.hub.Fail(unavailable("change channel", err))
			select {
			case <-s.closing:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if message, ok := msg.(*redis.Message); ok {
			s.hub.Notify(message.Payload)
		}
	}
}

func (s *Store) getLeaf(client *redis.Client, path string) ([]byte, error) {
	raw, err := client.Get(s.key(path)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to read "+path, err)
	}
	return raw, nil
}

// scan returns the keys of every leaf strictly below path.
func (s *Store) scan(client *redis.Client, path string) ([]string, error) {
	match := escapeGlob(s.key(path)+"/") + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(cursor, match, 256).Result()
		if err != nil {
			return nil, unavailable("failed to scan "+path, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *Store) key(path string) string {
	return s.namespace + path
}

func (s *Store) path(key string) string {
	return strings.TrimPrefix(key, s.namespace)
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrUnavailable, msg, err)
}
