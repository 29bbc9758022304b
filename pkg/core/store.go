// Package core is the typed access layer of flashkv. A Storage owns one
// flash device and one range of it; keys and values are encoded by
// pkg/codec and kept in the append-only log of pkg/storage.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"flashkv/pkg/codec"
	"flashkv/pkg/common"
	"flashkv/pkg/core/memory"
	"flashkv/pkg/nor"
	"flashkv/pkg/storage"
)

// DataBufferSize is the scratch space one operation needs: the largest key
// followed by the largest value.
const DataBufferSize = codec.MaxKeyLen + codec.MaxValueLen

var (
	ErrFlashIO        = common.ErrFlashIO
	ErrInvalidData    = common.ErrInvalidData
	ErrBufferTooSmall = common.ErrBufferTooSmall
	ErrCorrupted      = storage.ErrCorrupted
	ErrFullStorage    = storage.ErrFullStorage
	ErrItemTooBig     = storage.ErrItemTooBig
	ErrInvalidRange   = storage.ErrInvalidRange
)

type options struct {
	logger *slog.Logger
	cache  storage.Cache
}

type Option func(*options)

// WithLogger sets the logger for per-operation debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCache speeds up reads with c. The cache must not be shared with
// another range. Call Warm before relying on it for absent keys.
func WithCache(c storage.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// Storage is a key/value view of range r of flash. It is not safe for
// concurrent use; wrap it in Shared for that.
type Storage[F nor.Flash] struct {
	flash  F
	rng    common.Range
	cache  storage.Cache
	logger *slog.Logger
}

// New takes ownership of flash. The range is checked on first use, not
// here.
func New[F nor.Flash](flash F, r common.Range, opts ...Option) *Storage[F] {
	o := options{
		logger: slog.New(slog.DiscardHandler),
		cache:  storage.NoCache{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Storage[F]{
		flash:  flash,
		rng:    r,
		cache:  o.cache,
		logger: o.logger,
	}
}

func (s *Storage[F]) Flash() F {
	return s.flash
}

// Get returns the value last inserted for key. A key that was never
// written, was removed, or was erased reports false with a nil error.
func Get[V any, K codec.Key, F nor.Flash](ctx context.Context, s *Storage[F], key K) (V, bool, error) {
	var zero V
	raw, ok, err := s.fetch(ctx, string(key))
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := codec.DecodeValue[V](raw)
	if err != nil {
		return zero, false, fmt.Errorf("get: %w", err)
	}
	return v, true, nil
}

// GetRaw is Get without value decoding. The returned bytes are a copy.
func GetRaw[K codec.Key, F nor.Flash](ctx context.Context, s *Storage[F], key K) ([]byte, bool, error) {
	raw, ok, err := s.fetch(ctx, string(key))
	if err != nil || !ok {
		return nil, false, err
	}
	return append([]byte(nil), raw...), true, nil
}

func (s *Storage[F]) fetch(ctx context.Context, key string) ([]byte, bool, error) {
	ek, err := codec.EncodeKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	var buf [DataBufferSize]byte
	raw, ok, err := storage.FetchItem(ctx, s.flash, s.rng, s.cache, buf[:], ek.Bytes())
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", ek, err)
	}
	s.logger.Debug("get", "key", ek, "found", ok, "size", len(raw))
	return raw, ok, nil
}

// Insert stores value under key, replacing any earlier value.
func Insert[V any, K codec.Key, F nor.Flash](ctx context.Context, s *Storage[F], key K, value V) error {
	ev, err := codec.EncodeValue(value)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return s.store(ctx, string(key), ev)
}

// InsertRaw stores value, which must already be a single encoded item,
// without passing it through the value codec.
func InsertRaw[K codec.Key, F nor.Flash](ctx context.Context, s *Storage[F], key K, value []byte) error {
	ev, err := codec.RawValue(value)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return s.store(ctx, string(key), ev)
}

func (s *Storage[F]) store(ctx context.Context, key string, ev codec.EncodedValue) error {
	ek, err := codec.EncodeKey(key)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	var buf [DataBufferSize]byte
	if err := storage.StoreItem(ctx, s.flash, s.rng, s.cache, buf[:], ek.Bytes(), ev.Bytes(), codec.KeyLen); err != nil {
		return fmt.Errorf("insert %s: %w", ek, err)
	}
	s.logger.Debug("insert", "key", ek, "size", ev.Len())
	return nil
}

// Remove deletes every stored value of key. It needs a device that can
// program a word twice and takes time proportional to the data stored.
// Removing an absent key is not an error.
func Remove[K codec.Key, F nor.MultiwriteFlash](ctx context.Context, s *Storage[F], key K) error {
	ek, err := codec.EncodeKey(key)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if err := storage.RemoveItem(ctx, s.flash, s.rng, s.cache, ek.Bytes()); err != nil {
		return fmt.Errorf("remove %s: %w", ek, err)
	}
	s.logger.Debug("remove", "key", ek)
	return nil
}

// EraseAll erases the whole range.
func (s *Storage[F]) EraseAll(ctx context.Context) error {
	if err := storage.EraseAll(ctx, s.flash, s.rng, s.cache); err != nil {
		return fmt.Errorf("erase all %s: %w", s.rng, err)
	}
	s.logger.Info("range erased", "range", s.rng.String())
	return nil
}

// Dump returns the visible record of every key, ordered by encoded key.
func (s *Storage[F]) Dump(ctx context.Context) ([]common.Record, error) {
	mt := memory.NewMemTable(16)
	var buf [DataBufferSize]byte
	err := storage.Items(ctx, s.flash, s.rng, buf[:], codec.KeyLen, func(key, value []byte, _ uint32) error {
		mt.Put(key, value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", s.rng, err)
	}

	records := make([]common.Record, 0, mt.Count())
	mt.Iterator(func(key string, val []byte) bool {
		records = append(records, common.Record{Key: []byte(key), Value: val})
		return true
	})
	return records, nil
}

// Warm rebuilds the cache from a full scan of the range. Afterwards the
// cache knows every stored key.
func (s *Storage[F]) Warm(ctx context.Context) error {
	s.cache.Reset()
	var buf [DataBufferSize]byte
	count := 0
	err := storage.Items(ctx, s.flash, s.rng, buf[:], codec.KeyLen, func(key, _ []byte, addr uint32) error {
		s.cache.Notify(key, addr)
		count++
		return nil
	})
	if err != nil {
		s.cache.Reset()
		return fmt.Errorf("warm %s: %w", s.rng, err)
	}
	s.cache.Complete()
	s.logger.Debug("cache warmed", "records", count)
	return nil
}
