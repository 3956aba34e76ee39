// Package store is a thin adapter over the Redis Streams primitives the
// orchestrator uses as its control plane: command and status streams,
// the supergraph publication stream, and per-node state/parameter
// streams. Every cross-process interaction in this system goes through
// here; there is no other shared state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/config"
)

// Entry is one stream record: an orderable id and its field map. Field
// values are carried as strings, matching Redis's byte-string fields;
// callers that need structured data json-encode into a single field
// (the "data" field on the supergraph stream, the "graph" field on
// startGraph, etc).
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store wraps a Redis client with the operations the coordinator and
// booter daemons need: append, tail with a blocking read, range reads in
// both directions, config overrides, and snapshot/flush control.
type Store struct {
	client *redis.Client
}

// New dials the store described by cfg. A Unix socket takes precedence
// over host/port when set.
func New(cfg config.StoreConfig) (*Store, error) {
	opts := &redis.Options{
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Socket != "" {
		opts.Network = "unix"
		opts.Addr = cfg.Socket
	} else {
		opts.Network = "tcp"
		opts.Addr = cfg.Address()
	}

	client := redis.NewClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperror.NewRedisError(fmt.Sprintf("store connect failed: %v", err))
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed client, for tests against
// an in-memory Redis instance.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Append adds one entry to stream with an auto-generated id and returns
// the assigned id.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", s.classify(err)
	}
	return id, nil
}

// ReadTail blocks up to blockMs waiting for entries newer than lastID on
// any of streams, returning an empty slice (not an error) on timeout.
// Entries returned have ids strictly greater than lastID; "$" means
// "only entries appended after the call begins" and "0-0" means "from
// the beginning".
func (s *Store) ReadTail(ctx context.Context, streams []string, lastID string, count int64, blockMs int64) ([]Entry, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, lastID)
	}

	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Count:   count,
		Block:   time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, s.classify(err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: stringify(msg.Values)})
		}
	}
	return entries, nil
}

// ReadRange returns entries in stream between start and end (inclusive;
// a "(" prefix makes that bound exclusive), in ascending id order.
func (s *Store) ReadRange(ctx context.Context, stream, start, end string) ([]Entry, error) {
	res, err := s.client.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	return toEntries(res), nil
}

// ReadReverse returns up to count entries in stream in descending id
// order, newest first.
func (s *Store) ReadReverse(ctx context.Context, stream string, count int64) ([]Entry, error) {
	res, err := s.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	return toEntries(res), nil
}

// SetConfig applies a runtime CONFIG SET override, used to relocate the
// snapshot directory and filename before a save.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if err := s.client.ConfigSet(ctx, key, value).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// Snapshot performs a synchronous save to disk (SAVE, not the
// background BGSAVE — callers need the write to have landed before
// continuing, e.g. before invoking the NWB export subprocess).
func (s *Store) Snapshot(ctx context.Context) error {
	if err := s.client.Save(ctx).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// Flush discards all data in the current database.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// classify turns a driver error into an *apperror.Error. Every failure
// on this path is CodeRedisError and fatal to the owning process.
func (s *Store) classify(err error) error {
	return apperror.NewRedisError(err.Error())
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Fields: stringify(msg.Values)})
	}
	return entries
}

func stringify(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case []byte:
			fields[k] = string(val)
		default:
			fields[k] = fmt.Sprintf("%v", val)
		}
	}
	return fields
}
