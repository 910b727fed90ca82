package storage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("key not found")
	ErrKeyExists = errors.New("key already exists")
)

// Store is a string key-value store with an all-or-nothing batch write.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Apply writes every op in the batch or none of them. If a SetIfAbsent
	// target already exists nothing is written and ErrKeyExists is returned.
	Apply(ctx context.Context, batch *Batch) error
	Ping(ctx context.Context) error
	Close() error
}

type OpKind int

const (
	OpSet OpKind = iota
	OpSetIfAbsent
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpSetIfAbsent:
		return "set-if-absent"
	default:
		return "unknown"
	}
}

type Op struct {
	Kind  OpKind
	Key   string
	Value string
}

type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Set(key, value string) *Batch {
	b.ops = append(b.ops, Op{Kind: OpSet, Key: key, Value: value})
	return b
}

func (b *Batch) SetIfAbsent(key, value string) *Batch {
	b.ops = append(b.ops, Op{Kind: OpSetIfAbsent, Key: key, Value: value})
	return b
}

func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Options struct {
	Backend    string
	RedisURL   string
	SQLitePath string
}

// Open connects to the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendSQLite:
		return NewSQLiteStorage(opts.SQLitePath)
	case BackendRedis:
		return NewRedisStorage(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
