// Package storage keeps directory snapshots in an object store.
package storage

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"
)

// ErrObjectNotFound is returned by Get for a key that does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored snapshot.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectStore is the bucket surface snapshots need. Implementations are
// bound to a single bucket.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Storage manages snapshots on top of an ObjectStore.
type Storage struct {
	backend ObjectStore
}

// NewStorage wraps an object store backend.
func NewStorage(backend ObjectStore) *Storage {
	return &Storage{backend: backend}
}

// EnsureBucket creates the backing bucket when it is missing.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads an object.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, key, r, size, contentType)
}

// Get opens a reader for an object.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Bucket returns the backing bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// Snapshots lists the objects under prefix, oldest key first. Snapshot keys
// embed a sortable UTC timestamp, so key order is creation order.
func (s *Storage) Snapshots(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objects, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Latest returns the newest snapshot under prefix.
func (s *Storage) Latest(ctx context.Context, prefix string) (ObjectInfo, error) {
	objects, err := s.Snapshots(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(objects) == 0 {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return objects[len(objects)-1], nil
}

// Prune deletes all but the newest keep snapshots under prefix and returns
// the deleted keys. keep <= 0 deletes nothing.
func (s *Storage) Prune(ctx context.Context, prefix string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	objects, err := s.Snapshots(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) <= keep {
		return nil, nil
	}

	var deleted []string
	for _, obj := range objects[:len(objects)-keep] {
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted = append(deleted, obj.Key)
	}
	return deleted, nil
}
