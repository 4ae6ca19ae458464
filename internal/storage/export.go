package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/types"
)

const exportContentType = "application/x-ndjson"

// Backend names accepted by Open.
const (
	BackendMinio = "minio"
	BackendGCS   = "gcs"
)

// Open builds the object storage backend named in cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	switch cfg.Backend {
	case BackendMinio:
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return NewStorage(client), nil
	case BackendGCS:
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return NewStorage(client), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ExportKey names a directory snapshot taken at now.
func ExportKey(prefix string, now time.Time) string {
	return path.Join(prefix, "users-"+now.UTC().Format("20060102T150405Z")+".jsonl")
}

// SnapshotPrefix is the key prefix shared by every snapshot under prefix.
func SnapshotPrefix(prefix string) string {
	return path.Join(prefix, "users-")
}

// ExportUsers uploads users as JSON lines, one user per line, and returns
// the object size.
func ExportUsers(ctx context.Context, s *Storage, key string, users []types.User) (int64, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, user := range users {
		if err := encoder.Encode(user); err != nil {
			return 0, fmt.Errorf("encode user %s: %w", user.ID, err)
		}
	}

	size := int64(buf.Len())
	if err := s.Put(ctx, key, &buf, size, exportContentType); err != nil {
		return 0, err
	}
	return size, nil
}

// ReadExport loads a snapshot written by ExportUsers.
func ReadExport(ctx context.Context, s *Storage, key string) ([]types.User, error) {
	reader, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var users []types.User
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var user types.User
		if err := json.Unmarshal(scanner.Bytes(), &user); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", len(users)+1, err)
		}
		users = append(users, user)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
