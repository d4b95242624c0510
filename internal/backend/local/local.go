// Package local implements backend.Backend on the local filesystem.
//
// Payload bytes live in a content-addressed layout, blobs/<hash[:2]>/<hash>,
// so identical payloads share one blob. Every upload additionally gets a
// fresh receipt, receipts/<id>.json, holding its tags and blob hash. Neither
// blobs nor receipts are ever overwritten or deleted.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerbucket/internal/backend"
)

// Record is the receipt document stored for every upload.
type Record struct {
	ID          string        `json:"id"`
	Blob        string        `json:"blob"`
	Size        int64         `json:"size"`
	ContentType string        `json:"content_type"`
	Tags        []backend.Tag `json:"tags"`
	StoredAt    time.Time     `json:"stored_at"`
}

type Option func(*Store)

// WithBaseURL makes Location return <url>/<receipt id> instead of a file URI.
func WithBaseURL(url string) Option {
	return func(s *Store) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithCapacity bounds the total size of stored blobs. Writes that would
// exceed it fail with backend.ErrCapacity.
func WithCapacity(bytes int64) Option {
	return func(s *Store) {
		s.capacity = bytes
	}
}

// WithMaxPayload makes payloads above n bytes fail with backend.ErrRejected.
func WithMaxPayload(n int64) Option {
	return func(s *Store) {
		s.maxPayload = n
	}
}

// Store is a filesystem backend rooted at a directory.
type Store struct {
	root       string
	baseURL    string
	capacity   int64
	maxPayload int64

	mu   sync.Mutex
	used int64
}

var (
	_ backend.Backend = (*Store)(nil)
	_ backend.Walker  = (*Store)(nil)
)

// New creates the directory layout under root and returns a Store.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("local backend root must not be empty")
	}

	s := &Store{root: root}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.blobDir(), s.receiptDir(), s.tmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if s.capacity > 0 {
		used, err := dirSize(s.blobDir())
		if err != nil {
			return nil, fmt.Errorf("measure blob usage: %w", err)
		}
		s.used = used
	}

	return s, nil
}

func (s *Store) blobDir() string    { return filepath.Join(s.root, "blobs") }
func (s *Store) receiptDir() string { return filepath.Join(s.root, "receipts") }
func (s *Store) tmpDir() string     { return filepath.Join(s.root, "tmp") }

// blobPath computes the content-addressed path of a payload hash.
func (s *Store) blobPath(hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(s.blobDir(), hashHex[:2], hashHex), nil
}

// receiptPath rejects anything that is not a UUID so that ids can never
// escape the receipt directory.
func (s *Store) receiptPath(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: malformed receipt id %q", backend.ErrNotFound, id)
	}
	return filepath.Join(s.receiptDir(), parsed.String()+".json"), nil
}

func (s *Store) Store(ctx context.Context, p backend.Payload) (backend.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return backend.Receipt{}, err
	}

	size := int64(len(p.Data))
	if s.maxPayload > 0 && size > s.maxPayload {
		return backend.Receipt{}, fmt.Errorf("%w: payload of %d bytes exceeds %d", backend.ErrRejected, size, s.maxPayload)
	}
	for _, tag := range p.Tags {
		if tag.Name == "" {
			return backend.Receipt{}, fmt.Errorf("%w: empty tag name", backend.ErrRejected)
		}
	}

	sum := sha256.Sum256(p.Data)
	hashHex := hex.EncodeToString(sum[:])

	if err := s.storeBlob(hashHex, p.Data); err != nil {
		return backend.Receipt{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return backend.Receipt{}, fmt.Errorf("generate receipt id: %w", err)
	}

	rec := Record{
		ID:          id.String(),
		Blob:        hashHex,
		Size:        size,
		ContentType: p.ContentType,
		Tags:        p.Tags,
		StoredAt:    time.Now().UTC(),
	}
	if err := s.writeRecord(rec); err != nil {
		return backend.Receipt{}, err
	}

	slog.Debug("Stored payload", "receipt", rec.ID, "blob", hashHex, "size", size)
	return backend.Receipt{ID: rec.ID, Size: size, StoredAt: rec.StoredAt}, nil
}

// storeBlob writes the payload under its hash unless an identical blob is
// already present.
func (s *Store) storeBlob(hashHex string, data []byte) error {
	blobPath, err := s.blobPath(hashHex)
	if err != nil {
		return err
	}
	if fileExists(blobPath) {
		return nil
	}

	size := int64(len(data))
	if err := s.reserve(size); err != nil {
		return err
	}

	tmp, err := writeTemp(s.tmpDir(), data)
	if err != nil {
		s.release(size)
		return fmt.Errorf("write blob: %w", err)
	}

	created, err := publishFile(tmp, blobPath)
	if err != nil {
		s.release(size)
		return fmt.Errorf("publish blob: %w", err)
	}
	if !created {
		// A concurrent upload of the same content won the race.
		s.release(size)
	}
	return nil
}

func (s *Store) writeRecord(rec Record) error {
	path, err := s.receiptPath(rec.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	tmp, err := writeTemp(s.tmpDir(), data)
	if err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}

	created, err := publishFile(tmp, path)
	if err != nil {
		return fmt.Errorf("publish receipt: %w", err)
	}
	if !created {
		return fmt.Errorf("receipt %s already exists", rec.ID)
	}
	return nil
}

func (s *Store) reserve(n int64) error {
	if s.capacity <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used+n > s.capacity {
		return fmt.Errorf("%w: %d of %d bytes used", backend.ErrCapacity, s.used, s.capacity)
	}
	s.used += n
	return nil
}

func (s *Store) release(n int64) {
	if s.capacity <= 0 {
		return
	}

	s.mu.Lock()
	s.used -= n
	s.mu.Unlock()
}

// Inspect returns the receipt document for id.
func (s *Store) Inspect(id string) (Record, error) {
	path, err := s.receiptPath(id)
	if err != nil {
		return Record{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode receipt %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.Inspect(receiptID)
	if err != nil {
		return nil, err
	}

	blobPath, err := s.blobPath(rec.Blob)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(blobPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s of receipt %s", backend.ErrNotFound, rec.Blob, receiptID)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) Location(receiptID string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + receiptID
	}
	return "file://" + filepath.ToSlash(filepath.Join(s.receiptDir(), receiptID+".json"))
}

// WalkReceipts calls fn with every receipt id in the store, in no particular
// order, stopping at the first error.
func (s *Store) WalkReceipts(ctx context.Context, fn func(id string) error) error {
	entries, err := os.ReadDir(s.receiptDir())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json")); err != nil {
			return err
		}
	}
	return nil
}
