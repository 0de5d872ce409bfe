// Package blobstore stores uploaded record files and hands back the URL that
// is kept on the health record.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidOwner       = errors.New("upload owner is missing or malformed")
)

// AllowedContentTypes lists the file types accepted for health records.
var AllowedContentTypes = map[string]bool{
	"image/png":          true,
	"image/jpeg":         true,
	"image/webp":         true,
	"image/heic":         true,
	"image/dicom":        true,
	"application/pdf":    true,
	"application/dicom":  true,
	"text/plain":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Object describes a stored file.
type Object struct {
	Key         string    `json:"path"`
	Owner       string    `json:"-"`
	URL         string    `json:"file_url"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract for file storage backends. Every object belongs to
// the owner it was put under, and the owner is recoverable from its key.
type Store interface {
	Put(ctx context.Context, owner, fileName, contentType string, content io.Reader) (*Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	// KeyForURL maps a URL returned by Put back to its key.
	KeyForURL(url string) (string, bool)
}

// NormalizeContentType strips parameters and, for a missing or generic type,
// falls back to the file extension.
func NormalizeContentType(fileName, contentType string) string {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil || ct == "" || ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); byExt != "" {
			ct, _, _ = mime.ParseMediaType(byExt)
		}
	}
	return ct
}

// SanitizeFileName keeps the base name and replaces anything outside a
// conservative character set.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

// OwnerOf returns the owner segment of a key laid out as
// uploads/<owner>/<id>/<name>.
func OwnerOf(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "uploads" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", false
	}
	return parts[1], true
}

// prepare validates the upload and reads it fully, enforcing maxBytes.
func prepare(owner, fileName, contentType string, content io.Reader, maxBytes int64) (*Object, []byte, error) {
	if owner == "" || SanitizeFileName(owner) != owner {
		return nil, nil, ErrInvalidOwner
	}
	name := SanitizeFileName(fileName)
	if name == "" {
		return nil, nil, ErrMissingFileName
	}
	ct := NormalizeContentType(fileName, contentType)
	if !AllowedContentTypes[ct] {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidContentType, ct)
	}

	data, err := io.ReadAll(io.LimitReader(content, maxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	return &Object{
		Key:         path.Join("uploads", owner, uuid.New().String(), name),
		Owner:       owner,
		FileName:    name,
		ContentType: ct,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}, data, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

func keyForURL(base, url string) (string, bool) {
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	if key == "" || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string]*storedBlob
	baseURL  string
	maxBytes int64
}

func NewMemoryStore(baseURL string, maxBytes int64) *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob), baseURL: baseURL, maxBytes: maxBytes}
}

func (s *MemoryStore) Put(_ context.Context, owner, fileName, contentType string, content io.Reader) (*Object, error) {
	obj, data, err := prepare(owner, fileName, contentType, content, s.maxBytes)
	if err != nil {
		return nil, err
	}
	obj.URL = joinURL(s.baseURL, obj.Key)

	s.mu.Lock()
	s.blobs[obj.Key] = &storedBlob{object: *obj, content: data}
	s.mu.Unlock()

	out := *obj
	return &out, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return io.NopCloser(bytes.NewReader(blob.content)), &obj, nil
}

func (s *MemoryStore) KeyForURL(url string) (string, bool) {
	return keyForURL(s.baseURL, url)
}
