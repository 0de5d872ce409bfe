package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps files under a root directory on local disk.
type LocalStore struct {
	root     string
	baseURL  string
	maxBytes int64
}

func NewLocalStore(root, baseURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &LocalStore{root: root, baseURL: baseURL, maxBytes: maxBytes}, nil
}

func (s *LocalStore) Put(_ context.Context, owner, fileName, contentType string, content io.Reader) (*Object, error) {
	obj, data, err := prepare(owner, fileName, contentType, content, s.maxBytes)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o640); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	obj.URL = joinURL(s.baseURL, obj.Key)
	return obj, nil
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	if !fs.ValidPath(key) {
		return nil, nil, ErrBlobNotFound
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	name := filepath.Base(key)
	owner, _ := OwnerOf(key)
	return f, &Object{
		Key:         key,
		Owner:       owner,
		URL:         joinURL(s.baseURL, key),
		FileName:    name,
		ContentType: NormalizeContentType(name, ""),
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *LocalStore) KeyForURL(url string) (string, bool) {
	return keyForURL(s.baseURL, url)
}
