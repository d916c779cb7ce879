package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps blobs under a root directory, one subdirectory per
// namespace. Writes go to a temp file first and are renamed into place so a
// crash never leaves a partial blob at the final key.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore prepares the root directory and returns the store.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) Put(ctx context.Context, namespace, key string, body io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	path, err := s.blobPath(namespace, key)
	if err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("blobstore: create namespace dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("blobstore: write blob %s/%s: %w", namespace, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("blobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("blobstore: finalize blob %s/%s: %w", namespace, key, err)
	}
	return Ref{Digest: hex.EncodeToString(hasher.Sum(nil)), Size: size}, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete blob %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *FilesystemStore) blobPath(namespace, key string) (string, error) {
	cleanNamespace := strings.Trim(strings.TrimSpace(namespace), "/")
	cleanKey := strings.Trim(strings.TrimSpace(key), "/")
	if cleanNamespace == "" || cleanKey == "" {
		return "", errors.New("blobstore: namespace and key are required")
	}
	if strings.Contains(cleanKey, "..") || strings.ContainsRune(cleanKey, filepath.Separator) {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.root, cleanNamespace, cleanKey), nil
}
