package filestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Store is a keyed byte-stream store for certificate files.
type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Save(ctx context.Context, key string, r io.Reader) error
}

// Disk stores files under a root directory. Keys are slash-separated
// relative paths; anything escaping the root is rejected.
type Disk struct {
	Root string
}

// NewDisk creates a disk store rooted at root.
func NewDisk(root string) *Disk {
	return &Disk{Root: root}
}

func (d *Disk) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty file key")
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// Open returns the file content and size for key.
func (d *Disk) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := d.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Save writes the content of r under key, creating parent directories.
func (d *Disk) Save(_ context.Context, key string, r io.Reader) error {
	p, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HTTP reads files from a remote store fronted by HTTP (a CDN or object
// storage bucket). Read-only: uploads still go to disk or out-of-band
// sync, so Save fails.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP creates an HTTP-backed store.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Open fetches the object at key.
func (h *HTTP) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/"+strings.TrimLeft(key, "/"), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("file store request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("file store error %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// Save is not supported on the HTTP backend.
func (h *HTTP) Save(context.Context, string, io.Reader) error {
	return fmt.Errorf("http file store is read-only")
}
