package filestore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisk_SaveAndOpen(t *testing.T) {
	t.Parallel()
	d := NewDisk(t.TempDir())
	ctx := context.Background()

	content := []byte("%PDF-1.4 test")
	if err := d.Save(ctx, "tc/42.pdf", bytes.NewReader(content)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r, size, err := d.Open(ctx, "tc/42.pdf")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if size != int64(len(content)) {
		t.Fatalf("size=%d, want %d", size, len(content))
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch")
	}
}

func TestDisk_MissingFile(t *testing.T) {
	t.Parallel()
	d := NewDisk(t.TempDir())
	if _, _, err := d.Open(context.Background(), "tc/nope.pdf"); err == nil {
		t.Fatalf("Open of missing file must fail")
	}
}

func TestDisk_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d := NewDisk(root)
	ctx := context.Background()

	// Traversal components are cleaned away, keeping reads inside root.
	if err := d.Save(ctx, "tc/a.pdf", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, _, err := d.Open(ctx, "../../../../etc/passwd"); err == nil {
		t.Fatalf("escaped key must not resolve to a real file")
	}
	if _, _, err := d.Open(ctx, ""); err == nil {
		t.Fatalf("empty key must fail")
	}
}

func TestHTTP_Open(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tc/42.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote-pdf"))
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL)
	r, _, err := h.Open(context.Background(), "tc/42.pdf")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "remote-pdf" {
		t.Fatalf("content=%q", got)
	}

	if _, _, err := h.Open(context.Background(), "tc/missing.pdf"); err == nil {
		t.Fatalf("404 must surface as error")
	}

	if err := h.Save(context.Background(), "tc/42.pdf", bytes.NewReader(nil)); err == nil {
		t.Fatalf("http backend must be read-only")
	}
}
