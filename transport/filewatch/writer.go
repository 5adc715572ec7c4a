package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

// Writer updates a version file. Every update replaces the file atomically
// so watchers never observe a partial document.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter returns a writer for the version file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: filepath.Clean(path)}
}

// Publish records version and clears any terminal entry.
func (w *Writer) Publish(ctx context.Context, version uint64) error {
	return w.update(ctx, func(d *document) {
		d.Version = version
		d.Terminal = nil
	})
}

// Complete ends every open stream gracefully.
func (w *Writer) Complete(ctx context.Context) error {
	return w.update(ctx, func(d *document) {
		d.Terminal = &terminal{ID: uuid.NewString(), Code: codes.OK}
	})
}

// Fail ends every open stream with the given status.
func (w *Writer) Fail(ctx context.Context, code codes.Code, msg string) error {
	return w.update(ctx, func(d *document) {
		d.Terminal = &terminal{ID: uuid.NewString(), Code: code, Message: msg}
	})
}

func (w *Writer) update(ctx context.Context, mutate func(*document)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	doc, err := readDocument(w.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			return err
		}
		// Unparseable content is overwritten.
		doc = document{}
	}
	mutate(&doc)

	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("filewatch: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+".*")
	if err != nil {
		return fmt.Errorf("filewatch: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filewatch: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filewatch: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("filewatch: replace %s: %w", w.path, err)
	}
	return nil
}
