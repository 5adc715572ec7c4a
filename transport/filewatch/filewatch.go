// Package filewatch implements transport.Transport on top of a local version
// file, for deployments where a sidecar or agent materializes configuration
// onto disk.
//
// The file is a small YAML document:
//
//	version: 12
//	terminal:          # optional
//	  id: 6f1c...      # changes every time a terminal entry is written
//	  code: 14
//	  message: draining
//
// Every open stream watches the file's directory with fsnotify and re-reads
// the document whenever the file is written or replaced. A version newer than
// the last one delivered becomes a signal. A terminal entry whose id differs
// from the one present when the stream was opened ends the stream: code 0
// completes it gracefully and any other code fails it with that status.
// Removing the file fails open streams as Unavailable.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/rtconfig-go/transport"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

// document is the on-disk format of the version file.
type document struct {
	Version  uint64    `yaml:"version"`
	Terminal *terminal `yaml:"terminal,omitempty"`
}

type terminal struct {
	ID      string     `yaml:"id"`
	Code    codes.Code `yaml:"code"`
	Message string     `yaml:"message,omitempty"`
}

func (d document) terminalID() string {
	if d.Terminal == nil {
		return ""
	}
	return d.Terminal.ID
}

func (t *terminal) err() error {
	if t.Code == codes.OK {
		return io.EOF
	}
	return &transport.StatusError{Code: t.Code, Msg: t.Message}
}

// readDocument loads the version file. A missing file reads as fs.ErrNotExist.
func readDocument(path string) (document, error) {
	var doc document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("filewatch: parse %s: %w", path, err)
	}
	return doc, nil
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport opens streams that watch a single version file.
type Transport struct {
	path string
	log  *slog.Logger
}

// New builds a transport for the version file at path. The file does not
// need to exist yet, but its directory must exist when streams are opened.
func New(path string, opts ...Option) (*Transport, error) {
	if path == "" {
		return nil, errors.New("filewatch: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filewatch: resolve %q: %w", path, err)
	}
	t := &Transport{path: filepath.Clean(abs), log: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Path returns the watched file.
func (t *Transport) Path() string { return t.path }

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, lastVersion uint64) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, transport.Unavailable("create watcher", err)
	}
	// Watch before reading so that no write between the two is missed.
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		_ = w.Close()
		return nil, transport.Unavailable("watch "+filepath.Dir(t.path), err)
	}

	initial, err := readDocument(t.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = w.Close()
		return nil, transport.Unavailable("read version file", err)
	}

	t.log.DebugContext(ctx, "filewatch.stream.open",
		slog.String("path", t.path),
		slog.Uint64("last_version", lastVersion),
		slog.Uint64("file_version", initial.Version),
	)

	s := &stream{
		path:    t.path,
		log:     t.log,
		watcher: w,
		results: make(chan result),
		done:    make(chan struct{}),
	}
	go s.watch(initial, lastVersion)
	return s, nil
}

type result struct {
	sig transport.Signal
	err error
}

type stream struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	results chan result
	done    chan struct{}
	once    sync.Once

	// err is the terminal result, replayed by later Recv calls.
	err error
}

// Recv implements transport.Stream.
func (s *stream) Recv(ctx context.Context) (transport.Signal, error) {
	if s.err != nil {
		return transport.Signal{}, s.err
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			s.err = r.err
		}
		return r.sig, r.err
	case <-ctx.Done():
		return transport.Signal{}, ctx.Err()
	case <-s.done:
		return transport.Signal{}, io.EOF
	}
}

// Close implements transport.Stream.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.watcher.Close()
	})
	return nil
}

func (s *stream) deliver(r result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

// watch relays changes of the version file until a terminal entry, removal
// of the file or Close.
func (s *stream) watch(initial document, lastVersion uint64) {
	seen := lastVersion
	if initial.Version > seen {
		if !s.deliver(result{sig: transport.Signal{Version: initial.Version}}) {
			return
		}
		seen = initial.Version
	}
	marker := initial.terminalID()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}

			doc, err := readDocument(s.path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				s.deliver(result{err: transport.Unavailable("version file removed", nil)})
				return
			case err != nil:
				// Writers that do not replace the file atomically can be
				// observed mid-write; the next event carries the full document.
				s.log.Debug("filewatch.read.fail", slog.String("err", err.Error()))
				continue
			}

			if doc.Version > seen {
				if !s.deliver(result{sig: transport.Signal{Version: doc.Version}}) {
					return
				}
				seen = doc.Version
			}
			if doc.Terminal != nil && doc.Terminal.ID != marker {
				s.deliver(result{err: doc.Terminal.err()})
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.deliver(result{err: transport.Unavailable("watch", err)})
			return
		}
	}
}

// Compile-time interface checks
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Stream    = (*stream)(nil)
)
