// Package capture moves a completed export into its canonical location and
// writes the JSON manifest next to it. Each job gets a Session, and a
// Session persists at most one artifact: later signals are reported as
// duplicates and their sources discarded.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/harvest/canon"
	"github.com/hazyhaar/harvest/completion"
)

// ErrDuplicate is returned by Persist once the session already holds an
// artifact.
var ErrDuplicate = errors.New("capture: artifact already captured for this job")

// ErrPartial is returned for sources that are still being downloaded.
var ErrPartial = errors.New("capture: source is a partial download")

// IOError reports that the data file could not be put in place.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("capture: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Artifact is a captured export. It is never modified after Persist
// returns it.
type Artifact struct {
	SourceSignal  completion.Kind `json:"source_signal"`
	Path          string          `json:"path"`
	SuggestedName string          `json:"suggested_name,omitempty"`
	CapturedAt    time.Time       `json:"captured_at"`
	Size          int64           `json:"size"`
	ManifestPath  string          `json:"manifest_path,omitempty"`
	Manifest      Manifest        `json:"manifest"`
	// ManifestErr is set when the data file is in place but its manifest
	// could not be written.
	ManifestErr error `json:"-"`
}

// Options configures a Capturer.
type Options struct {
	// Root is the canonical output root. Required.
	Root string
	// Now stamps artifacts. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger

	rename func(oldpath, newpath string) error
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.rename == nil {
		o.rename = os.Rename
	}
}

// Capturer creates per-job capture sessions.
type Capturer struct {
	opts Options
}

// New creates a Capturer.
func New(opts Options) *Capturer {
	opts.defaults()
	return &Capturer{opts: opts}
}

// Root returns the output root.
func (c *Capturer) Root() string { return c.opts.Root }

// Session starts the capture session of one job.
func (c *Capturer) Session(p canon.Params) *Session {
	return &Session{c: c, params: p}
}

// Session holds at most one artifact.
type Session struct {
	c      *Capturer
	params canon.Params

	mu       sync.Mutex
	artifact *Artifact
}

// Artifact returns the captured artifact, or nil.
func (s *Session) Artifact() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// Persist places the artifact carried by sig at its canonical path and
// writes the manifest. The first successful call wins; later calls return
// the winning artifact with ErrDuplicate after removing their own source
// file.
func (s *Session) Persist(ctx context.Context, sig completion.Signal) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.c.opts.Logger

	if s.artifact != nil {
		if sig.Path != "" && sig.Path != s.artifact.Path {
			if err := os.Remove(sig.Path); err != nil && !os.IsNotExist(err) {
				log.Warn("capture: discard duplicate source", "path", sig.Path, "error", err)
			}
		}
		log.Info("capture: duplicate signal ignored", "signal", sig.Kind, "artifact", s.artifact.Path)
		return s.artifact, ErrDuplicate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !sig.Terminal() {
		return nil, &IOError{Op: "validate", Path: sig.Path, Err: fmt.Errorf("signal %s carries no artifact", sig.Kind)}
	}
	if sig.Path != "" && completion.IsPartial(sig.Path) {
		return nil, &IOError{Op: "validate", Path: sig.Path, Err: ErrPartial}
	}

	p := s.params
	if p.Timestamp.IsZero() {
		p.Timestamp = s.c.opts.Now()
	}
	p.Ext = extOf(sig)

	dir := canon.Dir(s.c.opts.Root, p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	target := filepath.Join(dir, canon.Filename(p))

	var err error
	if sig.Path != "" {
		err = s.moveFile(sig.Path, target)
	} else {
		err = writeAtomic(target, sig.Data)
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, &IOError{Op: "stat", Path: target, Err: err}
	}

	a := &Artifact{
		SourceSignal:  sig.Kind,
		Path:          target,
		SuggestedName: sig.SuggestedName,
		CapturedAt:    p.Timestamp,
		Size:          info.Size(),
	}
	mpath := ManifestPath(target)
	a.Manifest = newManifest(p, a)
	if err := writeManifest(mpath, a.Manifest); err != nil {
		a.ManifestErr = err
		log.Error("capture: manifest not written", "path", mpath, "error", err)
	} else {
		a.ManifestPath = mpath
	}

	s.artifact = a
	log.Info("capture: artifact stored", "path", target, "size", a.Size, "signal", sig.Kind)
	return a, nil
}

// moveFile renames src onto dst, copying through a temporary file in dst's
// directory when they live on different filesystems.
func (s *Session) moveFile(src, dst string) error {
	err := s.c.opts.rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return &IOError{Op: "rename", Path: src, Err: err}
	}

	in, err := os.Open(src)
	if err != nil {
		return &IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	if err := writeAtomicFrom(dst, in); err != nil {
		return err
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		s.c.opts.Logger.Warn("capture: source not removed after copy", "path", src, "error", err)
	}
	return nil
}

func writeAtomic(dst string, data []byte) error {
	return writeAtomicFrom(dst, bytes.NewReader(data))
}

func writeAtomicFrom(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".capture-*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: dst, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: op, Path: dst, Err: err}
	}
	if _, err := io.Copy(tmp, r); err != nil {
		return fail("copy", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: dst, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "chmod", Path: dst, Err: err}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: dst, Err: err}
	}
	return nil
}

func extOf(sig completion.Signal) string {
	for _, name := range []string{sig.SuggestedName, sig.Path} {
		if ext := filepath.Ext(name); ext != "" {
			return canon.NormalizeExt(ext)
		}
	}
	head := sig.Data
	if len(head) > 512 {
		head = head[:512]
	}
	if sig.Path != "" {
		head = readHead(sig.Path, 512)
	}
	return sniffExt(head)
}

// sniffExt guesses the extension of an unnamed export from its first
// bytes: a zip container is xlsx, an OLE2 compound file is xls and plain
// UTF-8 text is csv.
func sniffExt(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return ".xlsx"
	case bytes.HasPrefix(head, []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}):
		return ".xls"
	case len(head) > 0 && textual(head):
		return ".csv"
	}
	return canon.DefaultExt
}

// textual reports whether head is UTF-8 without NUL bytes. A rune cut at
// the end of head is ignored.
func textual(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	for i := 0; i < utf8.UTFMax && len(head) > 0; i++ {
		if utf8.Valid(head) {
			return true
		}
		head = head[:len(head)-1]
	}
	return false
}

func readHead(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	m, _ := io.ReadFull(f, buf)
	return buf[:m]
}
