package log

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rtsync/rtsync-go/pkg/version"
)

// CaptureFormat is the Format of every capture header.
const CaptureFormat = "rtsync-capture"

// CaptureVersion is the record layout written by this package.
const CaptureVersion = 1

// DefaultKeep is the number of rolled over files kept by WithRotation.
const DefaultKeep = 3

// ErrNotCapture is returned for files that do not open with a capture
// header.
var ErrNotCapture = errors.New("log: not an rtsync capture file")

// Header is the first record of a capture file.
type Header struct {
	Format   string    `cbor:"0,keyasint"`
	Version  int       `cbor:"1,keyasint"`
	SDK      string    `cbor:"2,keyasint"`
	Protocol string    `cbor:"3,keyasint"`
	Created  time.Time `cbor:"4,keyasint"`
}

func newHeader() Header {
	return Header{
		Format:   CaptureFormat,
		Version:  CaptureVersion,
		SDK:      version.SDKName + "/" + version.SDKVersion,
		Protocol: version.Protocol,
		Created:  time.Now(),
	}
}

func (h Header) check() error {
	if h.Format != CaptureFormat {
		return ErrNotCapture
	}
	if h.Version < 1 || h.Version > CaptureVersion {
		return fmt.Errorf("log: capture version %d not supported", h.Version)
	}
	return nil
}

// FileOption configures a FileLogger.
type FileOption func(*FileLogger)

// WithRotation rolls the capture over once the file would grow past
// maxSize bytes. The previous file becomes path.1, older ones shift up and
// at most keep of them are kept; keep <= 0 uses DefaultKeep.
func WithRotation(maxSize int64, keep int) FileOption {
	return func(l *FileLogger) {
		l.maxSize = maxSize
		l.keep = keep
		if l.keep <= 0 {
			l.keep = DefaultKeep
		}
	}
}

// FileLogger appends capture records to a file. Every new file opens with
// a Header. It is safe for concurrent use.
type FileLogger struct {
	path    string
	maxSize int64
	keep    int

	mu     sync.Mutex
	file   *os.File
	size   int64
	base   int64 // size with no records of this file's own
	rolled int
	err    error
	closed bool
}

// NewFileLogger opens path for appending, creating it with a header if it
// is empty.
func NewFileLogger(path string, opts ...FileOption) (*FileLogger, error) {
	l := &FileLogger{path: path}
	for _, o := range opts {
		o(l)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file, l.size = f, info.Size()
	if l.size > 0 {
		l.base = 0
		return nil
	}
	hdr, err := encMode.Marshal(newHeader())
	if err == nil {
		err = l.write(hdr)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("log: write capture header: %w", err)
	}
	l.base = l.size
	return nil
}

func (l *FileLogger) write(b []byte) error {
	n, err := l.file.Write(b)
	l.size += int64(n)
	return err
}

// Log appends event. Records that cannot be encoded are dropped; the first
// write failure stops the logger and is returned by Close.
func (l *FileLogger) Log(event Event) {
	data, encErr := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil || encErr != nil {
		return
	}
	if l.maxSize > 0 && l.size > l.base && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			l.err = err
			return
		}
	}
	if err := l.write(data); err != nil {
		l.err = err
	}
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	for i := l.keep - 1; i >= 1; i-- {
		err := os.Rename(RotatedPath(l.path, i), RotatedPath(l.path, i+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(l.path, RotatedPath(l.path, 1)); err != nil {
		return err
	}
	l.rolled++
	return l.open()
}

// Rotations returns how often the file rolled over.
func (l *FileLogger) Rotations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rolled
}

// Close closes the file. Later calls to Log are ignored and later calls to
// Close return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.err, l.file.Close())
}

// RotatedPath is the name of the n-th rolled over capture file of path.
func RotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}
