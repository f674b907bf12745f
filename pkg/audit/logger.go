package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Logger is an audit backend.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig bounds the audit file. Zero values disable rotation and
// pruning respectively.
type RotationConfig struct {
	MaxSize    int64 // bytes written before the file is rotated
	MaxBackups int   // rotated files kept
}

// backupStamp names rotated files; it sorts lexically in time order.
const backupStamp = "20060102-150405.000000"

// FileLogger appends events to a JSON-lines file. When the file would grow
// past MaxSize it is renamed to <path>.<stamp> and a fresh one is started.
type FileLogger struct {
	mu   sync.Mutex
	path string
	cfg  RotationConfig
	f    *os.File
	size int64
}

// NewFileLogger opens (or creates) the audit file at path, creating its
// directory as needed.
func NewFileLogger(path string, cfg RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	l := &FileLogger{path: path, cfg: cfg}
	if err := l.open(); err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.f, l.size = f, info.Size()
	return nil
}

// Log appends one event, rotating first if it would overflow the file.
func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("audit log closed")
	}
	if l.cfg.MaxSize > 0 && l.size > 0 && l.size+int64(len(line)) > l.cfg.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	return err
}

// Query returns matching events from the rotated files and the current
// one, oldest first.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := append(l.backups(), l.path)
	var out []*Event
	for _, path := range files {
		events, err := readEvents(path, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return filter.page(out), nil
}

func readEvents(path string, filter Filter) ([]*Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		e := new(Event)
		if err := json.Unmarshal(sc.Bytes(), e); err != nil {
			util.Warnf("audit: %s:%d: skipping malformed entry: %v", filepath.Base(path), n, err)
			continue
		}
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// Close closes the file; further Log calls fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *FileLogger) rotate() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil
	if err := os.Rename(l.path, l.path+"."+time.Now().Format(backupStamp)); err != nil {
		return err
	}
	if err := l.open(); err != nil {
		return err
	}
	l.prune()
	return nil
}

// backups lists rotated files, oldest first.
func (l *FileLogger) backups() []string {
	matches, _ := filepath.Glob(l.path + ".*")
	prefix := l.path + "."
	out := matches[:0]
	for _, m := range matches {
		if _, err := time.Parse(backupStamp, strings.TrimPrefix(m, prefix)); err == nil {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (l *FileLogger) prune() {
	if l.cfg.MaxBackups <= 0 {
		return
	}
	old := l.backups()
	for len(old) > l.cfg.MaxBackups {
		if err := os.Remove(old[0]); err != nil {
			util.Warnf("audit: removing %s: %v", old[0], err)
		}
		old = old[1:]
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// SetDefaultLogger installs the package-level logger used by Log and Query.
func SetDefaultLogger(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func current() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log writes event to the default logger; it is a no-op until
// SetDefaultLogger is called.
func Log(event *Event) error {
	if l := current(); l != nil {
		return l.Log(event)
	}
	return nil
}

// Query reads from the default logger.
func Query(filter Filter) ([]*Event, error) {
	if l := current(); l != nil {
		return l.Query(filter)
	}
	return []*Event{}, nil
}
