package recorder

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// JsonlWriter implements ports.SessionWriter by appending minified JSON
// lines to <root>/YYYY-MM-DD/<session_id>.jsonl (UTC date). Open file
// handles are kept in a bounded LRU so a long-running process with many
// concurrent sessions doesn't exhaust file descriptors.
type JsonlWriter struct {
	root         string
	maxOpenFiles int
	retainDays   int
	maxTotalGB   float64
	compress     bool
	log          *logger.StyledLogger

	mu      sync.Mutex
	handles map[string]*list.Element // path -> lru element
	lru     *list.List               // front = most recently used
}

type jsonlHandle struct {
	path string
	file *os.File
}

// NewJsonlWriter creates the writer; root is created on first write, not
// eagerly, so a disabled writer never touches the filesystem.
func NewJsonlWriter(root string, maxOpenFiles, retainDays int, maxTotalGB float64, compress bool, log *logger.StyledLogger) *JsonlWriter {
	if maxOpenFiles <= 0 {
		maxOpenFiles = 16
	}
	return &JsonlWriter{
		root:         root,
		maxOpenFiles: maxOpenFiles,
		retainDays:   retainDays,
		maxTotalGB:   maxTotalGB,
		compress:     compress,
		log:          log,
		handles:      make(map[string]*list.Element),
		lru:          list.New(),
	}
}

var _ ports.SessionWriter = (*JsonlWriter)(nil)

func (w *JsonlWriter) SupportsBatching() bool { return true }

// WriteEvent appends one minified JSON line to the session's dated file,
// creating the date directory and file atomically (temp file + rename) the
// first time a session is seen.
func (w *JsonlWriter) WriteEvent(ctx context.Context, event domain.SessionEvent) error {
	if !domain.ValidSessionID(event.SessionID) {
		return fmt.Errorf("jsonl writer: invalid session_id %q", event.SessionID)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("jsonl writer: marshal event: %w", err)
	}
	line = append(line, '\n')

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	date := ts.UTC().Format("2006-01-02")
	path := filepath.Join(w.root, date, event.SessionID+".jsonl")

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrOpen(path)
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	return err
}

// getOrOpen returns a cached *os.File for path, opening (and creating its
// parent directory + file atomically) if necessary, and evicting the least
// recently used handle once maxOpenFiles is exceeded. Caller holds w.mu.
func (w *JsonlWriter) getOrOpen(path string) (*os.File, error) {
	if el, ok := w.handles[path]; ok {
		w.lru.MoveToFront(el)
		return el.Value.(*jsonlHandle).file, nil
	}

	if err := w.ensureFile(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl writer: open %s: %w", path, err)
	}

	el := w.lru.PushFront(&jsonlHandle{path: path, file: f})
	w.handles[path] = el

	for w.lru.Len() > w.maxOpenFiles {
		oldest := w.lru.Back()
		if oldest == nil {
			break
		}
		h := oldest.Value.(*jsonlHandle)
		_ = h.file.Close()
		delete(w.handles, h.path)
		w.lru.Remove(oldest)
	}

	return f, nil
}

// ensureFile creates path's parent directory and an empty file if it
// doesn't exist yet, via temp-file + rename + parent fsync so a crash mid
// creation never leaves a partially-written session file.
func (w *JsonlWriter) ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonl writer: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("jsonl writer: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		if os.IsExist(err) {
			return nil // lost the race to another writer; fine
		}
		return fmt.Errorf("jsonl writer: rename into place: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}

	return nil
}

// Flush fsyncs every currently open file handle.
func (w *JsonlWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for el := w.lru.Front(); el != nil; el = el.Next() {
		h := el.Value.(*jsonlHandle)
		if err := h.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every open handle; unlike Flush it does not fsync them.
func (w *JsonlWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for el := w.lru.Front(); el != nil; el = el.Next() {
		h := el.Value.(*jsonlHandle)
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.handles = make(map[string]*list.Element)
	w.lru = list.New()
	return firstErr
}

// Prune enforces retention: delete dated directories older than
// retainDays, then, if the root still exceeds maxTotalGB, delete the
// oldest remaining files first until under budget. Intended to be called
// periodically by the owner (e.g. a daily ticker); it does not run itself.
func (w *JsonlWriter) Prune(now time.Time) error {
	if w.retainDays <= 0 && w.maxTotalGB <= 0 {
		return nil
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := now.UTC().AddDate(0, 0, -w.retainDays)
	var kept []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", e.Name())
		if err != nil {
			continue
		}
		full := filepath.Join(w.root, e.Name())
		if w.retainDays > 0 && dirDate.Before(cutoff) {
			if err := os.RemoveAll(full); err != nil && w.log != nil {
				w.log.Warn("failed to prune expired session directory", "dir", full, "error", err)
			}
			continue
		}
		kept = append(kept, full)
	}

	if w.maxTotalGB <= 0 {
		return nil
	}
	return w.enforceSizeBudget(kept)
}

type fileInfoPath struct {
	path    string
	modTime time.Time
	size    int64
}

// enforceSizeBudget deletes the oldest files (by mtime) across the kept
// directories until the total size is under the configured budget.
func (w *JsonlWriter) enforceSizeBudget(dirs []string) error {
	var files []fileInfoPath
	var total int64

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			full := filepath.Join(dir, e.Name())
			files = append(files, fileInfoPath{path: full, modTime: info.ModTime(), size: info.Size()})
			total += info.Size()
		}
	}

	budget := int64(w.maxTotalGB * (1 << 30))
	if total <= budget {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if total <= budget {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
	}
	return nil
}

// CompressArchived compresses (zstd) every .jsonl file in dated directories
// older than olderThanDays, replacing the plain file with a .jsonl.zst
// sibling. Only archived (no-longer-written) directories should be passed
// through this, since the writer never appends to a compressed file.
func (w *JsonlWriter) CompressArchived(now time.Time, olderThanDays int) error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := now.UTC().AddDate(0, 0, -olderThanDays)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", e.Name())
		if err != nil || !dirDate.Before(cutoff) {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := w.compressDir(dir); err != nil && w.log != nil {
			w.log.Warn("failed to compress archived session directory", "dir", dir, "error", err)
		}
	}
	return nil
}

func (w *JsonlWriter) compressDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		src := filepath.Join(dir, e.Name())
		if err := w.compressFile(src); err != nil && w.log != nil {
			w.log.Warn("failed to compress session file", "file", src, "error", err)
		}
	}
	return nil
}

func (w *JsonlWriter) compressFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := src + ".zst"
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := enc.ReadFrom(in); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
