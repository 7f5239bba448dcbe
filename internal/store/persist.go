package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

const (
	dataSuffix       = ".dat"
	archiveSubdir    = "archive"
	defaultQueueSize = 4096
)

type opKind int

const (
	opAppend opKind = iota
	opRotate
	opCleanup
)

// persistOp is one unit of work for the background writer.
type persistOp struct {
	kind     opKind
	key      model.SeriesKey
	reading  model.MetricReading
	archived []model.MetricReading
	tail     []model.MetricReading

	rawDays, archiveDays int
	reply                chan error
}

// persister serializes all file I/O on a single goroutine so that no
// series lock is ever held across a write.
type persister struct {
	dir    string
	ch     chan persistOp
	done   chan struct{}
	logger *zap.Logger
	files  map[model.SeriesKey]*os.File
}

func newPersister(dir string, queueSize int, logger *zap.Logger) (*persister, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if err := os.MkdirAll(filepath.Join(dir, archiveSubdir), 0o755); err != nil {
		return nil, err
	}
	return &persister{
		dir:    dir,
		ch:     make(chan persistOp, queueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[model.SeriesKey]*os.File),
	}, nil
}

func (p *persister) start() {
	go p.run()
}

// stop flushes the queue and closes all handles.
func (p *persister) stop() {
	close(p.ch)
	<-p.done
}

// enqueue hands an op to the writer without blocking the sampling path.
// A full queue drops the op; the in-memory view stays authoritative.
func (p *persister) enqueue(op persistOp) {
	select {
	case p.ch <- op:
	default:
		p.logger.Warn("persistence queue full, dropping write",
			zap.String("series", op.key.String()))
	}
}

// cleanupSync runs retention cleanup on the writer goroutine so file
// handles and deletions never race.
func (p *persister) cleanupSync(rawDays, archiveDays int) error {
	reply := make(chan error, 1)
	p.ch <- persistOp{kind: opCleanup, rawDays: rawDays, archiveDays: archiveDays, reply: reply}
	return <-reply
}

func (p *persister) run() {
	for op := range p.ch {
		switch op.kind {
		case opAppend:
			if err := p.appendLine(op.key, op.reading); err != nil {
				p.logger.Warn("append failed",
					zap.String("series", op.key.String()), zap.Error(err))
			}
		case opRotate:
			if err := p.rotateFiles(op.key, op.archived, op.tail); err != nil {
				p.logger.Warn("rotation failed",
					zap.String("series", op.key.String()), zap.Error(err))
			}
		case opCleanup:
			op.reply <- p.cleanup(op.rawDays, op.archiveDays)
		}
	}
	for _, f := range p.files {
		f.Close()
	}
	close(p.done)
}

func (p *persister) appendLine(key model.SeriesKey, r model.MetricReading) error {
	f, err := p.file(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, formatRecord(r))
	return err
}

// rotateFiles writes the rotated-out readings to a fresh archive
// segment and rewrites the live file to the surviving tail, both via
// atomic rename.
func (p *persister) rotateFiles(key model.SeriesKey, archived, tail []model.MetricReading) error {
	// The live file is about to be replaced; drop the cached handle so
	// later appends reopen the new file.
	if f, ok := p.files[key]; ok {
		f.Close()
		delete(p.files, key)
	}

	if err := p.writeSegment(p.archivePath(key), archived); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := p.writeSegment(filepath.Join(p.dir, key.FileBase()+dataSuffix), tail); err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	return nil
}

// writeSegment writes readings to path through a temp file and rename.
func (p *persister) writeSegment(path string, readings []model.MetricReading) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	for _, r := range readings {
		if _, err := fmt.Fprintln(tmp, formatRecord(r)); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// archivePath picks a segment name <plugin>_<metric>.<UTC stamp>,
// suffixed when a rotation lands on the same second as a previous one.
func (p *persister) archivePath(key model.SeriesKey) string {
	stamp := time.Now().UTC().Format("20060102_150405")
	base := filepath.Join(p.dir, archiveSubdir, key.FileBase()+"."+stamp)
	path := base
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = base + "_" + strconv.Itoa(i)
	}
}

func (p *persister) file(key model.SeriesKey) (*os.File, error) {
	if f, ok := p.files[key]; ok {
		return f, nil
	}
	path := filepath.Join(p.dir, key.FileBase()+dataSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	p.files[key] = f
	return f, nil
}

// cleanup deletes raw data files and archive segments whose mtime is
// older than the respective retention window. Calling it twice in a
// row is a no-op the second time.
func (p *persister) cleanup(rawDays, archiveDays int) error {
	var firstErr error
	if rawDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -rawDays)
		firstErr = p.removeOlder(p.dir, dataSuffix, cutoff)
	}
	if archiveDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -archiveDays)
		if err := p.removeOlder(filepath.Join(p.dir, archiveSubdir), "", cutoff); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *persister) removeOlder(dir, suffix string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if suffix != "" && !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		// Drop any cached handle for the file being removed.
		for key, f := range p.files {
			if filepath.Join(p.dir, key.FileBase()+dataSuffix) == path {
				f.Close()
				delete(p.files, key)
			}
		}
		if err := os.Remove(path); err != nil {
			p.logger.Warn("cleanup remove failed", zap.String("path", path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			p.logger.Info("removed expired file", zap.String("path", path))
		}
	}
	return firstErr
}

// Cleanup deletes raw files older than rawDays and archive segments
// older than archiveDays, by file mtime. No-op without persistence.
func (s *Store) Cleanup(rawDays, archiveDays int) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.cleanupSync(rawDays, archiveDays)
}

// loadAll restores the tail of each data file found in dir. Load
// problems are logged and skipped; a fresh series starts empty.
func (s *Store) loadAll(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("load: read dir failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), dataSuffix) {
			continue
		}
		key, readings := s.loadFile(filepath.Join(dir, entry.Name()))
		if len(readings) == 0 {
			continue
		}
		sr := s.getOrCreate(key)
		sr.mu.Lock()
		for _, r := range readings {
			if sr.size == len(sr.buf) {
				sr.rotate() // discard, already on disk
			}
			sr.push(r)
		}
		sr.mu.Unlock()
		s.logger.Debug("restored series",
			zap.String("series", key.String()), zap.Int("points", len(readings)))
	}
}

// loadFile reads one CSV data file, keeping the last maxPoints valid
// records. Partial or malformed lines are tolerated and skipped.
func (s *Store) loadFile(path string) (model.SeriesKey, []model.MetricReading) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("load: open failed", zap.String("path", path), zap.Error(err))
		return model.SeriesKey{}, nil
	}
	defer f.Close()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1

	var key model.SeriesKey
	var tail []model.MetricReading
	var lastTs int64
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		r, ok := parseRecord(rec)
		if !ok || r.Key().Validate() != nil {
			continue
		}
		if key == (model.SeriesKey{}) {
			key = r.Key()
		} else if r.Key() != key {
			continue
		}
		if r.Timestamp < lastTs {
			continue
		}
		lastTs = r.Timestamp
		tail = append(tail, r)
		if len(tail) > 2*s.maxPoints {
			tail = append(tail[:0], tail[len(tail)-s.maxPoints:]...)
		}
	}
	if len(tail) > s.maxPoints {
		tail = tail[len(tail)-s.maxPoints:]
	}
	return key, tail
}

// formatRecord renders "ts,value,plugin,metric". Key charset rules
// guarantee the fields never need quoting.
func formatRecord(r model.MetricReading) string {
	return strconv.FormatInt(r.Timestamp, 10) + "," +
		strconv.FormatFloat(r.Value, 'g', -1, 64) + "," +
		r.Plugin + "," + r.Metric
}

func parseRecord(rec []string) (model.MetricReading, bool) {
	if len(rec) != 4 {
		return model.MetricReading{}, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return model.MetricReading{}, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil {
		return model.MetricReading{}, false
	}
	return model.MetricReading{
		Plugin:    strings.TrimSpace(rec[2]),
		Metric:    strings.TrimSpace(rec[3]),
		Value:     value,
		Timestamp: ts,
	}, true
}
