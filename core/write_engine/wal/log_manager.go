package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sushant-115/walproxy/core/dberror"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	DefaultSegmentSize   int64 = 16 << 20
	DefaultRetainFrames        = 100_000
	DefaultMaxBatchBytes int64 = 8 << 20

	// frameOverhead approximates a frame's wire size beyond its data.
	frameOverhead = 48
)

var (
	errCorrupt          = dberror.ErrCorruptRecord
	ErrNeedFullResync   = dberror.ErrNeedFullResync
	ErrEmptyTransaction = errors.New("transaction has no frames")
)

// LogConfig tunes segment rotation and retention.
type LogConfig struct {
	// SegmentSize is the size after which the active segment is sealed and
	// a new one started. Rotation happens only between transactions.
	SegmentSize int64 `yaml:"segment_size"`
	// RetainFrames is the minimum number of most recent frames kept. Older
	// sealed segments are deleted once enough newer frames exist.
	RetainFrames int `yaml:"retain_frames"`
	// MaxBatchBytes bounds the data returned by one ReadFrom. The batch
	// still runs to the end of its transaction and always holds at least
	// one frame.
	MaxBatchBytes int64 `yaml:"max_batch_bytes"`
}

type segment struct {
	path  string
	first Offset
	last  Offset // 0 while empty
	size  int64
}

// LogManager is the primary's append-only WAL. Frames are durable once
// AppendTransaction returns and are served to replicas by ReadFrom.
type LogManager struct {
	dir    string
	config LogConfig
	logger *zap.Logger

	mu       sync.RWMutex
	file     *os.File  // active segment
	segments []segment // oldest first; the last one is active
	frames   []Frame   // retained frames, frames[i].Offset == firstOffset+i
	next     Offset
	closed   bool
}

// NewLogManager opens the log in dir, recovering any existing segments.
// A torn or uncommitted tail in the newest segment is truncated.
func NewLogManager(dir string, logger *zap.Logger, config LogConfig) (*LogManager, error) {
	if config.SegmentSize <= 0 {
		config.SegmentSize = DefaultSegmentSize
	}
	if config.RetainFrames <= 0 {
		config.RetainFrames = DefaultRetainFrames
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory %s: %w", dir, err)
	}

	lm := &LogManager{
		dir:    dir,
		config: config,
		logger: logger.Named("wal_log"),
		next:   1,
	}
	if err := lm.recover(); err != nil {
		return nil, err
	}

	lm.logger.Info("WAL log opened",
		zap.String("dir", dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("firstOffset", lm.firstOffsetLocked()),
		zap.Uint64("lastOffset", lm.next-1))
	return lm, nil
}

func segmentPath(dir string, first Offset) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, first, segmentSuffix))
}

// listSegments returns segment files in dir ordered by first offset.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read wal directory %s: %w", dir, err)
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(dir, name), first: first})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	return segs, nil
}

func (lm *LogManager) recover() error {
	segs, err := listSegments(lm.dir)
	if err != nil {
		return err
	}

	for i := range segs {
		seg := &segs[i]
		isLast := i == len(segs)-1
		if len(lm.frames) > 0 && seg.first != lm.next {
			return fmt.Errorf("wal segment %s starts at %d, expected %d", seg.path, seg.first, lm.next)
		}
		if len(lm.frames) == 0 {
			lm.next = seg.first
		}

		frames, goodSize, err := readSegment(seg.path, seg.first)
		if err != nil && !isLast {
			return fmt.Errorf("wal segment %s is damaged: %w", seg.path, err)
		}

		// Drop a trailing transaction without its commit frame.
		committed := len(frames)
		for committed > 0 && !frames[committed-1].Commit {
			committed--
		}
		if committed < len(frames) || err != nil {
			if !isLast {
				return fmt.Errorf("wal segment %s ends inside a transaction", seg.path)
			}
			goodSize = 0
			for _, f := range frames[:committed] {
				goodSize += int64(recordHeaderSize + frameFixedSize + len(f.Data))
			}
			lm.logger.Warn("Truncating torn WAL tail",
				zap.String("segment", seg.path),
				zap.Int("droppedFrames", len(frames)-committed),
				zap.Int64("size", goodSize),
				zap.NamedError("cause", err))
			if terr := os.Truncate(seg.path, goodSize); terr != nil {
				return fmt.Errorf("failed to truncate wal segment %s: %w", seg.path, terr)
			}
			frames = frames[:committed]
		}

		seg.size = goodSize
		if len(frames) > 0 {
			seg.last = frames[len(frames)-1].Offset
		}
		lm.frames = append(lm.frames, frames...)
		lm.next = seg.first + Offset(len(frames))
	}

	if len(segs) == 0 {
		segs = []segment{{path: segmentPath(lm.dir, lm.next), first: lm.next}}
	}
	lm.segments = segs

	active := lm.segments[len(lm.segments)-1]
	f, err := os.OpenFile(active.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open wal segment %s: %w", active.path, err)
	}
	lm.file = f
	return nil
}

// readSegment decodes every intact record of a segment. It returns the
// frames read so far together with the first error met.
func readSegment(path string, first Offset) ([]Frame, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open wal segment %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat wal segment %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	var (
		frames []Frame
		size   int64
	)
	expected := first
	for {
		fr, n, err := decodeRecord(reader, info.Size()-size)
		if err == io.EOF {
			return frames, size, nil
		}
		if err != nil {
			return frames, size, err
		}
		if fr.Offset != expected {
			return frames, size, fmt.Errorf("%w: offset %d, expected %d", errCorrupt, fr.Offset, expected)
		}
		frames = append(frames, fr)
		size += n
		expected++
	}
}

// AppendTransaction durably appends one committed transaction. The frames
// get consecutive offsets and the last one carries the commit flag.
func (lm *LogManager) AppendTransaction(payloads []Payload) (Offset, Offset, error) {
	if len(payloads) == 0 {
		return 0, 0, ErrEmptyTransaction
	}
	encoded := make([][]byte, len(payloads))
	for i, p := range payloads {
		data, err := EncodePayload(p)
		if err != nil {
			return 0, 0, err
		}
		encoded[i] = data
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return 0, 0, dberror.ErrLogClosed
	}

	active := &lm.segments[len(lm.segments)-1]
	if active.size >= lm.config.SegmentSize {
		if err := lm.rollSegmentLocked(); err != nil {
			return 0, 0, err
		}
		active = &lm.segments[len(lm.segments)-1]
	}

	first := lm.next
	frames := make([]Frame, len(encoded))
	var buf bytes.Buffer
	for i, data := range encoded {
		frames[i] = Frame{
			Offset: first + Offset(i),
			PageNo: uint32(i + 1),
			Data:   data,
			Commit: i == len(encoded)-1,
		}
		encodeRecord(&buf, frames[i])
	}

	if _, err := lm.file.Write(buf.Bytes()); err != nil {
		// Drop whatever part of the batch reached the file.
		_ = lm.file.Truncate(active.size)
		return 0, 0, fmt.Errorf("failed to write wal segment %s: %w", active.path, err)
	}
	if err := lm.file.Sync(); err != nil {
		_ = lm.file.Truncate(active.size)
		return 0, 0, fmt.Errorf("failed to sync wal segment %s: %w", active.path, err)
	}

	active.size += int64(buf.Len())
	last := first + Offset(len(frames)) - 1
	active.last = last
	lm.frames = append(lm.frames, frames...)
	lm.next = last + 1

	lm.pruneLocked()

	lm.logger.Debug("Appended transaction", zap.Uint64("first", first), zap.Uint64("last", last))
	return first, last, nil
}

// rollSegmentLocked seals the active segment and starts a new one at the
// next offset. Must be called with lm.mu held.
func (lm *LogManager) rollSegmentLocked() error {
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("failed to close wal segment: %w", err)
	}
	path := segmentPath(lm.dir, lm.next)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create wal segment %s: %w", path, err)
	}
	lm.file = f
	lm.segments = append(lm.segments, segment{path: path, first: lm.next})
	lm.logger.Info("Rolled WAL segment", zap.String("segment", path))
	return nil
}

// pruneLocked deletes sealed segments whose frames are no longer needed to
// keep RetainFrames frames. Must be called with lm.mu held.
func (lm *LogManager) pruneLocked() {
	for len(lm.segments) > 1 {
		oldest := lm.segments[0]
		count := int(oldest.last - oldest.first + 1)
		if oldest.last == 0 {
			count = 0
		}
		if len(lm.frames)-count < lm.config.RetainFrames {
			return
		}
		if err := os.Remove(oldest.path); err != nil {
			lm.logger.Error("Failed to remove WAL segment", zap.String("segment", oldest.path), zap.Error(err))
			return
		}
		lm.frames = append([]Frame(nil), lm.frames[count:]...)
		lm.segments = lm.segments[1:]
		lm.logger.Info("Pruned WAL segment", zap.String("segment", oldest.path), zap.Int("frames", count))
	}
}

// ReadFrom returns the frames after the given offset, at most max of them
// (max <= 0 means no limit) and about MaxBatchBytes of data, extended to
// the next commit frame so a batch never ends inside a transaction. It
// returns ErrNeedFullResync when the requested position is no longer, or
// not yet, in the log.
func (lm *LogManager) ReadFrom(after Offset, max int) ([]Frame, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if lm.closed {
		return nil, dberror.ErrLogClosed
	}

	last := lm.next - 1
	if after > last {
		return nil, ErrNeedFullResync
	}
	if after == last {
		return nil, nil
	}
	first := lm.firstOffsetLocked()
	if after+1 < first {
		return nil, ErrNeedFullResync
	}

	start := int(after + 1 - first)
	limit := len(lm.frames)
	if max > 0 && start+max < limit {
		limit = start + max
	}
	end := start + 1
	size := int64(frameOverhead + len(lm.frames[start].Data))
	for end < limit {
		size += int64(frameOverhead + len(lm.frames[end].Data))
		if size > lm.config.MaxBatchBytes {
			break
		}
		end++
	}
	for end < len(lm.frames) && !lm.frames[end-1].Commit {
		end++
	}

	out := make([]Frame, end-start)
	copy(out, lm.frames[start:end])
	return out, nil
}

func (lm *LogManager) firstOffsetLocked() Offset {
	if len(lm.frames) == 0 {
		return lm.next
	}
	return lm.frames[0].Offset
}

// FirstOffset is the oldest retained offset, or LastOffset()+1 when empty.
func (lm *LogManager) FirstOffset() Offset {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.firstOffsetLocked()
}

// LastOffset is the newest appended offset, 0 for an empty log.
func (lm *LogManager) LastOffset() Offset {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.next - 1
}

// Sync flushes the active segment to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return dberror.ErrLogClosed
	}
	return lm.file.Sync()
}

// Close syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if err := lm.file.Sync(); err != nil {
		lm.file.Close()
		return fmt.Errorf("failed to sync wal segment on close: %w", err)
	}
	return lm.file.Close()
}
