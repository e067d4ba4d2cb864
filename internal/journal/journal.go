// Package journal records flushed change batches in BoltDB so the CLI can
// show recent activity. It sits downstream of the observer; the observer
// itself never persists anything.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	"github.com/pulsepoint/pulsewatch/pkg/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BucketBatches stores one record per flushed batch, keyed by sequence
const BucketBatches = "batches"

// Record is one flushed batch
type Record struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	Sequence  uint64    `json:"sequence" yaml:"sequence"`
	Root      string    `json:"root" yaml:"root"`
	FlushedAt time.Time `json:"flushed_at" yaml:"flushed_at"`
	Paths     []string  `json:"paths" yaml:"paths"`
}

// Options represents journal options
type Options struct {
	Timeout    time.Duration // How long to wait for the file lock held by another process
	MaxRecords int           // Oldest records beyond this are pruned; zero keeps everything
	ReadOnly   bool
}

// DefaultOptions returns default journal options
func DefaultOptions() *Options {
	return &Options{
		Timeout:    1 * time.Second,
		MaxRecords: 1000,
	}
}

// DefaultPath returns the journal location under the user's home directory
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pulsewatch", "journal.db")
}

// PulsePointJournal is a BoltDB-backed append log of flushed batches
type PulsePointJournal struct {
	db      *bolt.DB
	path    string
	options *Options
	logger  *zap.Logger
	mu      sync.RWMutex
	isOpen  bool
}

// Open opens (creating if needed) the journal at path
func Open(path string, options *Options) (*PulsePointJournal, error) {
	if options == nil {
		options = DefaultOptions()
	}

	if !options.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, pperrors.NewJournalError("failed to create journal directory", err).
				WithContext("path", path)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  options.Timeout,
		ReadOnly: options.ReadOnly,
	})
	if err != nil {
		return nil, pperrors.NewJournalError("failed to open journal", err).WithContext("path", path)
	}

	if !options.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(BucketBatches))
			return err
		})
		if err != nil {
			db.Close()
			return nil, pperrors.NewJournalError("failed to initialize buckets", err)
		}
	}

	j := &PulsePointJournal{
		db:      db,
		path:    path,
		options: options,
		logger:  logger.Named("journal"),
		isOpen:  true,
	}
	j.logger.Debug("Journal opened", zap.String("path", path))
	return j, nil
}

// Close closes the journal
func (j *PulsePointJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.isOpen {
		return nil
	}
	j.isOpen = false
	if err := j.db.Close(); err != nil {
		return pperrors.NewJournalError("failed to close journal", err)
	}
	return nil
}

// Path returns the journal file location
func (j *PulsePointJournal) Path() string {
	return j.path
}

// Append stores a batch and prunes old records past MaxRecords
func (j *PulsePointJournal) Append(root string, paths []string) (*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.isOpen {
		return nil, pperrors.NewJournalError("journal is closed", nil)
	}

	record := &Record{
		ID:        uuid.New(),
		Root:      root,
		FlushedAt: time.Now().UTC(),
		Paths:     append([]string(nil), paths...),
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketBatches))
		if b == nil {
			return bolt.ErrBucketNotFound
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		record.Sequence = seq

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}

		return j.pruneLocked(b)
	})
	if err != nil {
		return nil, pperrors.NewJournalError("failed to append batch", err).
			WithContext("batch_id", record.ID.String())
	}

	return record, nil
}

// Recent returns up to limit records, newest first
func (j *PulsePointJournal) Recent(limit int) ([]*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.isOpen {
		return nil, pperrors.NewJournalError("journal is closed", nil)
	}

	var records []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketBatches))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				j.logger.Warn("Skipping unreadable journal record", zap.Error(err))
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, pperrors.NewJournalError("failed to read journal", err)
	}

	return records, nil
}

// Count returns the number of stored records
func (j *PulsePointJournal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.isOpen {
		return 0, pperrors.NewJournalError("journal is closed", nil)
	}

	count := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(BucketBatches)); b != nil {
			count = keyCount(b)
		}
		return nil
	})
	if err != nil {
		return 0, pperrors.NewJournalError("failed to count journal records", err)
	}
	return count, nil
}

// Handler returns a flush handler that appends every batch for root.
// Failures are logged; the batch is not retried.
func (j *PulsePointJournal) Handler(root string, next interfaces.FlushHandler) interfaces.FlushHandler {
	return func(batch []interfaces.PathIdentifier) {
		record, err := j.Append(root, batch)
		if err != nil {
			j.logger.Error("Failed to record batch", zap.Int("batch_size", len(batch)), zap.Error(err))
		} else {
			j.logger.Debug("Recorded batch",
				zap.String("batch_id", record.ID.String()),
				zap.Int("batch_size", len(batch)),
			)
		}
		if next != nil {
			next(batch)
		}
	}
}

// pruneLocked deletes the oldest records beyond MaxRecords inside tx
func (j *PulsePointJournal) pruneLocked(b *bolt.Bucket) error {
	if j.options.MaxRecords <= 0 {
		return nil
	}

	excess := keyCount(b) - j.options.MaxRecords
	if excess <= 0 {
		return nil
	}

	// Collect first; deleting while iterating skips keys
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// keyCount derives the record count from the oldest and newest keys. Keys
// come from NextSequence and only the oldest are pruned, so they form one
// contiguous run. Unlike Bucket.Stats this sees writes pending in the tx.
func keyCount(b *bolt.Bucket) int {
	c := b.Cursor()
	first, _ := c.First()
	if first == nil {
		return 0
	}
	last, _ := c.Last()
	return int(binary.BigEndian.Uint64(last) - binary.BigEndian.Uint64(first) + 1)
}
