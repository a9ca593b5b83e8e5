// Package journal persists one record per received block in a bolt
// database, encoded as CBOR.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/zeebo/blake3"

	"github.com/quantarax/dtp/internal/dtp"
)

var ErrNotFound = errors.New("journal: record not found")

var bucketBlocks = []byte("blocks")

// Record describes one received block.
type Record struct {
	_           struct{} `cbor:",toarray"`
	Session     string
	Peer        string
	ID          uint64
	Size        uint64
	Priority    uint64
	Deadline    uint64
	Started     int64
	Completed   int64
	DeadlineMet bool
	Digest      []byte
}

// Elapsed is the block's completion time.
func (r Record) Elapsed() time.Duration { return time.Duration(r.Completed - r.Started) }

// NewRecord summarises rb. The payload is kept only as a BLAKE3 digest.
func NewRecord(session, peer string, rb dtp.Received) Record {
	sum := blake3.Sum256(rb.Data)
	return Record{
		Session:     session,
		Peer:        peer,
		ID:          rb.Info.ID,
		Size:        rb.Info.Size,
		Priority:    rb.Info.Priority,
		Deadline:    rb.Info.Deadline,
		Started:     rb.Started.UnixNano(),
		Completed:   rb.Completed.UnixNano(),
		DeadlineMet: rb.DeadlineMet(),
		Digest:      sum[:],
	}
}

// DefaultSyncInterval is how often buffered writes are synced to disk.
const DefaultSyncInterval = time.Second

// queueLen bounds the records waiting for the writer.
const queueLen = 1024

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("journal: closed")

type entry struct {
	key   []byte
	value []byte
}

// Journal is a bolt-backed record store. Safe for concurrent use.
//
// Put only queues a record. A writer goroutine commits queued records in
// batches with bolt's NoSync set and syncs the file every sync interval,
// so callers on the event loop never wait for the disk. Reads flush the
// queue first.
type Journal struct {
	db        *bolt.DB
	syncEvery time.Duration

	mu     sync.RWMutex
	closed bool
	in     chan entry
	flush  chan chan error
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Option customises a Journal.
type Option func(*Journal)

// WithSyncInterval sets how often the writer syncs the database file.
func WithSyncInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.syncEvery = d
		}
	}
}

// Open opens or creates the journal at path and starts its writer.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.NoSync = true
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketBlocks)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	j := &Journal{
		db:        db,
		syncEvery: DefaultSyncInterval,
		in:        make(chan entry, queueLen),
		flush:     make(chan chan error),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	go j.run()
	return j, nil
}

func (j *Journal) run() {
	defer close(j.done)
	tick := time.NewTicker(j.syncEvery)
	defer tick.Stop()

	var batch []entry
	for {
		select {
		case e, ok := <-j.in:
			if !ok {
				return
			}
			batch = j.commit(j.drain(append(batch, e)))
		case ack := <-j.flush:
			batch = j.commit(j.drain(batch))
			ack <- j.Err()
		case <-tick.C:
			if err := j.db.Sync(); err != nil {
				j.setErr(fmt.Errorf("sync journal: %w", err))
			}
		}
	}
}

// drain appends every record already queued without blocking.
func (j *Journal) drain(batch []entry) []entry {
	for {
		select {
		case e, ok := <-j.in:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// commit writes batch in one transaction and returns it emptied.
func (j *Journal) commit(batch []entry) []entry {
	if len(batch) == 0 {
		return batch
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBlocks)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		for _, e := range batch {
			if err := bk.Put(e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		j.setErr(fmt.Errorf("write %d records: %w", len(batch), err))
	}
	clear(batch)
	return batch[:0]
}

func (j *Journal) setErr(err error) {
	j.errMu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.errMu.Unlock()
}

// Err returns the first error the writer hit, if any.
func (j *Journal) Err() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// Path returns the database file.
func (j *Journal) Path() string { return j.db.Path() }

// Healthy reports whether the database is readable and the writer has not
// failed.
func (j *Journal) Healthy() bool {
	if j.Err() != nil {
		return false
	}
	return j.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBlocks) == nil {
			return bolt.ErrBucketNotFound
		}
		return nil
	}) == nil
}

// Flush waits until every record queued before the call is committed.
func (j *Journal) Flush() error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	ack := make(chan error, 1)
	j.flush <- ack
	j.mu.RUnlock()
	return <-ack
}

// Close commits queued records, syncs and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.in)
	j.mu.Unlock()
	<-j.done

	var result *multierror.Error
	if err := j.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := j.db.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := j.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func key(session string, id uint64) []byte {
	k := make([]byte, 0, len(session)+9)
	k = append(k, session...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, id)
}

// Put queues r, replacing any record with the same session and id. It
// blocks only while the queue is full. Write failures surface through Err,
// Flush and Close.
func (j *Journal) Put(r Record) error {
	v, err := cbor.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	j.in <- entry{key: key(r.Session, r.ID), value: v}
	return nil
}

// settle commits pending writes before a read. A closed journal falls
// through to bolt, which reports the database as closed.
func (j *Journal) settle() error {
	if err := j.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Get returns the record for block id of session.
func (j *Journal) Get(session string, id uint64) (Record, error) {
	var r Record
	if err := j.settle(); err != nil {
		return r, err
	}
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(key(session, id))
		if v == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(v, &r)
	})
	return r, err
}

// Session returns every record of session ordered by block id.
func (j *Journal) Session(session string) ([]Record, error) {
	if err := j.settle(); err != nil {
		return nil, err
	}
	var out []Record
	prefix := append([]byte(session), 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r Record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Summary aggregates the records of one session.
type Summary struct {
	Blocks int
	Bytes  uint64
	Met    int
	Missed int
	Mean   time.Duration
	Worst  time.Duration
}

// Summarize aggregates the records of session.
func (j *Journal) Summarize(session string) (Summary, error) {
	recs, err := j.Session(session)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(recs), nil
}

// Summarize aggregates recs.
func Summarize(recs []Record) Summary {
	var s Summary
	var total time.Duration
	for _, r := range recs {
		s.Blocks++
		s.Bytes += r.Size
		if r.DeadlineMet {
			s.Met++
		} else {
			s.Missed++
		}
		e := r.Elapsed()
		total += e
		s.Worst = max(s.Worst, e)
	}
	if s.Blocks > 0 {
		s.Mean = total / time.Duration(s.Blocks)
	}
	return s
}
