// The Badger adapter gives entries durability on local disk. A bloom filter over the persisted
// key set answers reads for never-written keys without touching the database, and a background
// goroutine runs Badger's value-log GC at a fixed interval.

package persist

import (
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/dgraph-io/badger/v4"
)

var (
	gcInterval = flag.Duration("persist_gc_interval", 5*time.Minute,
		"Interval between Badger value-log GC passes; 0 disables GC.")
	gcDiscardRatio = flag.Float64("persist_gc_discard_ratio", 0.5,
		"Discard ratio passed to Badger's value-log GC.")
	bloomExpectedKeys = flag.Uint("persist_bloom_expected_keys", 16384,
		"Expected number of persisted keys used to size the bloom filter.")
	bloomFalsePositiveRate = flag.Float64("persist_bloom_fp_rate", 0.01,
		"Target false positive rate for the persisted-key bloom filter.")
)

// Badger is a durable Adapter backed by BadgerDB.
type Badger struct { // Implements Adapter.
	db     *badger.DB
	prefix []byte
	mux    sync.RWMutex // Guards filter; the db handles its own locking.
	filter *bloom.BloomFilter
	gcStop chan struct{}
	gcWg   sync.WaitGroup
}

var _ Adapter = (*Badger)(nil)

// OpenBadger opens (or creates) a Badger-backed adapter at dir. An empty dir opens an in-memory
// database, which is handy in tests. Keys are namespaced under prefix so the adapter can share a
// database with other subsystems.
func OpenBadger(dir, prefix string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	adapter := &Badger{
		db:     db,
		prefix: []byte(prefix),
		filter: bloom.NewWithEstimates(*bloomExpectedKeys, *bloomFalsePositiveRate),
		gcStop: make(chan struct{}),
	}
	if err := adapter.seedFilter(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed bloom filter: %w", err)
	}
	if *gcInterval > 0 && dir != "" {
		adapter.startGC(*gcInterval, *gcDiscardRatio)
	}
	return adapter, nil
}

// seedFilter loads every persisted key into the bloom filter so warm reads work after a restart.
func (b *Badger) seedFilter() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			b.filter.Add(it.Item().Key()[len(b.prefix):])
		}
		return nil
	})
}

func (b *Badger) startGC(interval time.Duration, discardRatio float64) {
	b.gcWg.Add(1)
	go func() {
		defer b.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.gcStop:
				return
			case <-ticker.C:
				// GC reclaims at most one log file per call; loop until there's nothing left.
				for b.db.RunValueLogGC(discardRatio) == nil {
				}
			}
		}
	}()
}

func (b *Badger) dbKey(key string) []byte {
	return append(append([]byte(nil), b.prefix...), key...)
}

func (b *Badger) Read(key string) ([]byte, bool, error) {
	b.mux.RLock()
	mightExist := b.filter.Test([]byte(key))
	b.mux.RUnlock()
	if !mightExist { // Definitely never written; skip the disk entirely.
		return nil, false, nil
	}

	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.dbKey(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) { // Bloom false positive or deleted key.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *Badger) Write(key string, blob []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.dbKey(key), blob)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, err)
	}
	if err != nil {
		return err
	}

	b.mux.Lock()
	b.filter.Add([]byte(key))
	b.mux.Unlock()
	return nil
}

func (b *Badger) Delete(key string) error {
	// The bloom filter can't forget keys; a later Read pays one extra lookup, which is fine.
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.dbKey(key))
	})
}

// Close stops the GC goroutine and closes the database.
func (b *Badger) Close() error {
	close(b.gcStop)
	b.gcWg.Wait()
	return b.db.Close()
}
