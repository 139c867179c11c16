package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// BoltStore keeps the ledgers of many sessions in one bbolt database, one
// nested bucket per session.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bbolt path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(sessionsBucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sessions lists the session names present in the store.
func (s *BoltStore) Sessions() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

// Session returns the ledger of one session, creating its bucket.
func (s *BoltStore) Session(name string) (*Bolt, error) {
	if name == "" {
		return nil, errors.New("session name is empty")
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, e := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(name))
		return e
	}); err != nil {
		return nil, fmt.Errorf("create session %s: %w", name, err)
	}
	return &Bolt{db: s.db, name: []byte(name)}, nil
}

// DropSession deletes the ledger of one session.
func (s *BoltStore) DropSession(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Bolt is a session ledger stored in a BoltStore. Closing it leaves the
// store open.
type Bolt struct {
	db   *bolt.DB
	name []byte
}

func (b *Bolt) bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(sessionsBucket).Bucket(b.name)
}

func (b *Bolt) Lookup(path string) (time.Time, bool) {
	var (
		at time.Time
		ok bool
	)
	_ = b.db.View(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(path)); len(v) == 8 {
			at, ok = time.Unix(0, int64(binary.BigEndian.Uint64(v))), true
		}
		return nil
	})
	return at, ok
}

func (b *Bolt) Record(path string, at time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return fmt.Errorf("session %s was dropped", b.name)
		}
		return putUint64(bkt, []byte(path), uint64(at.UnixNano()))
	})
}

func (b *Bolt) Entries() []Entry {
	m := map[string]time.Time{}
	_ = b.db.View(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				m[string(k)] = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			}
			return nil
		})
	})
	return sortedEntries(m)
}

func (b *Bolt) Close() error { return nil }

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.Put(key, buf[:])
}
