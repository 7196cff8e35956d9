// Package configstore implements the hierarchical, transactional,
// path-addressed key/value store spec §4.5/§6.3 calls "the
// configuration store" (the xenstore analogue): nested path buckets,
// atomic multi-key transactions with EAGAIN-retry-the-whole-handler
// semantics, and path-prefix watch/subscribe. None of the retrieval
// pack's examples touch Xen or xenstore directly, so this is grounded
// on the closest available ecosystem analogue for "hierarchical,
// transactional, path-addressed": go.etcd.io/bbolt's nested-bucket
// B+tree with Update/View transactions (pulled from canonical-snapd's
// dependency set).
package configstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// valueKey is the reserved bucket key holding a path node's own value,
// distinct from any child path segment name, so a node can be both a
// directory (have children) and hold a value — exactly like a real
// xenstore node (spec §6.3's paths are read/written as plain values
// while also having children, e.g. "backend/xenio/<domid>/<name>" is
// both a value-less directory and the parent of "frontend",
// "xenio-serial", etc).
var valueKey = []byte("\x00value")

// ErrRetry is returned by an Update handler to request the entire
// transaction be retried from scratch (spec §4.5: "EAGAIN on commit
// retries the entire handler").
var ErrRetry = errors.New("configstore: retry")

// maxRetries bounds the EAGAIN retry loop; spec says "retries the
// entire handler" without an explicit bound, but an unbounded loop
// risks hanging the broker's single thread forever on a handler bug,
// so this caps it generously and returns the last error past that.
const maxRetries = 1000

// Store is the configuration-store handle: one bbolt database file
// (conventionally one per broker process) holding the whole tree.
type Store struct {
	db *bolt.DB

	mu       sync.Mutex
	watchers map[string][]chan Event
}

// Event is delivered to a watcher when a transaction commits a write at
// or below the watched prefix (spec §6.3: "Watches fire with
// path+token").
type Event struct {
	Path  string
	Token string
}

// Open opens (creating if absent) the configuration store at file.
func Open(file string) (*Store, error) {
	db, err := bolt.Open(file, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("configstore: open %s: %w", file, err)
	}
	return &Store{db: db, watchers: make(map[string][]chan Event)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Txn is a transaction-scoped handle for reads and writes against one
// or more paths (spec §4.5: "all reads/writes triggered by one watch
// event run inside a single configuration-store transaction").
type Txn struct {
	tx      *bolt.Tx
	touched map[string]struct{}
	token   string
}

func (t *Txn) markTouched(path string) {
	if t.touched == nil {
		t.touched = make(map[string]struct{})
	}
	t.touched[path] = struct{}{}
}

// bucketFor navigates (and, if create, creates) the nested-bucket chain
// for path's segments, returning the bucket representing path itself.
func bucketFor(tx *bolt.Tx, path string, create bool) (*bolt.Bucket, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("configstore: empty path")
	}
	var b *bolt.Bucket
	for i, seg := range segs {
		key := []byte(seg)
		if b == nil {
			if create {
				bb, err := tx.CreateBucketIfNotExists(key)
				if err != nil {
					return nil, err
				}
				b = bb
			} else {
				b = tx.Bucket(key)
			}
		} else {
			if create {
				bb, err := b.CreateBucketIfNotExists(key)
				if err != nil {
					return nil, err
				}
				b = bb
			} else {
				b = b.Bucket(key)
			}
		}
		if b == nil {
			return nil, fmt.Errorf("configstore: no such path %q (missing %q, segment %d)", path, seg, i)
		}
	}
	return b, nil
}

// Read returns the value stored at path, or ok=false if path has no
// value of its own (it may still exist purely as a directory).
func (t *Txn) Read(path string) (value string, ok bool, err error) {
	b, err := bucketFor(t.tx, path, false)
	if err != nil {
		return "", false, nil
	}
	v := b.Get(valueKey)
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

// ReadInt reads path as a decimal integer, defaulting to def when the
// path is absent (spec §6.3: e.g. "ring-page-order (absent => 0)").
func (t *Txn) ReadInt(path string, def int) (int, error) {
	v, ok, err := t.Read(path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("configstore: %q is not an integer: %q", path, v)
	}
	return n, nil
}

// Write stores value at path, creating any missing intermediate
// directories.
func (t *Txn) Write(path, value string) error {
	b, err := bucketFor(t.tx, path, true)
	if err != nil {
		return err
	}
	t.markTouched(path)
	return b.Put(valueKey, []byte(value))
}

// WriteInt is Write with an integer value.
func (t *Txn) WriteInt(path string, value int) error {
	return t.Write(path, fmt.Sprintf("%d", value))
}

// List returns the immediate child names of path (directory listing,
// spec §4.5's "rescan entire subtree" walks this recursively).
func (t *Txn) List(path string) ([]string, error) {
	b, err := bucketFor(t.tx, path, false)
	if err != nil {
		return nil, nil
	}
	var names []string
	if err := b.ForEach(func(k, v []byte) error {
		if string(k) == string(valueKey) {
			return nil
		}
		if v == nil { // nested bucket
			names = append(names, string(k))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return names, nil
}

// Exists reports whether path names any node (value or directory).
func (t *Txn) Exists(path string) bool {
	b, err := bucketFor(t.tx, path, false)
	return err == nil && b != nil
}

// Delete removes path and everything beneath it.
func (t *Txn) Delete(path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("configstore: empty path")
	}
	parentPath := strings.Join(segs[:len(segs)-1], "/")
	leaf := segs[len(segs)-1]

	var parent *bolt.Bucket
	var err error
	if parentPath == "" {
		parent = nil
	} else {
		parent, err = bucketFor(t.tx, parentPath, false)
		if err != nil {
			return nil // already gone
		}
	}
	t.markTouched(path)
	if parent == nil {
		if t.tx.Bucket([]byte(leaf)) == nil {
			return nil
		}
		return t.tx.DeleteBucket([]byte(leaf))
	}
	if parent.Bucket([]byte(leaf)) == nil {
		return nil
	}
	return parent.DeleteBucket([]byte(leaf))
}

// Update runs fn inside a read-write transaction, committing on success
// and notifying prefix watchers of every path Write/Delete touched. If
// fn returns ErrRetry, the whole transaction (and fn) restarts from
// scratch with fresh reads, matching spec §4.5's EAGAIN-retry contract.
func (s *Store) Update(token string, fn func(*Txn) error) error {
	var touched map[string]struct{}
	for attempt := 0; attempt < maxRetries; attempt++ {
		touched = nil
		err := s.db.Update(func(tx *bolt.Tx) error {
			txn := &Txn{tx: tx, token: token}
			if ferr := fn(txn); ferr != nil {
				touched = txn.touched
				return ferr
			}
			touched = txn.touched
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return err
		}
		s.notify(touched, token)
		return nil
	}
	return fmt.Errorf("configstore: exceeded %d retries", maxRetries)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(*Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// Watch registers a watcher on prefix; it receives an Event for every
// Update transaction that touches a path at or below prefix. Cancel
// stops delivery and closes the channel.
func (s *Store) Watch(prefix string) (ch <-chan Event, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make(chan Event, 64)
	s.watchers[prefix] = append(s.watchers[prefix], c)
	return c, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[prefix]
		for i, w := range list {
			if w == c {
				s.watchers[prefix] = append(list[:i], list[i+1:]...)
				close(c)
				return
			}
		}
	}
}

func (s *Store) notify(touched map[string]struct{}, token string) {
	if len(touched) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, chans := range s.watchers {
		for path := range touched {
			if !pathUnderOrEqual(path, prefix) && !pathUnderOrEqual(prefix, path) {
				continue
			}
			for _, c := range chans {
				select {
				case c <- Event{Path: path, Token: token}:
				default:
					// watcher too slow; drop rather than block the
					// single-threaded writer (spec §5: callbacks must
					// not block).
				}
			}
		}
	}
}

func pathUnderOrEqual(path, prefix string) bool {
	path = strings.Trim(path, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
