package configstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		return tx.Write("backend/xenio/3/51712/frontend", "/local/domain/3/device/vbd/51712")
	}))

	err := s.View(func(tx *Txn) error {
		v, ok, err := tx.Read("backend/xenio/3/51712/frontend")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "/local/domain/3/device/vbd/51712", v)
		return nil
	})
	require.NoError(t, err)
}

func TestNodeCanBeDirectoryAndHaveSiblingValues(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		if err := tx.WriteInt("backend/xenio/3/51712/xenio-serial", 1); err != nil {
			return err
		}
		return tx.Write("backend/xenio/3/51712/frontend", "/local/domain/3/device/vbd/51712")
	}))

	err := s.View(func(tx *Txn) error {
		children, err := tx.List("backend/xenio/3/51712")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"xenio-serial", "frontend"}, children)
		return nil
	})
	require.NoError(t, err)
}

func TestReadIntDefaultsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		return tx.Write("frontend/state", "4")
	}))

	err := s.View(func(tx *Txn) error {
		n, err := tx.ReadInt("frontend/ring-page-order", 0)
		require.NoError(t, err)
		require.Equal(t, 0, n)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRemovesSubtree(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		return tx.Write("backend/xenio/3/51712/frontend", "x")
	}))
	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		return tx.Delete("backend/xenio/3/51712")
	}))

	err := s.View(func(tx *Txn) error {
		require.False(t, tx.Exists("backend/xenio/3/51712"))
		require.True(t, tx.Exists("backend/xenio/3"))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRetriesOnErrRetry(t *testing.T) {
	s := newTestStore(t)
	attempts := 0
	err := s.Update("t1", func(tx *Txn) error {
		attempts++
		if attempts < 3 {
			return ErrRetry
		}
		return tx.Write("a/b", "ok")
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestUpdateAbortsTransactionOnError(t *testing.T) {
	s := newTestStore(t)
	boom := require.Error
	err := s.Update("t1", func(tx *Txn) error {
		if err := tx.Write("a/b", "partial"); err != nil {
			return err
		}
		return errUnrelated
	})
	boom(t, err)

	// the write inside the aborted transaction must not be visible.
	_ = s.View(func(tx *Txn) error {
		require.False(t, tx.Exists("a/b"))
		return nil
	})
}

var errUnrelated = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestWatchFiresOnWriteAtOrBelowPrefix(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Watch("backend/xenio")
	defer cancel()

	require.NoError(t, s.Update("backend-xenio", func(tx *Txn) error {
		return tx.Write("backend/xenio/3/51712/frontend", "x")
	}))

	select {
	case ev := <-ch:
		require.Equal(t, "backend-xenio", ev.Token)
		require.Equal(t, "backend/xenio/3/51712/frontend", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatchDoesNotFireOutsidePrefix(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Watch("backend/xenio")
	defer cancel()

	require.NoError(t, s.Update("t1", func(tx *Txn) error {
		return tx.Write("unrelated/path", "x")
	}))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
