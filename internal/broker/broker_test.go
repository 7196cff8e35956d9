package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blktapd/blktapd/internal/configstore"
	"github.com/blktapd/blktapd/internal/ctlproto"
	"github.com/stretchr/testify/require"
)

// fakeTap is a minimal ctlproto.Handler standing in for a real tap
// worker in broker tests: it just remembers what was asked of it.
type fakeTap struct {
	mu          sync.Mutex
	connects    []ctlproto.Blkif
	disconnects []ctlproto.Blkif
	diskInfo    ctlproto.Image
	connectErr  error
}

func (f *fakeTap) Pid() int32               { return int32(os.Getpid()) }
func (f *fakeTap) Attach(string) error       { return nil }
func (f *fakeTap) Open(ctlproto.Params) error { return nil }
func (f *fakeTap) Pause(time.Duration) error { return nil }
func (f *fakeTap) Resume(ctlproto.Params) error { return nil }
func (f *fakeTap) Close(time.Duration, bool) error { return nil }
func (f *fakeTap) Detach() error             { return nil }
func (f *fakeTap) ListMinors() []int32       { return nil }
func (f *fakeTap) List() []ctlproto.ListEntry { return nil }
func (f *fakeTap) Stats() (string, error)    { return "", nil }
func (f *fakeTap) DiskInfo() (ctlproto.Image, error) {
	return f.diskInfo, nil
}
func (f *fakeTap) ConnectRing(b ctlproto.Blkif) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects = append(f.connects, b)
	return nil
}
func (f *fakeTap) DisconnectRing(domid, devid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.connects {
		if c.Domid == domid && c.Devid == devid {
			f.disconnects = append(f.disconnects, c)
			return nil
		}
	}
	return fmt.Errorf("broker: no such blkif %d/%d", domid, devid)
}
func (f *fakeTap) ForceShutdown() {}

func (f *fakeTap) numConnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func startFakeTap(t *testing.T, img ctlproto.Image) (*fakeTap, string) {
	t.Helper()
	h := &fakeTap{diskInfo: img}
	dir := t.TempDir()
	path := ctlproto.SocketPath(dir, os.Getpid())
	srv, err := ctlproto.Listen(path, h, nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return h, path
}

type staticLocator map[devKey]string

func (s staticLocator) Locate(domid uint32, name string) (string, error) {
	sock, ok := s[devKey{domid: domid, name: name}]
	if !ok {
		return "", fmt.Errorf("broker: no tap for %d/%s", domid, name)
	}
	return sock, nil
}

func newTestStore(t *testing.T) *configstore.Store {
	t.Helper()
	s, err := configstore.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeS1Fixture(t *testing.T, store *configstore.Store, state string) {
	t.Helper()
	require.NoError(t, store.Update("fixture", func(tx *configstore.Txn) error {
		if err := tx.Write("backend/xenio/3/51712/frontend", "frontend/51712"); err != nil {
			return err
		}
		if err := tx.Write("frontend/51712/ring-ref", "42"); err != nil {
			return err
		}
		if err := tx.Write("frontend/51712/event-channel", "7"); err != nil {
			return err
		}
		if err := tx.Write("frontend/51712/protocol", "x86_64-abi"); err != nil {
			return err
		}
		return tx.Write("frontend/51712/state", state)
	}))
}

func TestRescanCreatesDeviceAndProbesDiskInfo(t *testing.T) {
	store := newTestStore(t)
	tap, sock := startFakeTap(t, ctlproto.Image{Sectors: 8, SectorSize: 512})
	_ = tap
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())

	devs := b.Devices()
	require.Len(t, devs, 1)
	require.Equal(t, uint32(512), devs[0].SectorSize)
	require.Equal(t, uint64(8), devs[0].Sectors)
}

func TestS1ConnectOneReadDisconnect(t *testing.T) {
	store := newTestStore(t)
	tap, sock := startFakeTap(t, ctlproto.Image{Sectors: 8, SectorSize: 512})
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())

	key := devKey{domid: 3, name: "51712"}
	require.NoError(t, b.HandleFrontendEvent(key))
	// Initialising -> own state InitWait
	err := store.View(func(tx *configstore.Txn) error {
		v, ok, err := tx.Read("backend/xenio/3/51712/state")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "InitWait", v)
		return nil
	})
	require.NoError(t, err)

	// Guest moves to Initialised -> broker connects the ring.
	require.NoError(t, store.Update("t", func(tx *configstore.Txn) error {
		return tx.Write("frontend/51712/state", "Initialised")
	}))
	require.NoError(t, b.HandleFrontendEvent(key))
	require.Equal(t, 1, tap.numConnects())
	require.Equal(t, uint32(3), tap.connects[0].Proto) // x86_64-abi -> proto 3
	require.Equal(t, uint32(42), tap.connects[0].Gref[0])
	require.Equal(t, uint32(7), tap.connects[0].Port)

	err = store.View(func(tx *configstore.Txn) error {
		v, _, err := tx.Read("backend/xenio/3/51712/state")
		require.NoError(t, err)
		require.Equal(t, "Connected", v)
		return nil
	})
	require.NoError(t, err)

	// Reconnecting with identical grants/port is idempotent (spec §8).
	require.NoError(t, b.HandleFrontendEvent(key))
	require.Equal(t, 1, tap.numConnects())

	// Guest closes -> broker disconnects and reflects Closed.
	require.NoError(t, store.Update("t", func(tx *configstore.Txn) error {
		return tx.Write("frontend/51712/state", "Closed")
	}))
	require.NoError(t, b.HandleFrontendEvent(key))
	require.Len(t, tap.disconnects, 1)

	err = store.View(func(tx *configstore.Txn) error {
		v, _, err := tx.Read("backend/xenio/3/51712/state")
		require.NoError(t, err)
		require.Equal(t, "Closed", v)
		return nil
	})
	require.NoError(t, err)
}

func TestFastRecycleOnSerialMismatch(t *testing.T) {
	store := newTestStore(t)
	_, sock := startFakeTap(t, ctlproto.Image{})
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())
	require.Len(t, b.Devices(), 1)
	firstSerial := b.Devices()[0].Serial

	// Simulate the device disappearing and reappearing with a forced
	// new xenio-serial (spec §8 S5).
	require.NoError(t, store.Update("t", func(tx *configstore.Txn) error {
		return tx.WriteInt("backend/xenio/3/51712/xenio-serial", int(firstSerial)+100)
	}))
	require.NoError(t, b.Rescan())

	devs := b.Devices()
	require.Len(t, devs, 1)
	require.NotEqual(t, firstSerial, devs[0].Serial)
}

func TestRescanRemovesVanishedDevice(t *testing.T) {
	store := newTestStore(t)
	_, sock := startFakeTap(t, ctlproto.Image{})
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())
	require.Len(t, b.Devices(), 1)

	require.NoError(t, store.Update("t", func(tx *configstore.Txn) error {
		return tx.Delete("backend/xenio/3/51712")
	}))
	require.NoError(t, b.Rescan())
	require.Len(t, b.Devices(), 0)
}

func TestDisconnectNonexistentBlkifSurfacesErrorWithoutPanic(t *testing.T) {
	store := newTestStore(t)
	_, sock := startFakeTap(t, ctlproto.Image{})
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())

	dev := b.Devices()[0]
	err := b.disconnectRing(dev)
	require.Error(t, err)
}

func TestFrontendStateNoopStates(t *testing.T) {
	store := newTestStore(t)
	_, sock := startFakeTap(t, ctlproto.Image{})
	writeS1Fixture(t, store, "Initialising")

	b := New(store, staticLocator{{3, "51712"}: sock}, nil, nil)
	require.NoError(t, b.Rescan())
	key := devKey{domid: 3, name: "51712"}

	for _, s := range []string{"Unknown", "Reconfiguring", "Reconfigured", "InitWait"} {
		require.NoError(t, store.Update("t", func(tx *configstore.Txn) error {
			return tx.Write("frontend/51712/state", s)
		}))
		require.NoError(t, b.HandleFrontendEvent(key))
	}
	err := store.View(func(tx *configstore.Txn) error {
		_, ok, err := tx.Read("backend/xenio/3/51712/state")
		require.NoError(t, err)
		require.False(t, ok) // none of these states write a backend state
		return nil
	})
	require.NoError(t, err)
}
