package broker

import "fmt"

// devKey identifies one broker-side device by (domid, device name) —
// spec §3's "Broker-side device" primary key.
type devKey struct {
	domid uint32
	name  string
}

func (k devKey) String() string { return fmt.Sprintf("%d/%s", k.domid, k.name) }

// BackendPath is the configuration-store path for this device's
// backend node (spec §6.3: "backend/xenio/<domid>/<name>").
func (k devKey) BackendPath() string {
	return fmt.Sprintf("backend/xenio/%d/%s", k.domid, k.name)
}

// Device is the broker's in-memory record of one discovered guest block
// device (spec §3 "Broker-side device").
type Device struct {
	Domid  uint32
	Name   string
	Serial uint64

	BackendPath       string
	FrontendPath      string
	FrontendStatePath string

	TapSocket string

	SectorSize uint32
	Sectors    uint64
	Info       uint32

	GrantRefs    []uint32
	EventChannel uint32
	RingOrder    uint32
	Proto        uint32
	Pool         string

	Connected         bool
	LastFrontendState FrontendState
}

func (d *Device) key() devKey { return devKey{domid: d.Domid, name: d.Name} }
