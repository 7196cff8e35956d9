package imagechain

import "syscall"

// EnospcLeaf wraps another Image and fails every WriteAt with ENOSPC
// once triggered, so VBD tests can exercise the mirror-mode failover
// path (spec §4.3, §8 S4) without a real filesystem running out of
// space.
type EnospcLeaf struct {
	Image
	Trigger bool
}

func (e *EnospcLeaf) WriteAt(p []byte, off int64) (int, error) {
	if e.Trigger {
		return 0, syscall.ENOSPC
	}
	return e.Image.WriteAt(p, off)
}

var _ Image = (*EnospcLeaf)(nil)
