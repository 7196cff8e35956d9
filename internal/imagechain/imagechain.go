// Package imagechain defines the contract the VBD engine consumes to
// move bytes: open/close/queue/drain against a stack of image handles.
// Leaf implementations (VHD, QCOW, ...) are explicitly out of scope;
// this package only defines the interface and one in-tree reference
// leaf (Memleaf) used to drive the engine in tests.
package imagechain

import "io"

// Image is one leaf or filter in a VBD's image chain.
type Image interface {
	io.Closer

	// ReadAt/WriteAt follow io.ReaderAt/io.WriterAt semantics over the
	// image's logical byte address space.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Size is the image's logical size in bytes.
	Size() int64

	// Flush forces any buffered writes to stable storage.
	Flush() error
}

// DiscardImage is the optional extension an image offers when it can
// handle discard/trim requests itself instead of falling back to
// zero-fill writes.
type DiscardImage interface {
	Image
	Discard(off, length int64) error
}

// Chain is an ordered stack of images, leaf first, with an optional
// secondary image used per the VBD's secondary mode (spec §4.3).
type Chain struct {
	Leaves    []Image
	Secondary Image
	Retired   Image
}

// Primary is the chain's innermost (first) leaf — the one mirror mode
// retires on ENOSPC.
func (c *Chain) Primary() Image {
	if len(c.Leaves) == 0 {
		return nil
	}
	return c.Leaves[0]
}

// Close closes every live image in the chain, including a retired one
// if present (spec §5: "retired images are released only on VBD
// close"), collecting the first error but attempting to close all of
// them regardless.
func (c *Chain) Close() error {
	var first error
	closeOne := func(img Image) {
		if img == nil {
			return
		}
		if err := img.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, img := range c.Leaves {
		closeOne(img)
	}
	closeOne(c.Secondary)
	closeOne(c.Retired)
	return first
}
