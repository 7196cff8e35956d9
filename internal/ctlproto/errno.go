package ctlproto

import (
	"syscall"

	blkerrors "github.com/blktapd/blktapd/internal/errors"
)

// normalizeErrno turns any error into the positive errno magnitude the
// wire Response.Error field carries negated (spec §6.2: "all responses
// set u.response.error <= 0 ... on failure"), regardless of whether the
// caller attached an *errors.Error, a bare syscall.Errno, or neither.
// Per SPEC_FULL §6(ii), this is the single point of sign normalization;
// nothing downstream re-negates.
func normalizeErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var be *blkerrors.Error
	if e, ok := err.(*blkerrors.Error); ok {
		be = e
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		if e, ok := u.Unwrap().(*blkerrors.Error); ok {
			be = e
		}
	}
	if be != nil && be.Errno != 0 {
		return be.Errno
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EIO
}
