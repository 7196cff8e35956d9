package errors

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesCodeFromErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		code  Code
	}{
		{syscall.EINVAL, CodeProtocolViolation},
		{syscall.EPROTO, CodeProtocolViolation},
		{syscall.EAGAIN, CodeResourceExhaustion},
		{syscall.ENOMEM, CodeResourceExhaustion},
		{syscall.ESRCH, CodeBackendUnavailable},
		{syscall.ENOENT, CodeBackendUnavailable},
		{syscall.ETIMEDOUT, CodeTimeout},
		{syscall.ENOSPC, CodeOutOfSpace},
	}
	for _, c := range cases {
		e := New("vbd.queue", c.errno, "boom")
		require.Equal(t, c.code, e.Code, "errno %v", c.errno)
	}
}

func TestNegativeErrno(t *testing.T) {
	e := New("ctlproto.call", syscall.ESRCH, "no such device")
	require.Equal(t, -int(syscall.ESRCH), e.NegativeErrno())

	e2 := &Error{Op: "noop"}
	require.Equal(t, 0, e2.NegativeErrno())
}

func TestWrapPreservesInnerAndUnwraps(t *testing.T) {
	inner := fmt.Errorf("short read")
	e := Wrap("blkif.decode", syscall.EPROTO, inner)
	require.ErrorIs(t, e, inner)
	require.True(t, IsCode(e, CodeProtocolViolation))
}

func TestIsCodeAndIsErrnoThroughWrapping(t *testing.T) {
	base := New("vbd.write", syscall.ENOSPC, "disk full")
	wrapped := fmt.Errorf("vbd request failed: %w", base)

	require.True(t, IsCode(wrapped, CodeOutOfSpace))
	require.True(t, IsErrno(wrapped, syscall.ENOSPC))
	require.False(t, IsCode(wrapped, CodeTimeout))
}

func TestForDeviceAndForQueueAreFluent(t *testing.T) {
	e := New("blkif.map", syscall.EINVAL, "bad segment").ForDevice(7).ForQueue(2)
	require.Equal(t, uint32(7), e.DevID)
	require.Equal(t, 2, e.Queue)
}
