package ipcfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestDecodeFdPair(t *testing.T) {
	buf := make([]byte, 8)
	buf[0], buf[1], buf[2], buf[3] = 7, 0, 0, 0
	buf[4], buf[5], buf[6], buf[7] = 9, 0, 0, 0

	fds := decodeFdPair(buf)
	assert.Equal(t, [2]int32{7, 9}, fds)
}

func TestLayoutMsghdr(t *testing.T) {
	msghdrAddr, controlLenAddr := layoutMsghdr(0x8000)
	assert.Equal(t, uint64(0x8000), msghdrAddr)
	assert.Equal(t, uint64(0x8028), controlLenAddr)
}

func TestDecodeAncillaryFdRoundTrip(t *testing.T) {
	control := unix.UnixRights(42)

	fd, err := decodeAncillaryFd(control)
	assert.NoError(t, err)
	assert.Equal(t, 42, fd)
}

func TestDecodeAncillaryFdEmpty(t *testing.T) {
	_, err := decodeAncillaryFd(nil)
	assert.ErrorIs(t, err, ErrSELinuxDenied)
}

func TestDecodeAncillaryFdMultipleRights(t *testing.T) {
	control := unix.UnixRights(1, 2)

	_, err := decodeAncillaryFd(control)
	assert.ErrorIs(t, err, ErrFdInstallDenied)
}
