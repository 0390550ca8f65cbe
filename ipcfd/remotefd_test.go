package ipcfd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteFdClose(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	rfd := NewRemoteFd(int(r.Fd()))
	assert.Equal(t, int(r.Fd()), rfd.Fd())

	assert.NoError(t, rfd.Close())
	// second close is a no-op, not an error
	assert.NoError(t, rfd.Close())
}

func TestRemoteFdForgetDoesNotClose(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rfd := NewRemoteFd(int(r.Fd()))
	rfd.Forget()

	// the fd should still be valid since Forget must not close it
	_, err = r.Stat()
	assert.NoError(t, err)
}
