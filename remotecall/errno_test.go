package remotecall

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mufanc/zynx/remote"
)

func TestErrnoPropagatesCallFailure(t *testing.T) {
	// Errno calls through Call with zero arguments, so a bad target
	// address surfaces as a call failure rather than an argument error.
	_, err := Errno(&remote.Process{Pid: 0}, 0)
	assert.Error(t, err)
}
