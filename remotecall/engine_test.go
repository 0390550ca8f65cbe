package remotecall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mufanc/zynx/remote"
)

func TestCallRejectsTooManyArgs(t *testing.T) {
	_, err := Call(&remote.Process{Pid: 0}, 0x1000, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	assert.True(t, errors.Is(err, ErrTooManyArgs))
}
