package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestWaitResultString(t *testing.T) {
	tests := []struct {
		name string
		w    WaitResult
		want string
	}{
		{"exited", WaitResult{Reason: StopExited, ExitCode: 0}, "exited(0)"},
		{"exited nonzero", WaitResult{Reason: StopExited, ExitCode: 1}, "exited(1)"},
		{"trapped", WaitResult{Reason: StopTrapped, Signal: unix.SIGTRAP}, "trapped(SIGTRAP)"},
		{"unknown", WaitResult{}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.w.String())
		})
	}
}

func TestWaitResultStringSignaledAndStopped(t *testing.T) {
	signaled := WaitResult{Reason: StopSignaled, Signal: unix.SIGKILL}
	assert.Contains(t, signaled.String(), "signaled(")

	stopped := WaitResult{Reason: StopStopped, Signal: unix.SIGSTOP}
	assert.Contains(t, stopped.String(), "stopped(")
}
