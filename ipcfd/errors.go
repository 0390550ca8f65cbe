package ipcfd

import "errors"

// ErrSELinuxDenied is returned when a control message arrives with zero
// msg_controllen: the kernel silently drops SCM_RIGHTS payloads an
// SELinux policy forbids, so this is the observable symptom rather than
// a distinct error the kernel reports directly.
var ErrSELinuxDenied = errors.New("ipcfd: fd install denied (likely SELinux), empty control message")

// ErrFdInstallDenied is returned when the control message arrives but
// doesn't carry exactly the one fd expected.
var ErrFdInstallDenied = errors.New("ipcfd: fd install produced an unexpected number of descriptors")
