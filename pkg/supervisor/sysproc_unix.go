//go:build !windows

package supervisor

import "syscall"

// detachedAttr starts the child in its own session so it survives the
// supervisor and does not receive the terminal's signals.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
