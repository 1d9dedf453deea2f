//go:build unix

package daemon

import "syscall"

// detachAttr puts the child in a new session so it outlives the terminal
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
