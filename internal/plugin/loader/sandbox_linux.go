//go:build linux

package loader

import "syscall"

// procAttr kills the plugin process when the host dies.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
