//go:build !linux

package loader

import "syscall"

func procAttr() *syscall.SysProcAttr { return nil }
