//go:build windows

package system

import "syscall"

func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
