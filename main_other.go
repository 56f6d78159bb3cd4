//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// The hotkey backend needs the OS main thread on darwin and windows.
func main() {
	mainthread.Init(run)
}
