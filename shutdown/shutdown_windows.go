//go:build windows

package shutdown

import (
	"os"
	"os/signal"
)

// Notify relays Ctrl+C to ch. Windows has no SIGTERM.
func Notify(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
