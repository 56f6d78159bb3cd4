//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
)

const inputEventSize = 24

// evdev codes from linux/input-event-codes.h.
var modCodes = map[string][]uint16{
	"ctrl":  {29, 97},
	"shift": {42, 54},
	"alt":   {56, 100},
	"super": {125, 126},
}

var keyCodes = map[string]uint16{
	"space": 57,
	"1": 2, "2": 3, "3": 4, "4": 5, "5": 6, "6": 7, "7": 8, "8": 9, "9": 10, "0": 11,
	"q": 16, "w": 17, "e": 18, "r": 19, "t": 20, "y": 21, "u": 22, "i": 23, "o": 24, "p": 25,
	"a": 30, "s": 31, "d": 32, "f": 33, "g": 34, "h": 35, "j": 36, "k": 37, "l": 38,
	"z": 44, "x": 45, "c": 46, "v": 47, "b": 48, "n": 49, "m": 50,
}

// linuxHotkey reads keyboards straight from /dev/input, which works under
// Wayland and on the console but needs the input group.
type linuxHotkey struct {
	binding Binding
	key     uint16
	mods    map[uint16]string

	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

func New(b Binding) (Hotkey, error) {
	key, ok := keyCodes[b.Key]
	if !ok {
		return nil, fmt.Errorf("hotkey: key %q not supported", b.Key)
	}
	mods := make(map[uint16]string)
	for _, m := range b.Mods {
		codes, ok := modCodes[m]
		if !ok {
			return nil, fmt.Errorf("hotkey: modifier %q not supported", m)
		}
		for _, c := range codes {
			mods[c] = m
		}
	}
	return &linuxHotkey{
		binding: b,
		key:     key,
		mods:    mods,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}, nil
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}
	return nil
}

func (h *linuxHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var tr tracker
	tr.init(h)

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))
			if evType != evKey {
				continue
			}
			switch tr.feed(evCode, evValue) {
			case edgeDown:
				select {
				case h.keydown <- struct{}{}:
				default:
				}
			case edgeUp:
				select {
				case h.keyup <- struct{}{}:
				default:
				}
			}
		}
	}
}

type edge int

const (
	edgeNone edge = iota
	edgeDown
	edgeUp
)

// tracker follows modifier state on one keyboard. Key repeats (value 2)
// are ignored.
type tracker struct {
	h       *linuxHotkey
	held    map[uint16]bool
	keyDown bool
}

func (t *tracker) init(h *linuxHotkey) {
	t.h = h
	t.held = make(map[uint16]bool)
}

func (t *tracker) modsHeld() bool {
	for _, m := range t.h.binding.Mods {
		ok := false
		for _, c := range modCodes[m] {
			if t.held[c] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (t *tracker) feed(code uint16, value int32) edge {
	if _, ok := t.h.mods[code]; ok {
		switch value {
		case keyPress:
			t.held[code] = true
		case keyRelease:
			delete(t.held, code)
		}
		return edgeNone
	}
	if code != t.h.key {
		return edgeNone
	}
	switch {
	case value == keyPress && !t.keyDown && t.modsHeld():
		t.keyDown = true
		return edgeDown
	case value == keyRelease && t.keyDown:
		t.keyDown = false
		return edgeUp
	}
	return edgeNone
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose reports whether a keyboard can be opened for the global key.
func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			return fmt.Sprintf("%d keyboard(s) found, opened %s", len(keyboards), path), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
