package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errPickerAborted = errors.New("device selection aborted")

// FindDevice returns the capture device whose ID matches name exactly or
// whose name contains it, case-insensitively.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	want := strings.ToLower(name)
	for i, d := range devices {
		if d.ID == name {
			return &devices[i], nil
		}
	}
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrNoDevice)
}

// SelectDevice presents an interactive device picker on the terminal.
// With a single device it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{devices: devices}
	p.render(os.Stdout)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		done, err := p.handle(buf[:n])
		if err != nil {
			fmt.Print("\r\n")
			return nil, err
		}
		if done {
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		p.render(os.Stdout)
	}
}

type picker struct {
	devices []DeviceInfo
	cursor  int
}

// handle applies one keypress. Enter confirms, Ctrl+C aborts.
func (p *picker) handle(key []byte) (bool, error) {
	switch {
	case len(key) == 1:
		switch key[0] {
		case '\r', '\n':
			return true, nil
		case 3:
			return false, errPickerAborted
		case 'j':
			p.move(1)
		case 'k':
			p.move(-1)
		}
	case len(key) == 3 && key[0] == 0x1b && key[1] == '[':
		switch key[2] {
		case 'A':
			p.move(-1)
		case 'B':
			p.move(1)
		}
	}
	return false, nil
}

func (p *picker) move(d int) {
	p.cursor = max(0, min(len(p.devices)-1, p.cursor+d))
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select microphone (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = " \x1b[33m[bluetooth, narrowband]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, tag)
		}
	}
}
