package hotkey

import (
	"fmt"
	"slices"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Binding is a key plus the modifiers that must be held with it.
type Binding struct {
	Mods []string // sorted subset of ctrl, shift, alt, super
	Key  string   // space, a-z or 0-9
}

func (b Binding) String() string {
	return strings.Join(append(slices.Clone(b.Mods), b.Key), "+")
}

var modAliases = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"option":  "alt",
	"super":   "super",
	"cmd":     "super",
	"win":     "super",
	"meta":    "super",
}

func validKey(k string) bool {
	if k == "space" {
		return true
	}
	return len(k) == 1 && (k[0] >= 'a' && k[0] <= 'z' || k[0] >= '0' && k[0] <= '9')
}

// Parse reads bindings like "ctrl+shift+space". A binding needs exactly one
// key and at least one modifier.
func Parse(spec string) (Binding, error) {
	var b Binding
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(spec)), "+") {
		part = strings.TrimSpace(part)
		if mod, ok := modAliases[part]; ok {
			if !slices.Contains(b.Mods, mod) {
				b.Mods = append(b.Mods, mod)
			}
			continue
		}
		if !validKey(part) {
			return Binding{}, fmt.Errorf("hotkey %q: unknown key %q", spec, part)
		}
		if b.Key != "" {
			return Binding{}, fmt.Errorf("hotkey %q: more than one key", spec)
		}
		b.Key = part
	}
	if b.Key == "" {
		return Binding{}, fmt.Errorf("hotkey %q: no key", spec)
	}
	if len(b.Mods) == 0 {
		return Binding{}, fmt.Errorf("hotkey %q: needs a modifier", spec)
	}
	slices.Sort(b.Mods)
	return b, nil
}

// DefaultBinding is ctrl+shift+space.
var DefaultBinding = Binding{Mods: []string{"ctrl", "shift"}, Key: "space"}
