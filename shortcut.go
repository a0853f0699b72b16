package main

import (
	"fmt"
	"sort"
	"strings"
)

// Key is a Linux evdev keycode.
type Key uint16

// Modifier keycodes (left-hand variants, matching what the firmware's host
// tooling emitted).
const (
	keyLeftCtrl  Key = 29
	keyLeftShift Key = 42
	keyLeftAlt   Key = 56
	keyLeftMeta  Key = 125
)

var modifierKeys = map[string]Key{
	"ctrl":  keyLeftCtrl,
	"alt":   keyLeftAlt,
	"shift": keyLeftShift,
	"win":   keyLeftMeta,
	"cmd":   keyLeftMeta,
}

// Named non-modifier keys a shortcut may use as its main key.
var namedKeys = map[string]Key{
	"esc":       1,
	"tab":       15,
	"enter":     28,
	"space":     57,
	"backspace": 14,
	"delete":    111,
	"home":      102,
	"end":       107,
	"pageup":    104,
	"pagedown":  109,
	"up":        103,
	"down":      108,
	"left":      105,
	"right":     106,
	"f1":        59,
	"f2":        60,
	"f3":        61,
	"f4":        62,
	"f5":        63,
	"f6":        64,
	"f7":        65,
	"f8":        66,
	"f9":        67,
	"f10":       68,
	"f11":       87,
	"f12":       88,
}

var charKeys = map[rune]Key{
	'a': 30, 'b': 48, 'c': 46, 'd': 32, 'e': 18, 'f': 33, 'g': 34,
	'h': 35, 'i': 23, 'j': 36, 'k': 37, 'l': 38, 'm': 50, 'n': 49,
	'o': 24, 'p': 25, 'q': 16, 'r': 19, 's': 31, 't': 20, 'u': 22,
	'v': 47, 'w': 17, 'x': 45, 'y': 21, 'z': 44,
	'1': 2, '2': 3, '3': 4, '4': 5, '5': 6, '6': 7, '7': 8, '8': 9,
	'9': 10, '0': 11, '-': 12, '=': 13, ',': 51, '.': 52, '/': 53,
	';': 39, '\'': 40, '[': 26, ']': 27, '`': 41, '\\': 43,
}

// ShortcutSpec is a parsed shortcut descriptor: zero or more modifiers in
// the order written, plus at most one main key.
type ShortcutSpec struct {
	Modifiers []Key
	MainKey   Key
	HasMain   bool
}

// parseShortcut parses a descriptor like "ctrl+shift+s" or "pagedown".
// Parsing is permissive: segments are lowercased and trimmed, a repeated
// non-modifier segment overwrites the previous one (last wins), and an
// unrecognized multi-character segment falls back to its first character.
// "none" and the empty string parse to an empty spec.
func parseShortcut(s string) ShortcutSpec {
	var spec ShortcutSpec
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return spec
	}
	for _, part := range strings.Split(s, "+") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if mod, ok := modifierKeys[part]; ok {
			spec.Modifiers = append(spec.Modifiers, mod)
			continue
		}
		if k, ok := namedKeys[part]; ok {
			spec.MainKey = k
			spec.HasMain = true
			continue
		}
		if k, ok := charKeys[rune(part[0])]; ok {
			spec.MainKey = k
			spec.HasMain = true
		}
	}
	return spec
}

// keyInjector is the platform keystroke primitive. The uinput keyboard
// implements it in production; tests record the call sequence.
type keyInjector interface {
	press(k Key) error
	release(k Key) error
}

// executeShortcut plays a parsed chord: modifiers down in order, main key
// tapped, modifiers up in reverse order. Reverse release matters for chord
// emulation on some targets. A spec without a main key is a no-op error.
// Injection failures never propagate beyond the returned error; keys already
// pressed are released best-effort.
func executeShortcut(inj keyInjector, spec ShortcutSpec) error {
	if !spec.HasMain {
		return fmt.Errorf("no main key in shortcut")
	}

	var pressed []Key
	releaseAll := func() {
		for i := len(pressed) - 1; i >= 0; i-- {
			inj.release(pressed[i])
		}
	}

	for _, mod := range spec.Modifiers {
		if err := inj.press(mod); err != nil {
			releaseAll()
			return fmt.Errorf("press modifier: %w", err)
		}
		pressed = append(pressed, mod)
	}
	if err := inj.press(spec.MainKey); err != nil {
		releaseAll()
		return fmt.Errorf("press key: %w", err)
	}
	if err := inj.release(spec.MainKey); err != nil {
		releaseAll()
		return fmt.Errorf("release key: %w", err)
	}
	for i := len(spec.Modifiers) - 1; i >= 0; i-- {
		if err := inj.release(spec.Modifiers[i]); err != nil {
			return fmt.Errorf("release modifier: %w", err)
		}
	}
	return nil
}

// availableKeys lists the recognized named-key identifiers, sorted.
func availableKeys() []string {
	out := make([]string, 0, len(namedKeys))
	for name := range namedKeys {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// availableModifiers lists the recognized modifier identifiers, sorted.
func availableModifiers() []string {
	out := make([]string, 0, len(modifierKeys))
	for name := range modifierKeys {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
