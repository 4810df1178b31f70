// Package inject hands transcribed text to the focused application using
// robotgo, either by simulating keystrokes or through the clipboard.
package inject

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/go-vgo/robotgo"
)

// Method selects how text reaches the application.
type Method string

const (
	MethodType  Method = "type"  // keystroke simulation, keeps the clipboard
	MethodPaste Method = "paste" // clipboard + paste shortcut, faster for long text
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodType, MethodPaste:
		return Method(s), nil
	default:
		return "", fmt.Errorf("inject: unknown method %q", s)
	}
}

// clipboardSettle is how long to wait before restoring the clipboard so the
// target application reads the pasted text first.
const clipboardSettle = 150 // ms

// Injector types or pastes text into the active application.
type Injector struct {
	method Method
	mu     sync.Mutex // one injection at a time
}

// NewInjector creates an Injector with the given method.
func NewInjector(method Method) *Injector {
	return &Injector{method: method}
}

// Inject sends text to the active application. Empty text is ignored.
func (inj *Injector) Inject(text string) error {
	text = prepare(text)
	if text == "" {
		return nil
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()

	switch inj.method {
	case MethodPaste:
		return inj.paste(text)
	default:
		robotgo.Type(text)
		return nil
	}
}

// paste copies text to the clipboard and sends the platform paste
// shortcut, then restores the previous clipboard contents (best effort).
func (inj *Injector) paste(text string) error {
	prev, _ := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	mod := pasteModifier(runtime.GOOS)
	if err := robotgo.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	robotgo.MilliSleep(clipboardSettle)
	_ = robotgo.WriteAll(prev)
	return nil
}

// pasteModifier returns the modifier of the paste shortcut on goos.
func pasteModifier(goos string) string {
	if goos == "darwin" {
		return "cmd"
	}
	return "ctrl"
}

// prepare trims the transcript and collapses internal runs of whitespace,
// including the newlines some engines put between segments.
func prepare(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
