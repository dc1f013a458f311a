package popup

import (
	"encoding/json"
	"errors"
)

// ErrWindowClosed is returned when posting to a closed window.
var ErrWindowClosed = errors.New("popup window is closed")

// Features positions and sizes a new window.
type Features struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Left   int `json:"left"`
	Top    int `json:"top"`
}

// Message is a cross-window message as delivered to the host.
type Message struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Window is an opened popup.
type Window interface {
	// PostMessage delivers message to the window only if its origin matches
	// targetOrigin.
	PostMessage(message any, targetOrigin string) error
	Close() error
	Closed() bool
}

// Host opens windows and delivers messages posted back to the opener.
type Host interface {
	// OpenWindow returns a nil Window when the popup was blocked.
	OpenWindow(url string, features Features) (Window, error)
	// AddMessageListener registers fn for every inbound message and returns
	// a function removing it.
	AddMessageListener(fn func(Message)) (remove func())
	// ScreenSize returns the host screen dimensions used to center popups.
	ScreenSize() (width, height int)
}
