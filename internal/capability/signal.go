package capability

import (
	"sync"
	"time"
)

// SignalKind enumerates browser-level signals.
type SignalKind string

const (
	SignalVisibilityHidden  SignalKind = "visibility_hidden"
	SignalVisibilityVisible SignalKind = "visibility_visible"
	SignalWindowBlur        SignalKind = "window_blur"
	SignalFullscreenChange  SignalKind = "fullscreen_change"
	SignalContextMenu       SignalKind = "context_menu"
	SignalKeyDown           SignalKind = "key_down"
	SignalPopState          SignalKind = "pop_state"
	SignalBeforeUnload      SignalKind = "before_unload"
	SignalCopy              SignalKind = "copy"
	SignalCut               SignalKind = "cut"
	SignalPaste             SignalKind = "paste"
	SignalSelectStart       SignalKind = "select_start"
	SignalPointerMove       SignalKind = "pointer_move"
	SignalClick             SignalKind = "click"
	SignalScroll            SignalKind = "scroll"
	SignalOnline            SignalKind = "online"
	SignalOffline           SignalKind = "offline"
	SignalPageHide          SignalKind = "page_hide"
)

// Key describes a key press.
type Key struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// Signal is one browser event.
type Signal struct {
	Kind SignalKind
	At   time.Time

	// Key is set for SignalKeyDown.
	Key Key

	// Fullscreen is set for SignalFullscreenChange.
	Fullscreen bool

	prevent   func()
	prevented bool
	mu        sync.Mutex
}

// NewSignal builds a signal. prevent is invoked once by Prevent and may be nil.
func NewSignal(kind SignalKind, at time.Time, prevent func()) *Signal {
	return &Signal{Kind: kind, At: at, prevent: prevent}
}

// Prevent suppresses the signal's default browser action.
func (s *Signal) Prevent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prevented {
		return
	}
	s.prevented = true
	if s.prevent != nil {
		s.prevent()
	}
}

// Prevented reports whether Prevent was called.
func (s *Signal) Prevented() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevented
}

// SignalHandler receives signals.
type SignalHandler func(*Signal)

// SignalSource is the browser event bus. Subscribe returns a cancel func
// that removes exactly the listener it installed.
type SignalSource interface {
	Subscribe(kind SignalKind, h SignalHandler) (cancel func())
}
