package monitor

import "time"

// SignalKind identifies a raw browser-level signal before correlation.
type SignalKind string

const (
	SignalVisibility SignalKind = "visibility"
	SignalBlur       SignalKind = "blur"
	SignalFocus      SignalKind = "focus"
	SignalClipboard  SignalKind = "clipboard"
	SignalUnload     SignalKind = "unload"
)

// ClipboardSignal carries a clipboard operation before the redaction policy
// is applied. Op is "copy", "cut" or "paste".
type ClipboardSignal struct {
	Op   string
	Text string
}

// Signal is one raw observation pushed by the exam host. At is assigned at
// the moment of observation; consumers order by it, not by arrival.
type Signal struct {
	Kind      SignalKind
	At        time.Time
	Hidden    bool // visibility transitions only
	Clipboard *ClipboardSignal
}

// SignalSource delivers raw signals to the collector. The channel closing
// means the host went away.
type SignalSource interface {
	Signals() <-chan Signal
}
