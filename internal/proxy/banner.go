package proxy

import "strings"

// Banner template categories. The Tower serves the actual texts; these
// are the fallbacks a gate uses before its first config fetch or when
// the Tower is unreachable.
const (
	msgMaintenance = "maintenance"
	msgNoPerson    = "no_person"
	msgNoBackend   = "no_backend"
	msgTimeWindow  = "time_window"
	msgNoGrant     = "no_grant"
)

var defaultMessages = map[string]string{
	msgMaintenance: "{backend} is under maintenance. Please try again later.",
	msgNoPerson:    "Your source address is not recognized. Contact your administrator.",
	msgNoBackend:   "The requested destination is not managed by this gate.",
	msgTimeWindow:  "Access to {backend} is not permitted at this time.",
	msgNoGrant:     "{person}, you have no active grant for {backend}.",
}

// Banners renders denial banners and terminal titles from the message
// templates served by the Tower.
type Banners struct {
	messages map[string]string
	gateName string
}

// NewBanners builds a renderer. Missing template keys fall back to the
// built-in texts, so a partial messages map from the Tower is fine.
func NewBanners(messages map[string]string, gateName string) *Banners {
	merged := make(map[string]string, len(defaultMessages))
	for k, v := range defaultMessages {
		merged[k] = v
	}
	for k, v := range messages {
		if v != "" {
			merged[k] = v
		}
	}
	return &Banners{messages: merged, gateName: gateName}
}

// categoryFor maps a denial reason to a banner template.
func categoryFor(reason string) string {
	switch reason {
	case "gate_maintenance", "backend_maintenance", "maintenance_grace_period":
		return msgMaintenance
	case "unknown_source_ip", "user_inactive", "invalid_marker", "stay_not_found":
		return msgNoPerson
	case "server_not_found":
		return msgNoBackend
	case "outside_schedule":
		return msgTimeWindow
	default:
		return msgNoGrant
	}
}

// Denial renders the banner for a denied connection. Person and backend
// may be empty when the denial happened before identification.
func (b *Banners) Denial(reason, person, backend string) string {
	text := b.messages[categoryFor(reason)]
	text = b.expand(text, person, backend, reason)
	if !strings.HasSuffix(text, "\n") {
		text += "\r\n"
	}
	return text
}

func (b *Banners) expand(text, person, backend, reason string) string {
	if person == "" {
		person = "unknown user"
	}
	if backend == "" {
		backend = "the requested host"
	}
	r := strings.NewReplacer(
		"{person}", person,
		"{backend}", backend,
		"{gate_name}", b.gateName,
		"{reason}", reason,
	)
	return r.Replace(text)
}

// titleSequence emits the xterm OSC 2 sequence that sets the terminal
// window title. Written to the client channel inline with session data.
func titleSequence(title string) []byte {
	return []byte("\x1b]2;" + title + "\x07")
}
