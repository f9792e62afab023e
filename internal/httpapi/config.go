package httpapi

import "time"

// streamPollInterval is how often /events/stream checks for new events.
var streamPollInterval = 250 * time.Millisecond

// SetStreamPollInterval configures the follow-mode poll interval.
func SetStreamPollInterval(d time.Duration) {
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	streamPollInterval = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
)

// SetCORSOptions configures CORS behavior for the HTTP server. The API is
// read-only, so only GET, HEAD and OPTIONS are ever allowed.
func SetCORSOptions(enabled bool, origins []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
}
