package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: not found
	Error string `json:"error" example:"not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// InstanceStatus summarizes one supervised process for /status.
type InstanceStatus struct {
	// OS process id.
	// example: 4242
	PID int `json:"pid" example:"4242"`
	// Last known status: running, sleeping, stopped or unknown.
	// example: running
	Status string `json:"status" example:"running"`
	// Unix time the instance was spawned.
	StartedAt int64 `json:"started_at"`
}

// CycleStatus describes the outcome of the most recent update cycle.
type CycleStatus struct {
	// Sequence number of the cycle, starting at 1.
	Seq int `json:"seq"`
	// Unix time the cycle finished.
	FinishedAt int64 `json:"finished_at"`
	// Latest version reported by the registry, empty if unknown.
	// example: 2.0.0
	Latest string `json:"latest,omitempty" example:"2.0.0"`
	// Version reported by the install tool before the cycle, empty if not installed.
	// example: 1.0.0
	Installed string `json:"installed,omitempty" example:"1.0.0"`
	// One of: up_to_date, upgraded, no_candidate, metadata_error, download_error, install_error.
	// example: upgraded
	Outcome string `json:"outcome" example:"upgraded"`
	// Error text for failed outcomes.
	Error string `json:"error,omitempty"`
	// Pid of an instance spawned by this cycle, 0 if none.
	Spawned int `json:"spawned,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Managed package name.
	// example: galacteek
	Package string `json:"package" example:"galacteek"`
	// Release recorded in the persisted status file.
	// example: 2.0.0
	LatestInstalledRelease string `json:"latest_installed_release,omitempty" example:"2.0.0"`
	// True while an upgrade (download or install) is in progress.
	Upgrading bool `json:"upgrading"`
	// Number of completed cycles.
	Cycles int `json:"cycles"`
	// Most recent cycle, nil before the first one completes.
	LastCycle *CycleStatus `json:"last_cycle,omitempty"`
	// Supervised instances known to the supervisor.
	Instances []InstanceStatus `json:"instances"`
}

// Event is one notification from the progress, status or instance-output channels.
type Event struct {
	// Monotonic sequence number assigned by the event buffer, starting at 1.
	Seq uint64 `json:"seq"`
	// Unix time in milliseconds.
	TimeMS int64 `json:"time_ms"`
	// One of: progress, status, output.
	// example: status
	Kind string `json:"kind" example:"status"`
	// Status category (collecting, installing, installed, info, error) for status events.
	Category string `json:"category,omitempty"`
	// Text of the status or output line.
	Message string `json:"message,omitempty"`
	// Download percentage for progress events.
	Percent int `json:"percent,omitempty"`
	// Originating pid for output events.
	PID int `json:"pid,omitempty"`
}

// EventsResponse wraps the recent events returned by GET /events.
type EventsResponse struct {
	Events []Event `json:"events"`
	// Seq of the newest returned event; pass it back as ?since= to resume.
	Last uint64 `json:"last"`
}
