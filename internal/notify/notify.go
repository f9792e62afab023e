// Package notify defines the channels the supervisor reports through: download
// progress, discrete status notifications and per-instance output lines.
// Implementations must be lightweight and must not block the caller.
package notify

// Category classifies a status notification.
type Category string

const (
	CategoryCollecting Category = "collecting"
	CategoryInstalling Category = "installing"
	CategoryInstalled  Category = "installed"
	CategoryInfo       Category = "info"
	CategoryError      Category = "error"
)

// Notification is one discrete status message.
type Notification struct {
	Category Category
	Message  string
}

// Sink receives everything the core reports. Calls arrive in emission order.
type Sink interface {
	// Progress reports a download percentage in the range 0-100.
	Progress(percent int)
	// Status reports a discrete notification.
	Status(Notification)
	// InstanceOutput reports one output line of a supervised process.
	InstanceOutput(pid int, line string)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Progress(int)               {}
func (Nop) Status(Notification)        {}
func (Nop) InstanceOutput(int, string) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Progress(p int) {
	for _, s := range m {
		s.Progress(p)
	}
}

func (m Multi) Status(n Notification) {
	for _, s := range m {
		s.Status(n)
	}
}

func (m Multi) InstanceOutput(pid int, line string) {
	for _, s := range m {
		s.InstanceOutput(pid, line)
	}
}

// Percent converts a byte count into a 0-100 percentage.
func Percent(read, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(read * 100 / total)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
