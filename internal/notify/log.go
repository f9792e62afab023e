package notify

import "github.com/rs/zerolog"

// LogSink writes notifications to a zerolog logger. Progress and instance
// output go to debug, status to info (errors to error).
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Progress(p int) {
	s.Log.Debug().Int("percent", p).Msg("download progress")
}

func (s LogSink) Status(n Notification) {
	ev := s.Log.Info()
	if n.Category == CategoryError {
		ev = s.Log.Error()
	}
	ev.Str("category", string(n.Category)).Msg(n.Message)
}

func (s LogSink) InstanceOutput(pid int, line string) {
	s.Log.Debug().Int("pid", pid).Msg(line)
}
