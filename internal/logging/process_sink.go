package logging

import "github.com/rs/zerolog"

// ProcessSink forwards output lines of managed external programs into the
// structured log, one zerolog event per line.
type ProcessSink struct {
	logger zerolog.Logger
}

// NewProcessSink builds a sink writing at debug level under the given
// component name.
func NewProcessSink(component string) *ProcessSink {
	return &ProcessSink{logger: L().With().Str("component", component).Logger()}
}

func (s *ProcessSink) Write(role, instance, stream, line string) {
	s.logger.Debug().
		Str(FieldRole, role).
		Str(FieldProcess, instance).
		Str(FieldStream, stream).
		Msg(line)
}
