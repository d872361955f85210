// Package logadapter is a reference notifier.Notifier that writes every
// change, notification, and event as a structured zerolog line, modeled on
// the teacher's preference for zerolog over ad-hoc fmt.Printf logging.
package logadapter

import (
	"github.com/paradox-pai/bridge/pkg/notifier"
	"github.com/rs/zerolog"
)

// Adapter writes notifications through a zerolog.Logger.
type Adapter struct {
	log zerolog.Logger
}

// New constructs a logadapter.Adapter writing through log.
func New(log zerolog.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Change(kind, label, property string, value any, initial bool) {
	a.log.Info().
		Str("kind", kind).
		Str("label", label).
		Str("property", property).
		Interface("value", value).
		Bool("initial", initial).
		Msg("property changed")
}

func (a *Adapter) Notify(source, message string, level notifier.Level) {
	ev := a.log.WithLevel(zerologLevel(level))
	ev.Str("source", source).Bool("critical", level == notifier.LevelCritical).Msg(message)
}

func (a *Adapter) Event(major, minor int, minorLabel, eventType, text string) {
	a.log.Info().
		Int("major", major).
		Int("minor", minor).
		Str("minor_label", minorLabel).
		Str("event_type", eventType).
		Str("text", text).
		Msg("panel event")
}

func zerologLevel(l notifier.Level) zerolog.Level {
	switch l {
	case notifier.LevelDebug:
		return zerolog.DebugLevel
	case notifier.LevelInfo:
		return zerolog.InfoLevel
	case notifier.LevelWarning:
		return zerolog.WarnLevel
	case notifier.LevelError:
		return zerolog.ErrorLevel
	case notifier.LevelCritical:
		// zerolog's FatalLevel triggers an os.Exit hook on Msg(); a panel
		// notification must never kill the process, so map it to Error.
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
