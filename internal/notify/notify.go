// Package notify is the outbound, best-effort notification capability.
// Failures are logged by callers and never block ingestion.
package notify

import "log"

// Sink accepts topic-tagged notifications. Implementations must not
// block for long; callers treat every error as non-fatal.
type Sink interface {
	Notify(topic, message string) error
}

// LogSink writes notifications to the process log. It is the fallback
// when no channel is configured.
type LogSink struct{}

func (LogSink) Notify(topic, message string) error {
	log.Printf("[notify] %s: %s", topic, message)
	return nil
}

// Fanout delivers to every sink, collecting nothing: a failing sink is
// logged and the rest still receive the notification.
type Fanout []Sink

func (f Fanout) Notify(topic, message string) error {
	for _, sink := range f {
		if err := sink.Notify(topic, message); err != nil {
			log.Printf("[notify] sink error for %s: %v", topic, err)
		}
	}
	return nil
}
