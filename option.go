package tapproxy

import (
	"crypto/cipher"
)

// ErrorAction defines the action to take when a recoverable error occurs.
type ErrorAction int

const (
	// Disconnect ends the session when an error occurs.
	Disconnect ErrorAction = iota
	// Continue records the error and keeps processing.
	Continue
)

// connOptions holds the configuration for a connection.
type connOptions struct {
	logger Logger
	name   string

	// cipher builds a keystream per message direction.
	cipher func(Direction) cipher.Stream

	bufferSize    int // size of the buffered reader
	maxReadLength int // maximum size of a single message
}

// ConnOption is a function that configures connection options.
type ConnOption func(*connOptions)

// BufferSizeOption returns a ConnOption that sets the read buffer size.
func BufferSizeOption(size int) ConnOption {
	return func(o *connOptions) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns a ConnOption that sets the maximum payload size.
// Frames declaring more than this are rejected with ErrMessageTooLarge.
func MessageMaxSize(size int) ConnOption {
	return func(o *connOptions) {
		o.maxReadLength = size
	}
}

// CipherOption returns a ConnOption that decrypts payloads read from the
// connection and encrypts payloads written to it. newStream is called once
// for the connection's own direction (reads) and once for the opposite
// direction (writes).
func CipherOption(newStream func(Direction) cipher.Stream) ConnOption {
	return func(o *connOptions) {
		o.cipher = newStream
	}
}

// NameOption returns a ConnOption that sets the name used in log records.
func NameOption(name string) ConnOption {
	return func(o *connOptions) {
		o.name = name
	}
}

// LoggerOption returns a ConnOption that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) ConnOption {
	return func(o *connOptions) {
		o.logger = logger
	}
}

// sessionOptions holds the configuration for a session.
type sessionOptions struct {
	clientTap Tap
	serverTap Tap
	sharedTap Tap

	onComplete func(Summary)
	// onError is called for recoverable errors: decode, tap and framing.
	// Returns Disconnect to end the session, Continue to record and go on.
	onError func(error) ErrorAction

	logger      Logger
	metrics     *Metrics
	keepHistory bool
}

// SessionOption is a function that configures session options.
type SessionOption func(*sessionOptions)

// ClientTapOption sets the tap applied to client messages before the shared tap.
func ClientTapOption(tap Tap) SessionOption {
	return func(o *sessionOptions) {
		o.clientTap = tap
	}
}

// ServerTapOption sets the tap applied to server messages before the shared tap.
func ServerTapOption(tap Tap) SessionOption {
	return func(o *sessionOptions) {
		o.serverTap = tap
	}
}

// SharedTapOption sets the tap applied to messages of both directions.
func SharedTapOption(tap Tap) SessionOption {
	return func(o *sessionOptions) {
		o.sharedTap = tap
	}
}

// OnCompleteOption sets the hook invoked once when the session ends.
func OnCompleteOption(cb func(Summary)) SessionOption {
	return func(o *sessionOptions) {
		o.onComplete = cb
	}
}

// OnErrorOption sets the callback for recoverable per-message errors.
// I/O errors are always fatal and never reach it.
func OnErrorOption(cb func(error) ErrorAction) SessionOption {
	return func(o *sessionOptions) {
		o.onError = cb
	}
}

// SessionLoggerOption sets the session logger.
func SessionLoggerOption(logger Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// MetricsOption sets the collector session counters are reported to.
func MetricsOption(m *Metrics) SessionOption {
	return func(o *sessionOptions) {
		o.metrics = m
	}
}

// KeepHistoryOption controls whether every record is kept for the summary.
// History is kept by default.
func KeepHistoryOption(keep bool) SessionOption {
	return func(o *sessionOptions) {
		o.keepHistory = keep
	}
}
