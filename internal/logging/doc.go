// Package logging configures the process-wide slog logger.
//
// Error attributes are expanded into a group holding the message and,
// when the error carries one, a go-xerrors stack trace.
package logging
