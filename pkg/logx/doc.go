// Package logx is the bot's logging layer: a field-based Logger over zerolog
// and a Service that owns the sinks.
//
// The Service writes human-readable lines to the console, JSON lines to an
// optional file, and can mirror warnings and errors to a chat channel through
// a Sender. Loggers obtained from a Service follow its sinks across Apply, so
// components keep their Logger through a config reload.
package logx
