// Package scheduler runs the hourly DST reconciliation sweep.
//
// The service arms a robfig/cron schedule (top of every hour by default).
// Each tick lists the in-use timezones, asks the detector which ones just
// changed offset, and pushes every affected user through the fan-out updater.
//
// States: Idle -> Armed -> Running -> Armed ...; Stop returns to Idle and
// Close makes the service Stopped for good. Stopping never cancels a sweep
// that is already running.
package scheduler
