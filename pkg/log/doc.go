// Package log provides structured logging built on zerolog.
//
// Call Init once at startup with the desired level and output format, then
// use the package-level Logger or one of the With* helpers to attach
// component/worker/run identifiers to a child logger.
package log
