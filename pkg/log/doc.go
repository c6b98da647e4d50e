/*
Package log provides structured logging for veldt using zerolog.

The package wraps zerolog with a global logger, configurable level and output
format, and helpers that attach the fields used throughout the engine:
component, tenant, worker_id, and correlation_id. The master logs in console
format by default; worker processes always log JSON to stderr so the master
can forward their output.

Usage:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("pool")
	logger.Info().Int("workers", 4).Msg("pool started")
*/
package log
