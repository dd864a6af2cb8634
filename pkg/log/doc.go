// Package log provides structured logging built on zerolog: a global
// Logger configured once via Init, plus component/topic/consumer context
// loggers (WithComponent, WithTopic, WithConsumer) used by the broker,
// dispatcher, health pruner, slot manager and orchestrator to tag every line
// with where it came from.
package log
