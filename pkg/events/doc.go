// Package events implements an in-process, non-blocking pub/sub broker.
//
// Publish never blocks on a slow subscriber: the broadcast loop drops an
// event to any subscriber whose buffered channel is full rather than
// stalling the rest. Consumers that need every event (none currently do)
// must drain their subscription promptly.
package events
