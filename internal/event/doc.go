// Package event fans stage transitions out to observers.
//
// Broadcaster implements stage.Publisher. Publish never blocks the
// transition that triggered it: each subscriber owns a buffered channel and
// events that do not fit are dropped for that subscriber only. A nil
// Broadcaster is a valid no-op publisher.
//
// NATSForwarder is an optional subscriber that mirrors transitions onto a
// NATS subject for observers outside the daemon process.
package event
