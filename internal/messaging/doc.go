// Package messaging provides the durable message channel between the
// pipeline service and its external worker pool.
//
// # Overview
//
// The messaging package provides:
//
//   - Topic naming and creation for stage command and completed topics
//   - A rate-limited JSON publisher with required-acks delivery
//   - A consumer-group listener with bounded retries and dead-lettering
//
// # Topics
//
// Every stage owns a command topic and a completed topic, derived from a
// shared prefix:
//
//	topics := messaging.NewTopics("pipeline")
//	topics.Commands(domain.StageSearch)   // "pipeline.search.commands"
//	topics.Completed(domain.StageSearch)  // "pipeline.search.completed"
//	topics.DeadLetter()                   // "pipeline.deadletter"
//
// # Delivery Semantics
//
// Delivery is at-least-once. The listener commits an offset only after the
// handler succeeds or the message has been diverted to the dead-letter
// topic, so handlers must tolerate redelivery. Messages that exhaust their
// attempts, or fail with ErrNonRetryable, are wrapped in a
// domain.DeadLetter envelope and published to the dead-letter topic before
// their offset is committed.
package messaging
