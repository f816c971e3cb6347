// Package pipeline coordinates the document-processing pipeline: it accepts
// search and upload submissions, tracks each stage as an Operation keyed by
// correlation ID, and reacts to worker results arriving on the stage
// completed topics.
//
// Stages chain through child operations. When a stage produces work for the
// next stage, the service derives the child operation's correlation ID
// deterministically from the parent's, so concurrent listeners handling
// sibling results agree on the child without coordination. Worker failures
// reported on a completed topic are recorded as data on the operation and
// its documents; only infrastructure errors (store or broker outages) are
// surfaced to the message listener for redelivery.
package pipeline
