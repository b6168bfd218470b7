// Package subscription keeps per-entity event subscriptions on a session and
// batches subscribe and unsubscribe intents into few wire round-trips.
//
// # Batching
//
// New intents accumulate for a short window (BatchWindow) and are flushed as
// one POST to the subscriptions endpoint. The first batch holds at most
// InitialBatchSize entities; later batches use the max_batch_size the server
// announced in its reply.
//
// # Entry Lifecycle
//
//	Pending -> Subscribing -> Established
//	                      \-> Failed(ErrNotFound)
//
// An entry moves to Subscribing when its establish batch is sent and to
// Established on the batch reply or on a subscription_established
// notification, whichever arrives first. The later signal is ignored.
//
// At most one establish and one cancel are in flight per entity. An
// Unsubscribe during Subscribing waits for the establish to resolve and then
// sends the cancel; a Subscribe during a cancel waits for the cancel and then
// sends a fresh establish.
//
// Failed batches are retried with exponential backoff until they succeed. A
// 404 is terminal and surfaces as Failed(ErrNotFound).
//
// # Reconnects
//
// When the session reaches Connected from any state other than Throttling,
// every wanted entity is re-established from its last seen event id.
//
// # Domain Events
//
// Notifications of type rtsync.event that are not subscription bookkeeping
// are delivered to OnEvent handlers unchanged.
package subscription
