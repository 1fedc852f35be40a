// Package webhook routes HTTP webhook requests to account-scoped targets.
//
// Several accounts may share one normalized path. Registration never rejects
// a duplicate path; the target is chosen per request by trial signature
// verification, first match wins.
//
// Every request is answered exactly once. The channel protocol either replies
// through the exchange's Responder or the handler closes the response with the
// target's neutral ack when the fallback window elapses.
package webhook
