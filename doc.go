// Package pomegranate is a distributed work-dispatch framework: one
// coordinator hands out discrete units of work to many workers over
// persistent connections, collects results, and guarantees every dispatched
// unit is eventually accounted for (completed, cancelled, or redispatched)
// across arbitrary disconnects.
//
// Pomegranate is designed as a library, not a service. The application
// supplies the business logic on both sides: a CoordinatorRole that produces
// payloads and consumes outcomes, and a Handler that processes a unit's
// payload on a worker. Everything between, from framing and sessions to
// heartbeats, ordered at-least-once delivery, reconnection, and failure
// recovery, belongs to the framework.
//
// # Quick Start
//
// Coordinator side:
//
//	c := coordinator.New(role)
//	go c.Serve(ctx, lis)
//	unitID, err := c.Enqueue(payload)
//
// Worker side:
//
//	w := worker.New(handler, worker.WithDialer(transport.TCPDialer(addr)))
//	err := w.Run(ctx)
//
// # Guarantees
//
// Outcomes are delivered to the coordinator role in the exact order units
// were created, regardless of which worker finishes first. A unit is never
// processed twice by the same worker (sequence-number dedup) and never lost:
// if a worker's session expires, its in-flight units re-enter the dispatch
// queue for another worker.
//
// Session and worker identities use TypeID: type-prefixed, K-sortable,
// UUIDv7-based identifiers. A session survives any number of reconnects; the
// physical connection is ephemeral.
package pomegranate
