// Package fabric defines the client contract for the publish/subscribe
// messaging fabric the console monitors, together with the message envelope
// and the well-known registry topics.
//
// Layers & Roles
//
//	Client        -> one fabric connection: sync/async requests, topic
//	                 subscriptions, a single inbound message handler
//	Dialer        -> creates Clients; the monitor core dials one per session
//	Message       -> envelope for requests, responses, events and errors
//
// Implementations
//
//	memoryfabric : in-process hub used for tests and single-node runs
//	redisfabric  : Redis pub/sub backed transport for real deployments
package fabric
