// Package event provides the topic transport the sync layer listens on.
//
// # Main Types
//
//   - [Notification]: a raw payload received on a topic, stamped with its arrival time
//   - [Subscriber]: the transport interface; one Subscribe call per topic
//   - [Bus]: synchronous in-process Subscriber used by the websocket client and tests
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers are called synchronously on the
// publishing goroutine and protected against panics; a panicking handler
// does not prevent other handlers from being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	unsub, _ := bus.Subscribe(protocol.TopicAgentStatus, func(n event.Notification) {
//	    msg, err := protocol.Decode(n.Topic, n.Payload, n.ReceivedAt)
//	    ...
//	})
//	defer unsub()
//
//	bus.Publish(protocol.TopicAgentStatus, []byte(`{"id":"a1","status":"running"}`))
package event
