// Package bus connects to the broadcast bus every process subscribes to.
//
// Drivers:
//   - redis: Redis pub/sub, one SUBSCRIBE per Subscription
//   - amqp: RabbitMQ fanout exchange named after the channel, with an
//     exclusive auto-delete queue per Subscription
//
// A Subscription does not reconnect on its own. When the underlying
// connection fails its Messages channel closes and Err reports the cause;
// the caller decides whether and when to subscribe again.
package bus
