// Package router consumes the broadcast bus and delivers each event to the
// local connection whose client name matches the record's targetIdentity.
//
// Every process receives every bus message. A record whose target is not
// registered here is dropped: some other process holds that client.
// Delivery is at-most-once; failed sends are not retried.
package router
