// Package queue publishes keeper attempt reports to a message queue.
//
// The Kafka publisher is synchronous: Publish returns after the broker confirmed
// delivery. When no brokers are configured the keeper uses Noop instead, so report
// publishing never blocks job execution.
//
// Publishers must be closed exactly once to flush in-flight messages.
package queue
