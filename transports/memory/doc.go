// Package memory provides an in-process broker implementing messaging.Transport.
//
// The broker keeps PeekLock semantics: received messages are locked under a
// fresh token for the lock duration, expired locks return messages to the
// entity, deferred messages are only reachable by sequence number, and every
// entity has a dead-letter sub-queue. Messages delivered more than the max
// delivery count are dead-lettered with reason MaxDeliveryCountExceeded.
//
// It is meant for tests and local development; nothing is persisted.
package memory
