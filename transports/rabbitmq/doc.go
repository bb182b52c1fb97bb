// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// PeekLock is emulated on top of manual acknowledgements. A received
// delivery stays unacknowledged under a client-side lock token until it is
// settled or its lock lapses:
//
//   - Complete acknowledges the delivery.
//   - Abandon and lock expiry requeue it.
//   - DeadLetter republishes it to "<path>/$DeadLetterQueue" with the reason
//     and description in headers, then acknowledges the original.
//   - Defer republishes it to "<path>/$Deferred"; ReceiveDeferred scans that
//     queue for the requested sequence number.
//
// Sequence numbers are stamped by the sender in the x-sequence-number
// header. A batch is published in order under publisher confirms and is not
// atomic: messages confirmed before a nack stay enqueued. Quorum queues (the default) dead-letter a message once it exceeds
// the configured delivery limit.
//
// A connection is dialled once per connection string and never reconnected
// in place; a link on a lost connection fails and the next opened link
// dials again.
package rabbitmq
