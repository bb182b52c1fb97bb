// Package contracts provides the value types shared by every servicebus component.
//
// This package defines:
//   - Envelope: body bytes plus user and broker assigned metadata
//   - Parameters: string keyed send parameters (contentType, messageId, timeToLive, ...)
//   - Decision and Disposition: what should happen to a locked message
//   - LockState: the settlement state of a lock token
//   - The error taxonomy (ConnectionError, SendError, ReceiveError, SettlementError,
//     DuplicateMessageError, DetachError, ConfigurationError) and its sentinels
//
// Entity paths address a queue ("orders"), a topic ("events") or a topic
// subscription ("events/subscriptions/audit"). Every entity has a dead-letter
// sub-queue at DeadLetterPath(entity).
package contracts
