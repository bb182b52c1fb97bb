// Package messaging provides PeekLock sending, receiving, settlement and
// listener dispatch on top of a pluggable Transport.
//
// This package implements:
//   - SenderConnection and ReceiverConnection: one broker channel per entity
//   - Sender: single, parameterized and batched sends
//   - Receiver: pull receives plus explicit settlement (complete, abandon,
//     defer, dead-letter, renew lock) with at-most-once settlement per lock token
//   - Listener: one receive loop per registered Service, dispatching each
//     message to a Handler and applying the returned Decision
//
// Key features:
//   - Settlement state is tracked per lock token; the first settlement wins
//     and every later attempt fails with contracts.ErrAlreadySettled
//   - No operation retries internally; failures surface as typed errors
//   - Receives honour context cancellation and are unblocked by Close
//   - Handler errors and panics abandon the message, never complete it
//
// Example usage:
//
//	conn, err := messaging.OpenReceiver(ctx, transport, messaging.ConnectionConfig{
//		ConnectionString: connStr,
//		EntityPath:       "orders",
//	})
//	receiver := messaging.NewReceiver(conn, messaging.WithAutoSettle(false))
//
//	env, err := receiver.ReceiveOne(ctx, 5*time.Second)
//	if env != nil {
//		err = receiver.Complete(ctx, env)
//	}
//
//	listener := messaging.NewListener(transport)
//	err = listener.RegisterService(ctx, messaging.Service{
//		Name:    "billing",
//		Config:  messaging.ConnectionConfig{ConnectionString: connStr, EntityPath: "orders"},
//		Handler: handler,
//	})
//	err = listener.Start(ctx)
//
// The listener integrates with the interceptors package for logging,
// metrics, tracing and validation around handlers.
package messaging
