package messaging_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/memory"
)

const connectionString = "memory://local"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBroker() *memory.Broker {
	return memory.NewBroker(
		memory.WithDefaultWait(50*time.Millisecond),
		memory.WithLogger(quietLogger()),
	)
}

func entity(path string) messaging.ConnectionConfig {
	return messaging.ConnectionConfig{ConnectionString: connectionString, EntityPath: path}
}

func openSender(t *testing.T, b *memory.Broker, path string) *messaging.Sender {
	t.Helper()
	conn, err := messaging.OpenSender(context.Background(), b, entity(path))
	require.NoError(t, err)
	return messaging.NewSender(conn, messaging.WithSenderLogger(quietLogger()))
}

func openReceiver(t *testing.T, b *memory.Broker, path string, options ...messaging.ReceiverOption) *messaging.Receiver {
	t.Helper()
	conn, err := messaging.OpenReceiver(context.Background(), b, entity(path))
	require.NoError(t, err)
	options = append([]messaging.ReceiverOption{messaging.WithReceiverLogger(quietLogger())}, options...)
	return messaging.NewReceiver(conn, options...)
}

func sendBodies(t *testing.T, s *messaging.Sender, bodies ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(bodies))
	for _, body := range bodies {
		env := contracts.NewEnvelope([]byte(body))
		require.NoError(t, s.Send(context.Background(), env))
		ids = append(ids, env.MessageID)
	}
	return ids
}
