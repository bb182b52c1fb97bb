package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
)

func TestListenerDetachFailure(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{}
	link := &mockReceiverLink{}
	boom := errors.New("detach frame rejected")

	transport.On("OpenReceiver", mock.Anything, testConfig.ConnectionString, "orders", mock.Anything).Return(link, nil).Once()
	link.On("Close", mock.Anything).Return(boom).Once()
	link.On("Close", mock.Anything).Return(nil).Once()

	l := NewListener(transport, WithListenerLogger(discardLogger()))
	require.NoError(t, l.RegisterService(ctx, Service{
		Name:    "orders-svc",
		Config:  testConfig,
		Handler: CompletingHandler(func(context.Context, *contracts.Envelope) error { return nil }),
	}))

	err := l.Detach(ctx, "orders-svc")

	var detachErr *contracts.DetachError
	require.ErrorAs(t, err, &detachErr)
	assert.Equal(t, "orders-svc", detachErr.Service)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"orders-svc"}, l.Services())

	// a degraded service is not relaunched by Start
	require.NoError(t, l.Start(ctx))
	link.AssertNotCalled(t, "Receive", mock.Anything, mock.Anything)

	require.NoError(t, l.Detach(ctx, "orders-svc"))
	assert.Empty(t, l.Services())
	link.AssertNumberOfCalls(t, "Close", 2)
}

func TestListenerStopReportsCloseFailures(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{}
	link := &mockReceiverLink{}
	boom := errors.New("socket gone")

	transport.On("OpenReceiver", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(link, nil).Once()
	link.On("Receive", mock.Anything, 10*time.Millisecond).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)
	link.On("Close", mock.Anything).Return(boom).Once()

	metrics := &recordingMetrics{}
	l := NewListener(transport, WithListenerLogger(discardLogger()), WithListenerMetrics(metrics))
	require.NoError(t, l.RegisterService(ctx, Service{
		Name:           "orders-svc",
		Config:         testConfig,
		Handler:        CompletingHandler(func(context.Context, *contracts.Envelope) error { return nil }),
		ServerWaitTime: 10 * time.Millisecond,
	}))
	require.NoError(t, l.Start(ctx))
	assert.Equal(t, 1, metrics.activeServices())

	err := l.Stop(ctx)

	assert.ErrorIs(t, err, boom)
	var connErr *contracts.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, ListenerStopped, l.State())
	assert.Equal(t, 0, metrics.activeServices())
}

func TestListenerConcurrentDetach(t *testing.T) {
	setup := func(t *testing.T) (*Listener, *mockReceiverLink, chan struct{}, chan struct{}) {
		t.Helper()
		transport := &mockTransport{}
		link := &mockReceiverLink{}
		closing := make(chan struct{})
		release := make(chan struct{})

		transport.On("OpenReceiver", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(link, nil).Once()
		link.On("Close", mock.Anything).
			Run(func(mock.Arguments) {
				close(closing)
				<-release
			}).
			Return(nil).Once()

		l := NewListener(transport, WithListenerLogger(discardLogger()))
		require.NoError(t, l.RegisterService(context.Background(), Service{
			Name:    "orders-svc",
			Config:  testConfig,
			Handler: CompletingHandler(func(context.Context, *contracts.Envelope) error { return nil }),
		}))
		return l, link, closing, release
	}

	t.Run("second detach fails while the first is closing", func(t *testing.T) {
		ctx := context.Background()
		l, link, closing, release := setup(t)

		first := make(chan error, 1)
		go func() { first <- l.Detach(ctx, "orders-svc") }()
		<-closing

		err := l.Detach(ctx, "orders-svc")
		var detachErr *contracts.DetachError
		require.ErrorAs(t, err, &detachErr)
		assert.ErrorIs(t, err, contracts.ErrDetachInProgress)

		// a detaching service is not relaunched
		require.NoError(t, l.Start(ctx))
		link.AssertNotCalled(t, "Receive", mock.Anything, mock.Anything)

		close(release)
		require.NoError(t, <-first)
		assert.Empty(t, l.Services())
		link.AssertNumberOfCalls(t, "Close", 1)
	})

	t.Run("stop leaves a detaching service to detach", func(t *testing.T) {
		ctx := context.Background()
		l, link, closing, release := setup(t)

		first := make(chan error, 1)
		go func() { first <- l.Detach(ctx, "orders-svc") }()
		<-closing

		require.NoError(t, l.Stop(ctx))

		close(release)
		require.NoError(t, <-first)
		link.AssertNumberOfCalls(t, "Close", 1)
	})
}
