package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	servicebus "github.com/glimte/servicebus-go"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/health"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/metrics"
)

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sbctl",
		Short: "Send, receive and settle PeekLock messages",
		Long: `sbctl talks to a queue or topic subscription through the servicebus-go client.
Settings come from SERVICEBUS_* environment variables; flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd)
		},
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	rootCmd.PersistentFlags().StringVarP(&a.url, "url", "u", "", "Connection string (SERVICEBUS_CONNECTION_STRING)")
	rootCmd.PersistentFlags().StringVarP(&a.entity, "entity", "e", "", "Entity path (SERVICEBUS_ENTITY_PATH)")
	rootCmd.PersistentFlags().StringVar(&a.transport, "transport", "", "Transport: rabbitmq or memory (SERVICEBUS_TRANSPORT)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (SERVICEBUS_LOG_LEVEL)")

	rootCmd.AddCommand(
		newSendCmd(a),
		newReceiveCmd(a),
		newCompleteCmd(a),
		newAbandonCmd(a),
		newDeferCmd(a),
		newDeferredCmd(a),
		newDeadLetterCmd(a),
		newRenewCmd(a),
		newListenCmd(a),
		newHealthCmd(a),
	)
	return rootCmd
}

func newSendCmd(a *app) *cobra.Command {
	var (
		params     map[string]string
		properties map[string]string
		batch      bool
	)

	cmd := &cobra.Command{
		Use:   "send <body> [body...]",
		Short: "Send one message per body",
		Long: `Send one message per body argument. With --batch all bodies go out in one
atomic batch. Parameters use the send parameter names, e.g. --param label=order
--param timeToLive=10 (minutes).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.client()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			sender, err := client.NewSender(ctx, a.cfg.EntityPath)
			if err != nil {
				return err
			}
			defer sender.Close(ctx)

			bodies := make([][]byte, len(args))
			for i, arg := range args {
				bodies[i] = []byte(arg)
			}

			if batch {
				if err := sender.SendBatch(ctx, bodies, contracts.Parameters(params), properties, len(bodies)); err != nil {
					return err
				}
			} else {
				for _, body := range bodies {
					if err := sender.SendWithParameters(ctx, body, contracts.Parameters(params), properties); err != nil {
						return err
					}
				}
			}

			fmt.Fprintf(a.out, "Sent %d message(s) to %s\n", len(bodies), a.cfg.EntityPath)
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Send parameter name=value")
	cmd.Flags().StringToStringVar(&properties, "property", nil, "Application property key=value")
	cmd.Flags().BoolVar(&batch, "batch", false, "Send all bodies as one batch")
	return cmd
}

func newReceiveCmd(a *app) *cobra.Command {
	var (
		maxCount int
		wait     time.Duration
		keep     bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive up to --max messages",
		Long: `Receive up to --max messages, stopping at the first empty wait. Messages are
completed unless --keep-locked is set, in which case their locks are released
when the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("max") {
				maxCount = a.cfg.MaxMessageCount
			}
			if !cmd.Flags().Changed("wait") {
				wait = a.cfg.ServerWaitTime
			}

			client, err := a.client()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			receiver, err := client.NewReceiver(ctx, a.cfg.EntityPath, messaging.WithAutoSettle(a.cfg.AutoSettle && !keep))
			if err != nil {
				return err
			}
			defer receiver.Close(ctx)

			envs, err := receiver.ReceiveMany(ctx, wait, maxCount)
			printEnvelopes(a, envs)
			if err != nil {
				return err
			}
			if pending := receiver.PendingLocks(); pending > 0 {
				fmt.Fprintf(a.out, "%d message(s) left unsettled\n", pending)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxCount, "max", "n", 10, "Maximum number of messages (SERVICEBUS_MAX_MESSAGE_COUNT)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait per receive (SERVICEBUS_SERVER_WAIT_TIME)")
	cmd.Flags().BoolVar(&keep, "keep-locked", false, "Do not complete received messages")
	return cmd
}

func newCompleteCmd(a *app) *cobra.Command {
	var one bool

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Receive and complete messages until the entity is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				if one {
					found, err := r.CompleteOneMessage(ctx)
					if err != nil {
						return err
					}
					printFound(a, found, "Completed 1 message")
					return nil
				}

				count, err := r.CompleteMessages(ctx)
				fmt.Fprintf(a.out, "Completed %d message(s)\n", count)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&one, "one", false, "Complete a single message")
	return cmd
}

func newAbandonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon",
		Short: "Receive the next message and release it for redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				found, err := r.AbandonMessage(ctx)
				if err != nil {
					return err
				}
				printFound(a, found, "Abandoned 1 message")
				return nil
			})
		},
	}
}

func newDeferCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "defer",
		Short: "Receive the next message and defer it",
		Long:  "Receive the next message and defer it. The printed sequence number retrieves it with 'sbctl deferred'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				seq, err := r.DeferMessage(ctx)
				if err != nil {
					return err
				}
				printFound(a, seq != 0, fmt.Sprintf("Deferred message with sequence number %d", seq))
				return nil
			})
		},
	}
}

func newDeferredCmd(a *app) *cobra.Command {
	var settle string

	cmd := &cobra.Command{
		Use:   "deferred <sequence-number>",
		Short: "Fetch a deferred message and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q: %w", args[0], err)
			}
			decision, err := parseDecision(settle)
			if err != nil {
				return err
			}

			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				env, err := r.ReceiveDeferredMessage(ctx, seq)
				if err != nil {
					return err
				}
				if env == nil {
					fmt.Fprintf(a.out, "No deferred message with sequence number %d\n", seq)
					return nil
				}
				printEnvelopes(a, []*contracts.Envelope{env})
				return r.Settle(ctx, env, decision)
			})
		},
	}
	cmd.Flags().StringVar(&settle, "settle", "complete", "Settlement: complete, abandon, defer or dead-letter")
	return cmd
}

func newDeadLetterCmd(a *app) *cobra.Command {
	var reason, description string

	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Receive the next message and move it to the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				found, err := r.DeadLetterMessage(ctx, reason, description)
				if err != nil {
					return err
				}
				printFound(a, found, "Dead-lettered 1 message")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "ManualDeadLetter", "Dead-letter reason")
	cmd.Flags().StringVar(&description, "description", "", "Dead-letter description")
	return cmd
}

func newRenewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Receive the next message and renew its lock without settling it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReceiver(cmd.Context(), func(ctx context.Context, r *messaging.Receiver) error {
				env, err := r.RenewLockOnMessage(ctx)
				if err != nil {
					return err
				}
				if env == nil {
					fmt.Fprintln(a.out, "No message available")
					return nil
				}
				fmt.Fprintf(a.out, "Renewed lock on %s until %s\n", env.MessageID, env.LockedUntil.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newListenCmd(a *app) *cobra.Command {
	var (
		service     string
		settle      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Dispatch messages to a printing handler until interrupted",
		Long: `Register one listener service on the entity and print every message it
receives. With --metrics-addr, /metrics and /healthz are served on that address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := parseDecision(settle)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.MetricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector(metrics.WithRuntimeMetrics())
			client, err := a.client(servicebus.WithMetrics(collector))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			listener := client.NewListener()
			svc := client.Service(service, a.cfg.EntityPath, messaging.HandlerFunc(
				func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
					printEnvelopes(a, []*contracts.Envelope{env})
					return decision, nil
				}))
			svc.ServerWaitTime = a.cfg.ServerWaitTime

			if err := listener.RegisterService(ctx, svc); err != nil {
				return err
			}
			if err := listener.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("listening", "service", service, "entity", a.cfg.EntityPath)

			g, gctx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", collector.Handler())
				mux.Handle("/healthz", health.NewHandler(client.HealthRegistry(listener), 5*time.Second))
				server := &http.Server{
					Addr:              metricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return gctx },
				}

				g.Go(func() error {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return listener.Stop(shutdownCtx)
			})

			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&service, "service", "sbctl", "Listener service name")
	cmd.Flags().StringVar(&settle, "settle", "complete", "Settlement for each message: complete, abandon, defer or dead-letter")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for /metrics and /healthz (SERVICEBUS_METRICS_ADDR)")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			overall := client.HealthRegistry().Check(ctx)
			data, err := json.MarshalIndent(overall, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, string(data))

			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", overall.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Check timeout")
	return cmd
}

// withReceiver opens a receiver that leaves settlement to fn
func (a *app) withReceiver(ctx context.Context, fn func(ctx context.Context, r *messaging.Receiver) error) error {
	client, err := a.client()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	receiver, err := client.NewReceiver(ctx, a.cfg.EntityPath, messaging.WithAutoSettle(false))
	if err != nil {
		return err
	}
	defer receiver.Close(ctx)

	return fn(ctx, receiver)
}

func parseDecision(name string) (contracts.Decision, error) {
	switch strings.ToLower(name) {
	case "complete":
		return contracts.Complete(), nil
	case "abandon":
		return contracts.Abandon(), nil
	case "defer":
		return contracts.Defer(), nil
	case "dead-letter", "deadletter":
		return contracts.DeadLetter("ManualDeadLetter", "settled by sbctl"), nil
	default:
		return contracts.Decision{}, fmt.Errorf("unknown settlement %q", name)
	}
}

func printFound(a *app, found bool, message string) {
	if !found {
		fmt.Fprintln(a.out, "No message available")
		return
	}
	fmt.Fprintln(a.out, message)
}

func printEnvelopes(a *app, envs []*contracts.Envelope) {
	if len(envs) == 0 {
		fmt.Fprintln(a.out, "No messages received")
		return
	}

	for i, env := range envs {
		fmt.Fprintf(a.out, "Message %d:\n", i+1)
		fmt.Fprintf(a.out, "  ID: %s\n", env.MessageID)
		fmt.Fprintf(a.out, "  Sequence Number: %d\n", env.SequenceNumber)
		if env.Label != "" {
			fmt.Fprintf(a.out, "  Label: %s\n", env.Label)
		}
		if env.CorrelationID != "" {
			fmt.Fprintf(a.out, "  Correlation ID: %s\n", env.CorrelationID)
		}
		fmt.Fprintf(a.out, "  Delivery Count: %d\n", env.DeliveryCount)
		if env.DeadLetterReason != "" {
			fmt.Fprintf(a.out, "  Dead-letter Reason: %s\n", env.DeadLetterReason)
		}
		if len(env.Properties) > 0 {
			fmt.Fprintf(a.out, "  Properties:\n")
			for k, v := range env.Properties {
				fmt.Fprintf(a.out, "    %s: %s\n", k, v)
			}
		}
		fmt.Fprintf(a.out, "  Body: %s\n", string(env.Body))
	}
}
