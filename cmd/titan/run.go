package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/bus"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/config"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/envelope"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/policy"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/topology"
)

var role string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fabric role until interrupted",
	Long: `Connects to the broker, reconciles the stream topology, and runs
one role:

  brain      policy handshake gate, configuration manager with hot reload
  execution  durable command consumer, policy hash responder
  monitor    dead letter consumer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch role {
		case "brain", "execution", "monitor":
		default:
			return fmt.Errorf("unknown role %q", role)
		}
		return runRole(role)
	},
}

func init() {
	runCmd.Flags().StringVar(&role, "role", "", "role to run: brain, execution, or monitor (required)")
	_ = runCmd.MarkFlagRequired("role")
}

func runRole(role string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Get(logging.CategoryRun)

	client := bus.New(
		bus.WithProducer("titan-"+role),
		bus.WithSigner(envelope.NewSignerFromEnv()),
		bus.WithWaitOnFirstConnect(true),
	)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	bus.SetInstance(client)
	defer client.Close()

	mgr, err := config.NewManager(configRoot, env, config.WithAuthor("titan-"+role))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	switch role {
	case "brain":
		if err := runBrain(gctx, g, client, mgr); err != nil {
			return err
		}
	case "execution":
		if err := runExecution(gctx, g, client, mgr); err != nil {
			return err
		}
	case "monitor":
		if err := runMonitor(gctx, g, client); err != nil {
			return err
		}
	}

	log.Info("role running", zap.String("role", role), zap.String("env", env))
	return g.Wait()
}

// runBrain loads the configuration tree, starts hot reload, and arms only
// after the execution side answers with a matching policy hash.
func runBrain(ctx context.Context, g *errgroup.Group, client *bus.Client, mgr *config.Manager) error {
	log := logging.Get(logging.CategoryRun)

	_, res, err := mgr.LoadBrain(nil)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		log.Warn(w)
	}
	if err := mgr.Watch(); err != nil {
		return err
	}

	localHash := ""
	if v, ok, err := mgr.History().Latest(config.TypeBrain, config.TypeBrain); err == nil && ok {
		localHash = v.Hash
	}

	requester := policy.NewRequester(client)
	result := requester.Verify(ctx, localHash)
	if !result.Success {
		mgr.StopWatch()
		return fmt.Errorf("arming blocked: %s", result.Error)
	}
	log.Info("policy handshake verified, trading armed", zap.String("hash", result.LocalHash))

	g.Go(func() error {
		events, cancel := mgr.Observe()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				mgr.StopWatch()
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Kind == config.EventError {
					log.Warn("configuration reload rejected",
						zap.String("key", ev.Key), zap.String("error", ev.Err))
				}
			}
		}
	})
	return nil
}

// runExecution serves the policy hash and consumes placement commands
// through the durable workqueue consumer.
func runExecution(ctx context.Context, g *errgroup.Group, client *bus.Client, mgr *config.Manager) error {
	log := logging.Get(logging.CategoryRun)

	if _, _, err := mgr.LoadBrain(nil); err != nil {
		return err
	}

	responder := policy.NewResponder(client, func() (string, string) {
		v, ok, err := mgr.History().Latest(config.TypeBrain, config.TypeBrain)
		if err != nil || !ok {
			return "", ""
		}
		return v.Hash, fmt.Sprintf("v%d", v.Version)
	})
	if err := responder.Serve(); err != nil {
		return err
	}

	cancel, err := client.SubscribeDurable(subjects.CmdExecutionAll, topology.ConsumerExecutionCore,
		func(msg bus.Message) error {
			var cmdEnv envelope.Envelope
			if err := json.Unmarshal(msg.Data, &cmdEnv); err != nil {
				return fmt.Errorf("malformed command envelope: %w", err)
			}
			log.Info("command received",
				zap.String("subject", msg.Subject),
				zap.String("id", cmdEnv.ID),
				zap.String("correlation_id", cmdEnv.CorrelationID))
			return client.Publish(subjects.EvtExecutionOrderPlaced, map[string]interface{}{
				"command_id":     cmdEnv.ID,
				"correlation_id": cmdEnv.CorrelationID,
				"subject":        msg.Subject,
				"ts":             time.Now().UnixNano(),
			})
		})
	if err != nil {
		responder.Close()
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		cancel()
		responder.Close()
		return nil
	})
	return nil
}

// runMonitor bridges max_deliver exhaustion into the dead letter stream,
// then drains that stream and logs every item.
func runMonitor(ctx context.Context, g *errgroup.Group, client *bus.Client) error {
	log := logging.Get(logging.CategoryDLQ)

	bridgeCancel, err := client.SubscribeMaxDeliveries()
	if err != nil {
		return err
	}

	cancel, err := client.SubscribeDurable(subjects.DLQAll, topology.ConsumerDLQMonitor,
		func(msg bus.Message) error {
			var item bus.DLI
			if err := json.Unmarshal(msg.Data, &item); err != nil {
				log.Warn("unparseable dead letter", zap.String("subject", msg.Subject))
				return nil
			}
			log.Error("dead letter",
				zap.String("subject", msg.Subject),
				zap.String("original_subject", item.OriginalSubject),
				zap.String("service", item.Service),
				zap.String("error", item.ErrorMessage))
			return nil
		})
	if err != nil {
		bridgeCancel()
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		cancel()
		bridgeCancel()
		return nil
	})
	return nil
}
