// Command subscriber wires a transport + archive + control dispatcher + driver
// into a runnable process: connect to NATS JetStream for the data and control
// streams, open the badger-backed archive, construct the subscriber core, serve
// the status/metrics HTTP surface, and pump Poll in a foreground loop until
// interrupted. This generalizes the teacher's cmd/server/main.go wiring order
// (open persistence -> construct domain state -> start status server -> run the
// foreground loop), replacing its flag.String CLI with cobra/pflag/viper per
// DESIGN.md.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mathdee/cluster-log-subscriber/internal/archive"
	"github.com/mathdee/cluster-log-subscriber/internal/demo"
	"github.com/mathdee/cluster-log-subscriber/internal/metrics"
	"github.com/mathdee/cluster-log-subscriber/internal/statusapi"
	"github.com/mathdee/cluster-log-subscriber/internal/subscriber"
	"github.com/mathdee/cluster-log-subscriber/internal/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "subscriber",
		Short: "Run a single-reader cluster log subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.String("nats-url", nats.DefaultURL, "NATS server URL")
	flags.String("data-subject-prefix", "cluster.data.", "subject prefix the data transport subscribes to (wildcard suffix added)")
	flags.String("control-subject", "cluster.control", "subject the control transport subscribes to")
	flags.String("durable-name", "cluster-log-subscriber", "JetStream durable consumer name")
	flags.Int32("cluster-stream-id", 0, "cluster-stream reserved-value tag this subscriber filters on (must not be zero)")
	flags.String("archive-dir", "./subscriber-archive", "directory backing the badger archive")
	flags.String("http-addr", ":8090", "address the status/metrics HTTP surface listens on")
	flags.Int("poll-limit", 10, "max fragments drained per Poll call")
	flags.Duration("poll-interval", 10*time.Millisecond, "sleep between Poll calls when nothing was delivered")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("SUBSCRIBER")
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	clusterStreamID := int32(v.GetInt32("cluster-stream-id"))

	nc, err := nats.Connect(v.GetString("nats-url"))
	if err != nil {
		return errors.Wrap(err, "connect to nats")
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return errors.Wrap(err, "acquire jetstream context")
	}

	durable := v.GetString("durable-name")
	dataTransport, err := transport.NewNATSDataSubscription(js, v.GetString("data-subject-prefix"), durable+"-data")
	if err != nil {
		return errors.Wrap(err, "subscribe data transport")
	}

	controlTransport, err := transport.NewNATSControlSubscription(js, v.GetString("control-subject"), durable+"-control")
	if err != nil {
		return errors.Wrap(err, "subscribe control transport")
	}

	arc, err := archive.OpenBadgerArchive(v.GetString("archive-dir"))
	if err != nil {
		return errors.Wrap(err, "open archive")
	}

	m := metrics.New()
	prometheus.MustRegister(m.Collectors()...)

	sub, err := subscriber.New(subscriber.Config{
		ClusterStreamID:  clusterStreamID,
		DataTransport:    dataTransport,
		ControlTransport: controlTransport,
		Archive:          arc,
		Logger:           sugar,
		Metrics:          m,
	})
	if err != nil {
		return errors.Wrap(err, "construct subscriber")
	}
	defer sub.Close()

	status := statusapi.New(sub)
	go func() {
		if err := status.ListenAndServe(v.GetString("http-addr")); err != nil {
			sugar.Errorw("status server exited", "error", err)
		}
	}()

	sink := demo.New()
	return pollLoop(ctx, sub, sink, v.GetInt("poll-limit"), v.GetDuration("poll-interval"), sugar)
}

// pollLoop pumps Poll in the foreground, the way the teacher's main blocks on
// srv.Start: poll is non-blocking (spec.md §5), so this loop sleeps between
// empty polls instead of busy-waiting, and stops on SIGINT/SIGTERM.
func pollLoop(ctx context.Context, sub *subscriber.Subscriber, sink *demo.Sink, limit int, idle time.Duration, logger *zap.SugaredLogger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-stop:
			logger.Infow("shutting down", "fragmentsDelivered", sink.Len())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := sub.Poll(sink.Apply, limit)
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			time.Sleep(idle)
		}
	}
}
