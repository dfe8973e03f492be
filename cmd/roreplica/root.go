package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/juanpablocruz/roreplica/pkg/metrics"
	"github.com/juanpablocruz/roreplica/pkg/node"
	"github.com/juanpablocruz/roreplica/pkg/replica"
	"github.com/juanpablocruz/roreplica/pkg/variant"
)

type options struct {
	url         string
	name        string
	verbose     int
	heartbeat   time.Duration
	misses      int
	metricsAddr string
}

func rootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "roreplica",
		Short: "Connect to a remote object source and mirror one object",
		Long: `roreplica dials a remote object source, acquires a replica of the
example Simple type and logs every property change and signal it sees.

Examples:
  roreplica
  roreplica --url local:replica --name DifferentName -v
  roreplica --url ws://127.0.0.1:8080/ro --heartbeat 2s --metrics-addr :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "tcp://127.0.0.1:5005", "source address (tcp, local, unix, ws, wss)")
	f.StringVar(&o.name, "name", "DifferentName", "object name to acquire")
	f.CountVarP(&o.verbose, "verbose", "v", "debug logging, including every frame")
	f.DurationVar(&o.heartbeat, "heartbeat", 0, "keep-alive ping interval, 0 disables")
	f.IntVar(&o.misses, "heartbeat-misses", 0, "drop the connection after this many unanswered pings, 0 never")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func levelFor(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func run(ctx context.Context, o options) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelFor(o.verbose)}))
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	if o.metricsAddr != "" {
		srv, err := serveMetrics(o.metricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	n := node.New("roreplica",
		node.WithLogger(log),
		node.WithMetrics(m),
		node.WithHeartbeat(o.heartbeat),
		node.WithHeartbeatMisses(o.misses),
	)
	n.Start()
	defer n.Stop()

	r, err := n.Acquire(simpleType(), o.name)
	if err != nil {
		return err
	}
	watch(r, log)

	c, err := n.ConnectTo(o.url)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil && !errors.Is(err, node.ErrClosedLocally) {
			return fmt.Errorf("connection %s: %w", o.url, err)
		}
		return nil
	}
}

// simpleType describes the example Simple source object: an int and a float
// property, pushI and reset slots in that order, and a change signal per
// property. Slot and signal order must match the source's type exactly.
func simpleType() *replica.Descriptor {
	return &replica.Descriptor{
		TypeName:      "Simple",
		Signature:     []byte("c6f33edb0554ba4241aad1286a47c8189d65c845"),
		Defaults:      []variant.Value{variant.Int(2), variant.Float(-1)},
		PropertyTypes: []variant.Type{variant.TypeInt, variant.TypeFloat},
		Slots: []replica.Method{
			{Name: "pushI", Params: []variant.Type{variant.TypeInt}},
			{Name: "reset"},
		},
		Signals: []replica.Method{
			{Name: "iChanged", Params: []variant.Type{variant.TypeInt}},
			{Name: "fChanged", Params: []variant.Type{variant.TypeFloat}},
			{Name: "random", Params: []variant.Type{variant.TypeInt}},
		},
	}
}

func watch(r *replica.Replica, log *slog.Logger) {
	r.Initialized.Connect(func(struct{}) {
		i, _ := r.Property(0)
		f, _ := r.Property(1)
		log.Info("initialized", "name", r.Name(), "i", i.String(), "f", f.String())
	})
	r.StateChanged.Connect(func(s replica.StateChange) {
		log.Info("state_changed", "name", r.Name(), "old", s.Old.String(), "new", s.New.String())
	})
	r.PropertyChanged.Connect(func(pc replica.PropertyChange) {
		log.Info("property_changed", "name", r.Name(), "index", pc.Index, "value", pc.Value.String())
	})
	for _, sig := range r.Descriptor().Signals {
		name := sig.Name
		_ = r.On(name, func(args []variant.Value) {
			vals := make([]any, len(args))
			for i, a := range args {
				vals[i] = a.Interface()
			}
			log.Info("signal", "name", r.Name(), "signal", name, "args", vals)
		})
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: metricsRouter(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_serve", "addr", addr, "err", err)
		}
	}()
	log.Info("metrics_listen", "addr", ln.Addr().String())
	return srv, nil
}

func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}
