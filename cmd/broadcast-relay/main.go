// broadcast-relay forwards UDP broadcasts for one port between two
// interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mojo333/broadcast-relay/internal/config"
	"github.com/mojo333/broadcast-relay/internal/logger"
	"github.com/mojo333/broadcast-relay/internal/netifaces"
	"github.com/mojo333/broadcast-relay/internal/relay"

	"github.com/cristalhq/acmd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := newRunner(ctx, os.Args[1:], os.Stdout)
	if err := r.Run(); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "broadcast-relay: %s\n", err)
		r.Exit(err)
	}
}

func newRunner(ctx context.Context, args []string, out io.Writer) *acmd.Runner {
	cmds := []acmd.Command{
		{
			Name:        "run",
			Description: "Relay broadcasts between the left and right interfaces",
			ExecFunc:    runRelay,
		},
		{
			Name:        "check",
			Description: "Resolve both attachments, print them and exit",
			ExecFunc: func(_ context.Context, args []string) error {
				return checkRelay(args, out, netifaces.Netlink{})
			},
		},
	}
	return acmd.RunnerOf(cmds, acmd.Config{
		AppName:        "broadcast-relay",
		AppDescription: "UDP broadcast relay between two interfaces",
		Version:        version,
		Context:        ctx,
		Args:           args,
		Output:         out,
	})
}

// loadSettings parses the command flags and merges them over the config file.
func loadSettings(name string, args []string) (*config.Settings, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments: %v", fs.Args())
	}
	return config.Load(*path, config.Overrides(fs))
}

func resolve(settings *config.Settings, log *logger.Logger, q netifaces.Querier) (*relay.Resolved, error) {
	cfg, err := settings.Relay()
	if err != nil {
		return nil, err
	}
	cfg.Logger = log
	return relay.Resolve(cfg, q)
}

func runRelay(ctx context.Context, args []string) error {
	settings, err := loadSettings("run", args)
	if err != nil {
		return err
	}
	log, err := logger.New(settings.LoggerOptions())
	if err != nil {
		return err
	}
	defer log.Close()

	res, err := resolve(settings, log, netifaces.Netlink{})
	if err != nil {
		log.Error("%s", err)
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pr, err := relay.Open(res, log, relay.NewMetrics(reg))
	if err != nil {
		log.Error("%s", err)
		return err
	}
	defer pr.Close()

	if settings.Metrics.Listen != "" {
		srv, err := serveMetrics(settings.Metrics.Listen, reg, log)
		if err != nil {
			log.Error("%s", err)
			return err
		}
		defer srv.Close()
	}

	stop := context.AfterFunc(ctx, func() {
		log.Info("Shutting down")
		pr.Shutdown()
	})
	defer stop()

	log.Info("Relaying UDP port %d between %s and %s",
		res.Port, res.Attachments[relay.Left].Interface, res.Attachments[relay.Right].Interface)
	return pr.Loop()
}

// serveMetrics binds addr before returning so that a bad address fails startup.
func serveMetrics(addr string, reg *prometheus.Registry, log *logger.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen for metrics on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server: %s", err)
		}
	}()
	log.Info("Serving metrics on http://%s/metrics", ln.Addr())
	return srv, nil
}

func checkRelay(args []string, out io.Writer, q netifaces.Querier) error {
	settings, err := loadSettings("check", args)
	if err != nil {
		return err
	}
	opts := settings.LoggerOptions()
	opts.NoSyslog = true
	log, err := logger.New(opts)
	if err != nil {
		return err
	}
	defer log.Close()

	res, err := resolve(settings, log, q)
	if err != nil {
		return err
	}
	for _, att := range res.Attachments {
		fmt.Fprintln(out, att)
	}
	fmt.Fprintf(out, "port %d, echo marker %d, buffer %d bytes\n", res.Port, res.EchoMarker, res.BufferSize)
	return nil
}
