package main

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshbeacon/mdnscore/internal/config"
	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/logging"
	"github.com/meshbeacon/mdnscore/internal/metrics"
	"github.com/meshbeacon/mdnscore/responder"
)

type serveOptions struct {
	envFile   string
	hostname  string
	addresses []string
	services  []string
	subTypes  []string
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish the host and services until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment")
	flags.StringVar(&opts.hostname, "hostname", "", "host label to publish (overrides BEACON_HOSTNAME)")
	flags.StringArrayVar(&opts.addresses, "address", nil, "IPv6 address to publish for the host (repeatable; default: interface addresses)")
	flags.StringArrayVar(&opts.services, "service", nil, `service as "instance,_type._proto,port[,key=value...]" (repeatable)`)
	flags.StringArrayVar(&opts.subTypes, "subtype", nil, "sub-type label added to every service (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if opts.hostname != "" {
		cfg.Hostname = opts.hostname
	}
	addrs, err := parseAddresses(opts.addresses)
	if err != nil {
		return err
	}
	services, err := parseServices(opts.services, opts.subTypes)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger, err := logging.NewLogger(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Output:     cmd.ErrOrStderr(),
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The responder outlives the signal so that Close can still send goodbyes.
	resp, err := responder.New(context.WithoutCancel(ctx),
		responder.WithConfig(cfg),
		responder.WithLogger(logger),
		responder.WithMetrics(reg),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, reg, logging.Component(logger, "metrics"))
		})
	}
	g.Go(func() error {
		err := resp.RegisterHost(gctx, &responder.Host{Addresses: addrs})
		switch {
		case err == nil:
		case len(addrs) == 0 && goerrors.Is(err, errors.ErrInvalidArgs):
			logger.Warn().Err(err).Msg("no publishable interface address, host records skipped")
		default:
			return fmt.Errorf("register host: %w", err)
		}
		for _, svc := range services {
			if err := resp.Register(gctx, svc); err != nil {
				return fmt.Errorf("register %q: %w", svc.InstanceName, err)
			}
		}
		logger.Info().Int("services", len(services)).Msg("all records published")
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if goerrors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("shutting down")
	return goerrors.Join(err, resp.Close())
}

func parseAddresses(values []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, v := range values {
		addr, err := netip.ParseAddr(strings.TrimSpace(v))
		if err != nil || !addr.Is6() || addr.Is4In6() {
			return nil, &errors.ValidationError{Field: "address", Value: v, Message: "must be an IPv6 address"}
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseServices(values, subTypes []string) ([]*responder.Service, error) {
	out := make([]*responder.Service, 0, len(values))
	for _, v := range values {
		svc, err := parseService(v)
		if err != nil {
			return nil, err
		}
		svc.SubTypes = subTypes
		out = append(out, svc)
	}
	return out, nil
}

// parseService reads "instance,_type._proto,port[,key=value...]". A TXT
// entry without "=" is a boolean attribute.
func parseService(value string) (*responder.Service, error) {
	fields := strings.Split(value, ",")
	if len(fields) < 3 {
		return nil, &errors.ValidationError{Field: "service", Value: value, Message: "want instance,type,port"}
	}
	port, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 16)
	if err != nil {
		return nil, &errors.ValidationError{Field: "service", Value: fields[2], Message: "invalid port"}
	}
	svc := &responder.Service{
		InstanceName: strings.TrimSpace(fields[0]),
		ServiceType:  strings.TrimSpace(fields[1]),
		Port:         uint16(port),
	}
	for _, kv := range fields[3:] {
		if kv == "" {
			continue
		}
		if svc.TXTRecords == nil {
			svc.TXTRecords = make(map[string]string)
		}
		k, v, _ := strings.Cut(kv, "=")
		svc.TXTRecords[k] = v
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return svc, nil
}
