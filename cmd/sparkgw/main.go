// Command sparkgw runs the BrewBlox Spark gateway: it connects to one
// controller, keeps its block state synchronized, and serves block
// operations for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brewblox/sparkgw/internal/clog"
	"github.com/brewblox/sparkgw/internal/config"
	"github.com/brewblox/sparkgw/internal/datastore"
	"github.com/brewblox/sparkgw/internal/gateway"
	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/brewblox/sparkgw/internal/link"
)

var log = clog.NewLogger("main")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sparkgw",
	Short:         "BrewBlox Spark controller gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	dialer, err := selectDialer(cfg)
	if err != nil {
		return fmt.Errorf("select transport: %w", err)
	}

	store := datastore.New(cfg.DatastoreURL)

	svc, err := gateway.New(cfg, dialer, store, nil)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Critical("%s is running as %q against %s", rootCmd.Use, cfg.Name, dialer.Name())

	select {
	case <-sigCh:
		signal.Stop(sigCh)
		log.Critical("shutdown signal received")
		cancel()
		err := <-done
		if err != nil && !gwerr.Is(err, gwerr.KindCancelled) {
			return err
		}
		return nil
	case err := <-done:
		return err
	}
}

// selectDialer resolves the configured transport kind into a concrete
// link.Dialer, in the order the controller is probed (spec.md §4.6:
// "mock, then simulation, then an explicit device_host, then
// device_serial, then discovery").
func selectDialer(cfg *config.Config) (link.Dialer, error) {
	switch {
	case cfg.Mock:
		return link.MockDialer{Transport: link.NewMockTransport()}, nil
	case cfg.Simulation:
		return nil, gwerr.Newf(gwerr.KindNotConnected, "sparkgw: simulation transport requires an external simulator process, not yet wired")
	case cfg.DeviceHost != "":
		return link.TCPDialer{Address: cfg.DeviceHost}, nil
	case cfg.DeviceSerial != "":
		return link.SerialDialer{Device: cfg.DeviceSerial}, nil
	case cfg.Discovery != "none":
		return nil, gwerr.New(gwerr.KindDiscoveryAborted, fmt.Errorf("sparkgw: automatic discovery is not available; specify device_host or device_serial"))
	default:
		return nil, gwerr.Newf(gwerr.KindNotConnected, "sparkgw: no transport configured")
	}
}
