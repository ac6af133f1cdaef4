package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/printhive/edge-agent/internal/cable"
	"github.com/printhive/edge-agent/internal/marlin"
	"github.com/printhive/edge-agent/internal/printerreg"
	"github.com/printhive/edge-agent/internal/wstransport"
)

// runFlags holds flags specific to `agent run`.
type runFlags struct {
	Ports        []string // "alias=/dev/ttyUSB0"
	Baud         int
	TickInterval time.Duration
	SnapshotFile string
}

var rflags runFlags

// printerChannelIdentifier mirrors the shape the server's PrinterChannel
// expects to see double-JSON-encoded in the Cable subscribe command (spec
// §4.7): one channel per agent, scoped by the agent's client ID.
type printerChannelIdentifier struct {
	Channel  string `json:"channel"`
	ClientID string `json:"client_id"`
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and bridge attached printers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context())
		},
	}
	cmd.Flags().StringArrayVar(&rflags.Ports, "port", nil, "attach a printer as alias=device, e.g. front-left=/dev/ttyUSB0 (repeatable)")
	cmd.Flags().IntVar(&rflags.Baud, "baud", 115200, "serial baud rate for attached printers")
	cmd.Flags().DurationVar(&rflags.TickInterval, "tick-interval", time.Second, "printer state aggregator publish interval")
	cmd.Flags().StringVar(&rflags.SnapshotFile, "snapshot-file", "", "when set (implies --debug use), periodically write the last published printer snapshot here for `agent status` to read")
	return cmd
}

func runAgent(ctx context.Context) error {
	if strings.TrimSpace(flags.ServerHost) == "" {
		return errMissingServerHost
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dialer := wstransport.Dialer{
		Header: http.Header{"Authorization": []string{"Bearer " + cfg.Secret}},
	}
	url := fmt.Sprintf("wss://%s/cable", cfg.ServerHost)
	dial := func(ctx context.Context) (wstransport.Conn, error) {
		return dialer.Dial(ctx, url)
	}

	client := cable.New(dial, cable.Options{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })

	if err := client.Connect(gctx); err != nil {
		return err
	}

	sub, err := client.Subscribe(gctx, printerChannelIdentifier{Channel: "PrinterChannel", ClientID: cfg.ClientID})
	if err != nil {
		return err
	}

	registry := printerreg.New(sub, printerreg.Options{TickInterval: rflags.TickInterval})

	drivers, closeDrivers, err := attachPrinters(registry, rflags.Ports, rflags.Baud)
	if err != nil {
		return err
	}
	defer closeDrivers()

	registerPrinterActions(gctx, sub, drivers)

	for id, d := range drivers {
		id, d := id, d
		g.Go(func() error {
			if err := d.Connect(gctx); err != nil {
				return fmt.Errorf("printer %s: %w", id, err)
			}
			return d.Run(gctx)
		})
	}

	g.Go(func() error { return registry.Run(gctx) })

	if rflags.SnapshotFile != "" {
		g.Go(func() error { return writeSnapshots(gctx, registry, rflags.SnapshotFile, rflags.TickInterval) })
	}

	return g.Wait()
}

// attachPrinters opens one serial port per --port flag and registers it with
// the registry under its alias. The returned closer releases every opened
// port regardless of how many succeeded.
func attachPrinters(registry *printerreg.Registry, specs []string, baud int) (map[string]*marlin.Driver, func(), error) {
	drivers := make(map[string]*marlin.Driver, len(specs))
	var opened []marlin.ISerialPort

	closeAll := func() {
		for _, p := range opened {
			_ = p.Close()
		}
	}

	for _, spec := range specs {
		alias, device, ok := strings.Cut(spec, "=")
		if !ok || alias == "" || device == "" {
			closeAll()
			return nil, nil, fmt.Errorf("invalid --port %q, expected alias=device", spec)
		}
		port, err := marlin.OpenPort(device, baud)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening %s: %w", device, err)
		}
		opened = append(opened, port)

		d := marlin.New(port, marlin.Options{})
		drivers[alias] = d
		registry.Attach(alias, d)
	}

	return drivers, closeAll, nil
}

// writeSnapshots periodically dumps the registry's last published state to
// path as JSON, the small on-disk hand-off `agent status --query` reads
// from in a separate invocation of the process.
func writeSnapshots(ctx context.Context, registry *printerreg.Registry, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			data, err := json.MarshalIndent(registry.LastSnapshot(), "", "  ")
			if err != nil {
				continue
			}
			_ = os.WriteFile(path, data, 0o644)
		}
	}
}
