package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/photoremote/config"
	"github.com/cyberinferno/photoremote/device"
	"github.com/cyberinferno/photoremote/logger"
)

type deviceFlags struct {
	address string
	port    int
	format  string
	capture string
	storage string
	sensor  string
}

func newDeviceCmd(a *app) *cobra.Command {
	f := &deviceFlags{}

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the capture device server",
		Long:  "Listens for a PC controller, takes photos on request and streams them back until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			return runDevice(cmd, a)
		},
	}

	cmd.Flags().StringVar(&f.address, "address", "", "Listen address (empty for all interfaces)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Listen port")
	cmd.Flags().StringVar(&f.format, "format", "", "Wire format (legacy, framed)")
	cmd.Flags().StringVar(&f.capture, "capture", "", "Capture backend (synthetic, directory, command)")
	cmd.Flags().StringVar(&f.storage, "storage", "", "Photo store backend (memory, dir, redis)")
	cmd.Flags().StringVar(&f.sensor, "sensor", "", "Accelerometer source (none, stdin, file, mqtt)")

	return cmd
}

// apply overrides cfg with the flags the user set and revalidates it.
func (f *deviceFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Server.Address = f.address
	}
	if flags.Changed("port") {
		cfg.Server.Port = f.port
	}
	if flags.Changed("format") {
		cfg.Protocol.WireFormat = f.format
	}
	if flags.Changed("capture") {
		cfg.Capture.Backend = f.capture
	}
	if flags.Changed("storage") {
		cfg.Storage.Backend = f.storage
	}
	if flags.Changed("sensor") {
		cfg.Sensor.Source = f.sensor
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func runDevice(cmd *cobra.Command, a *app) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := device.New(a.cfg, a.log)
	if err != nil {
		return err
	}

	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.log.Info("shutting down", logger.Field{Key: "status", Value: d.Status()})
	d.Stop()

	return nil
}
