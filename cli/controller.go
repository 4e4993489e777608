package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/photoremote/controller"
	"github.com/cyberinferno/photoremote/protocol"
)

type controllerFlags struct {
	host      string
	port      int
	photosDir string
	format    string
}

func newControllerCmd(a *app) *cobra.Command {
	f := &controllerFlags{}

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Drive a photoremote device from this machine",
	}

	cmd.PersistentFlags().StringVar(&f.host, "host", "", "Device host")
	cmd.PersistentFlags().IntVarP(&f.port, "port", "p", 0, "Device port")
	cmd.PersistentFlags().StringVarP(&f.photosDir, "photos-dir", "o", "", "Directory for received photos")
	cmd.PersistentFlags().StringVar(&f.format, "format", "", "Device wire format (legacy, framed)")

	cmd.AddCommand(newShootCmd(a, f))
	cmd.AddCommand(newPingCmd(a, f))
	cmd.AddCommand(newWatchCmd(a, f))

	return cmd
}

// client applies the flags to the controller section and returns a connected client.
func (f *controllerFlags) client(cmd *cobra.Command, a *app) (*controller.Client, error) {
	cc := &a.cfg.Controller
	flags := cmd.Flags()
	if flags.Changed("host") {
		cc.Host = f.host
	}
	if flags.Changed("port") {
		cc.Port = f.port
	}
	if flags.Changed("photos-dir") {
		cc.PhotosDir = f.photosDir
	}
	if flags.Changed("format") {
		a.cfg.Protocol.WireFormat = f.format
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	format, err := protocol.ParseFormat(a.cfg.Protocol.WireFormat)
	if err != nil {
		return nil, err
	}

	ccfg := controller.DefaultConfig(a.cfg.ControllerAddress())
	ccfg.ConnectionTimeout = cc.ConnectTimeout
	ccfg.Heartbeat = cc.Heartbeat
	ccfg.PhotosDir = cc.PhotosDir
	ccfg.Format = format
	ccfg.MaxPayload = a.cfg.Protocol.MaxPayload

	client := controller.New(ccfg, a.log)
	if err := client.Connect(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func newShootCmd(a *app, f *controllerFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "shoot",
		Short: "Take photos and save them locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("invalid count: %d", count)
			}

			client, err := f.client(cmd, a)
			if err != nil {
				return err
			}
			defer client.Close()

			for i := 0; i < count; i++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Controller.ShootTimeout)
				photo, err := client.Shoot(ctx)
				cancel()
				if err != nil {
					return fmt.Errorf("failed to take photo: %w", err)
				}
				printPhoto(cmd, photo)
			}

			return client.Disconnect()
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of photos to take")
	return cmd
}

func newPingCmd(a *app, f *controllerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the device answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := f.client(cmd, a)
			if err != nil {
				return err
			}
			defer client.Close()

			pong := make(chan struct{}, 1)
			client.OnMessage(func(ev controller.MessageEvent) {
				if ev.Message.Kind == protocol.KindPong {
					select {
					case pong <- struct{}{}:
					default:
					}
				}
			})

			start := time.Now()
			if err := client.Ping(); err != nil {
				return err
			}

			select {
			case <-pong:
				fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s in %s\n", a.cfg.ControllerAddress(), time.Since(start).Round(time.Microsecond))
			case <-time.After(a.cfg.Controller.ConnectTimeout):
				return errors.New("no PONG received")
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}

			return client.Disconnect()
		},
	}
}

func newWatchCmd(a *app, f *controllerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and save every photo the device sends",
		Long: "Stays connected until interrupted. Commands read from stdin: an empty line or " +
			"\"shoot\" takes a photo, \"ping\" pings the device, \"quit\" disconnects.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			client, err := f.client(cmd, a)
			if err != nil {
				return err
			}
			defer client.Close()

			dropped := make(chan struct{})
			var once sync.Once
			client.OnConnectionState(func(ev controller.ConnectionStateEvent) {
				if ev.State == controller.Disconnected {
					once.Do(func() { close(dropped) })
				}
			})
			client.OnPhoto(func(ev controller.PhotoEvent) { printPhoto(cmd, ev) })
			client.OnMessage(func(ev controller.MessageEvent) {
				switch ev.Message.Kind {
				case protocol.KindPong:
					fmt.Fprintln(cmd.OutOrStdout(), "PONG")
				case protocol.KindError:
					fmt.Fprintf(cmd.OutOrStdout(), "device error: %s\n", ev.Message.Text)
				}
			})

			quit := make(chan struct{})
			go readWatchInput(cmd, client, quit)

			select {
			case <-ctx.Done():
			case <-quit:
			case <-dropped:
				return controller.ErrDisconnected
			}

			return client.Disconnect()
		},
	}
}

func readWatchInput(cmd *cobra.Command, client *controller.Client, quit chan<- struct{}) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "", "shoot":
			err = client.TakePhoto()
		case "ping":
			err = client.Ping()
		case "quit", "exit":
			close(quit)
			return
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "commands: shoot, ping, quit")
		}
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "send failed: %v\n", err)
		}
	}
}

func printPhoto(cmd *cobra.Command, photo controller.PhotoEvent) {
	where := photo.Path
	if where == "" {
		where = "(not saved)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes %s\n", photo.Ref, len(photo.Data), where)
}
