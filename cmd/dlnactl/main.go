// Command dlnactl is a runnable example control point: it discovers UPnP
// devices on the local network and can invoke a single SOAP action against
// one of them, wiring spf13/cobra+spf13/viper the same way cmd/dlnadevice
// does. It exists to exercise package dlna's ControlPoint end to end from a
// real binary, not as a product.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dlnakit/dlnakit/dlna"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/log"
	"github.com/dlnakit/dlnakit/soap"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "dlnactl",
		Short: "Discover and control UPnP devices on the local network",
	}
	persistent := root.PersistentFlags()
	persistent.Int("ssdp-port", dlnacfg.DefaultSSDPMulticastPort, "SSDP multicast port")
	persistent.Int("callback-port", 8210, "local HTTP port GENA callbacks are received on")
	persistent.String("device-type", "", "substring filter on discovered devices' deviceType")
	persistent.Duration("timeout", 5*time.Second, "how long to wait for replies before acting")
	persistent.String("log-level", dlnacfg.DefaultLogLevel, "trace|debug|info|warn|error")
	_ = v.BindPFlags(persistent)
	v.SetEnvPrefix("DLNACTL")
	v.AutomaticEnv()

	root.PersistentPreRun = func(*cobra.Command, []string) {
		log.SetLevel(v.GetString("log-level"))
	}
	root.AddCommand(discoverCmd(v), invokeCmd(v))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildControlPoint(v *viper.Viper) *dlna.ControlPoint {
	cfg := dlnacfg.New(
		dlnacfg.WithSSDPPort(v.GetInt("ssdp-port")),
		dlnacfg.WithHTTPPort(v.GetInt("callback-port")),
	)
	return dlna.NewControlPoint(cfg, v.GetString("device-type"), 10*time.Minute, func(udn string, pc gena.PropertyChange) {
		fmt.Printf("NOTIFY %s: %s=%s\n", udn, pc.Name, pc.Value)
	})
}

// runLoop drives cp.Tick every tickInterval until ctx is done, the way
// dlna.Device/ControlPoint expect an externally-driven loop rather than
// looping forever internally themselves.
func runLoop(ctx context.Context, cp *dlna.ControlPoint, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.Tick(ctx)
		}
	}
}

func discoverCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Search for UPnP devices and print what answers",
		RunE: func(cmd *cobra.Command, argv []string) error {
			cp := buildControlPoint(v)
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()

			if err := cp.Begin(ctx); err != nil {
				return err
			}
			defer cp.Close(context.Background())

			if err := cp.Search("ssdp:all"); err != nil {
				return err
			}
			go runLoop(ctx, cp, 100*time.Millisecond)
			<-ctx.Done()

			for _, d := range cp.GetDevices() {
				fmt.Printf("%s\t%s\t%s\n", d.UDN, d.DeviceType, d.FriendlyName)
				for _, s := range d.Services {
					fmt.Printf("  - %s\n", s.ServiceType)
				}
			}
			return nil
		},
	}
}

func invokeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <udn> <serviceType> <action> [name=value ...]",
		Short: "Discover devices, then invoke one SOAP action against udn's serviceType",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, argv []string) error {
			udn, serviceType, action := argv[0], argv[1], argv[2]
			var args []soap.Argument
			for _, raw := range argv[3:] {
				name, value, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("invalid argument %q, expected name=value", raw)
				}
				args = append(args, soap.Argument{Name: name, Value: value})
			}

			cp := buildControlPoint(v)
			discoverCtx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()
			if err := cp.Begin(discoverCtx); err != nil {
				return err
			}
			defer cp.Close(context.Background())
			if err := cp.Search("ssdp:all"); err != nil {
				return err
			}
			go runLoop(discoverCtx, cp, 100*time.Millisecond)
			<-discoverCtx.Done()

			reply, err := cp.Invoke(cmd.Context(), udn, serviceType, action, args)
			if err != nil {
				return err
			}
			for _, a := range reply.Args {
				fmt.Printf("%s=%s\n", a.Name, a.Value)
			}
			return nil
		},
	}
	return cmd
}
