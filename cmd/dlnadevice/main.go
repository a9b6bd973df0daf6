// Command dlnadevice is a runnable example host: it advertises a single
// demo SwitchPower service over UPnP and answers SOAP/GENA traffic against
// it, wiring spf13/cobra+spf13/viper onto dlnacfg.Config the way
// dlnacfg.FromViper's own doc comment describes ("consumers that want
// flags/env/file layering build a *viper.Viper themselves ... see
// cmd/dlnadevice"). Not a product; it exists to exercise package dlna's
// Device end to end from a real binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/dlna"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/log"
	"github.com/dlnakit/dlnakit/soap"
)

const switchPowerSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <actionList>
    <action><name>SetTarget</name>
      <argumentList>
        <argument><name>newTargetValue</name><direction>in</direction><relatedStateVariable>Target</relatedStateVariable></argument>
      </argumentList>
    </action>
    <action><name>GetTarget</name>
      <argumentList>
        <argument><name>RetTargetValue</name><direction>out</direction><relatedStateVariable>Target</relatedStateVariable></argument>
      </argumentList>
    </action>
    <action><name>GetStatus</name>
      <argumentList>
        <argument><name>ResultStatus</name><direction>out</direction><relatedStateVariable>Status</relatedStateVariable></argument>
      </argumentList>
    </action>
  </actionList>
</scpd>`

// switchPower is a trivial stateful demo service: a single boolean the
// SetTarget/GetTarget/GetStatus actions read and write, grounding
// NotifyChange's eventing path on a real state transition instead of a
// no-op handler.
type switchPower struct {
	mu     sync.Mutex
	target bool
	dev    *dlna.Device
}

const switchPowerServiceType = "urn:schemas-upnp-org:service:SwitchPower:1"

func (sp *switchPower) handle(ctx context.Context, action string, args []soap.Argument) (soap.ActionReply, error) {
	switch action {
	case "SetTarget":
		val, _ := argValue(args, "newTargetValue")
		sp.mu.Lock()
		sp.target = val == "1" || val == "true"
		newVal := sp.target
		sp.mu.Unlock()
		sp.dev.NotifyChange(ctx, switchPowerServiceType, []gena.PropertyChange{{Name: "Status", Value: boolStr(newVal)}})
		return soap.ActionReply{Valid: true}, nil
	case "GetTarget":
		sp.mu.Lock()
		v := sp.target
		sp.mu.Unlock()
		return soap.ActionReply{Valid: true, Args: []soap.Argument{{Name: "RetTargetValue", Value: boolStr(v)}}}, nil
	case "GetStatus":
		sp.mu.Lock()
		v := sp.target
		sp.mu.Unlock()
		return soap.ActionReply{Valid: true, Args: []soap.Argument{{Name: "ResultStatus", Value: boolStr(v)}}}, nil
	default:
		return soap.ActionReply{}, dlnaerr.NewPeerRejection("dlnadevice.SwitchPower", soap.ErrInvalidAction, "no such action")
	}
}

func argValue(args []soap.Argument, name string) (string, bool) {
	for _, a := range args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "dlnadevice",
		Short: "Advertise a demo UPnP SwitchPower device",
		RunE: func(cmd *cobra.Command, argv []string) error {
			return run(v)
		},
	}

	flags := root.Flags()
	flags.String("friendly-name", "", "device friendly name (default: generated)")
	flags.String("udn", "", "device UDN, uuid:<...> (default: generated)")
	flags.Int("http-port", 8200, "embedded HTTP server port")
	flags.Int("ssdp-port", dlnacfg.DefaultSSDPMulticastPort, "SSDP multicast port")
	flags.Int64("advertise-interval-ms", dlnacfg.DefaultAdvertiseIntervalMS, "ssdp:alive repeat interval, in milliseconds")
	flags.String("log-level", dlnacfg.DefaultLogLevel, "trace|debug|info|warn|error")
	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("DLNADEVICE")
	v.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg := dlnacfg.FromViper(v)
	if cfg.FriendlyName == "" {
		host, _ := os.Hostname()
		cfg.FriendlyName = "dlnakit-" + host
	}
	log.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dev := dlna.NewDevice(cfg, "urn:schemas-upnp-org:device:BinaryLight:1", nil)
	sp := &switchPower{dev: dev}
	if err := dev.AddService(switchPowerInfo(), switchPowerSCPD, sp.handle); err != nil {
		return err
	}

	log.Info(ctx, "starting dlnadevice", "friendly_name", cfg.FriendlyName, "http_port", cfg.HTTPPort)
	return dev.Run(ctx)
}

func switchPowerInfo() *device.ServiceInfo {
	return &device.ServiceInfo{
		ServiceType: switchPowerServiceType,
		ServiceID:   "urn:upnp-org:serviceId:SwitchPower",
		SCPDPath:    "/SwitchPower/scpd.xml",
		ControlPath: "/SwitchPower/control",
		EventPath:   "/SwitchPower/event",
	}
}
