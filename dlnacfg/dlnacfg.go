// Package dlnacfg centralizes the tunables spec.md §6 calls out as
// configurable, the way navidrome's conf package exposes conf.Server.DLNA.*
// as a flat struct with defaults baked in, and rclone's serve/dlna keeps a
// dlnaflags.Opt struct of its own. Consumers that want flags/env/file layering
// build a *viper.Viper themselves (see cmd/dlnadevice) and call FromViper;
// Config itself has no dependency on how it was populated.
package dlnacfg

import (
	"net"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob spec.md §6 lists, with the defaults that section
// specifies. Zero-value Config is not valid; use Default() or FromViper.
type Config struct {
	// FriendlyName is advertised in the device description. Default leaves
	// it empty; cmd/dlnadevice fills in "dlnakit-<hostname>".
	FriendlyName string

	// UDN is the device's persistent unique identifier, "uuid:<UUID>". If
	// empty, device.New generates a random one; hosts that persist identity
	// across restarts should set this explicitly.
	UDN string

	// HTTPPort is the TCP port the embedded HTTP server listens on for
	// descriptor/SCPD/control/eventing requests. dlna.Device.Start rejects 0
	// with a ConfigError; a dlna.ControlPoint with 0 starts no NOTIFY
	// callback server, so its Subscribe is unavailable.
	HTTPPort int

	// SSDPMulticastAddr and SSDPMulticastPort are the standard UPnP discovery
	// rendezvous; overridable mainly for tests.
	SSDPMulticastAddr string
	SSDPMulticastPort int

	// Interfaces restricts which network interfaces join the SSDP multicast
	// group and are offered as candidate LOCATION hosts. Empty means "all
	// non-loopback, up, multicast-capable interfaces", mirroring navidrome's
	// getActiveInterfaces.
	Interfaces []net.Interface

	// DiscoveryNetmask filters inbound M-SEARCH requests by subnet, recovered
	// from original_source/ (SPEC_FULL.md §12); nil disables filtering.
	DiscoveryNetmask net.IPMask

	// AdvertiseIntervalMS is the repeat interval for unsolicited ssdp:alive
	// NOTIFY bursts. Spec default: 900000 (15 minutes).
	AdvertiseIntervalMS int64

	// MSearchMX is the default MX value a control point sends (clamped by
	// reqparse on the receiving side regardless of what a peer sends).
	MSearchMX int

	// HTTPTimeout bounds SOAP/SUBSCRIBE/descriptor-fetch round trips.
	HTTPTimeout time.Duration

	// SubscriptionDuration is the default GENA subscription lifetime
	// requested via the TIMEOUT header.
	SubscriptionDuration time.Duration

	// MaxDatagramSize caps the buffer used for UDP recv; spec.md requires at
	// least 8 KiB to accommodate multi-header NOTIFY/M-SEARCH datagrams.
	MaxDatagramSize int

	// ScheduleQueueCapacity bounds the number of pending timed events; a
	// full queue rejects new schedules rather than growing unbounded,
	// matching the fixed-capacity ScheduleQueue of spec.md §4.7.
	ScheduleQueueCapacity int

	// LogLevel is passed to log.SetLevel at startup ("trace".."error").
	LogLevel string

	// Workers documents the original's HttpServerUsingTask(s).h one-task-
	// per-connection model (SPEC_FULL.md §12); net/http already dedicates a
	// goroutine per accepted connection, so this field exists purely so a
	// host can see the concept, and is otherwise unused.
	Workers int

	// LoopDelay is the pause Device.Tick sleeps between polling the UDP
	// socket and dispatching due schedules. Spec default: 5ms
	// (DLNA_LOOP_DELAY_MS).
	LoopDelay time.Duration

	// SchedulerPeriod throttles how often a Tick actually dispatches the
	// schedule queue, rather than doing so on every call. Spec default:
	// 10ms (DLNA_RUN_SCHEDULER_EVERY_MS).
	SchedulerPeriod time.Duration

	// SubscriptionCheckPeriod throttles how often ControlPoint.Tick
	// dispatches its schedule queue (subscription renewals chiefly run
	// through it). Spec default: 10ms (DLNA_RUN_SUBSCRIPTIONS_EVERY_MS).
	SubscriptionCheckPeriod time.Duration

	// MaxURLLen bounds the length of a peer-supplied LOCATION URL a
	// control point will accept out of an M-SEARCH reply or NOTIFY;
	// longer values are dropped rather than fetched. Spec default: 256
	// (DLNA_MAX_URL_LEN).
	MaxURLLen int

	// XMLParserBufferSize sizes the lookahead buffer xmlio.Parser reads
	// through when parsing untrusted SOAP/GENA/descriptor XML. Spec
	// default: 512 (XML_PARSER_BUFFER_SIZE).
	XMLParserBufferSize int

	// MultiMsgDelay spaces consecutive UDP emissions within one burst
	// (ssdp:alive NT/USN lines, M-SEARCH reply lines). Spec default: 80ms
	// (MULTI_MSG_DELAY_MS).
	MultiMsgDelay time.Duration

	// MaxAge is the default CACHE-CONTROL max-age, in seconds, advertised
	// with M-SEARCH replies and ssdp:alive NOTIFYs; used as a floor
	// alongside the advertise-interval-derived value. Spec default: 86400
	// (MAX_AGE).
	MaxAge int
}

const (
	DefaultSSDPMulticastAddr       = "239.255.255.250"
	DefaultSSDPMulticastPort       = 1900
	DefaultAdvertiseIntervalMS     = 900000
	DefaultMSearchMX               = 1
	DefaultHTTPTimeout             = 60 * time.Second
	DefaultSubscriptionDuration    = 30 * time.Minute
	DefaultMaxDatagramSize         = 8192
	DefaultScheduleQueueCapacity   = 256
	DefaultLogLevel                = "info"
	DefaultLoopDelay               = 5 * time.Millisecond
	DefaultSchedulerPeriod         = 10 * time.Millisecond
	DefaultSubscriptionCheckPeriod = 10 * time.Millisecond
	DefaultMaxURLLen               = 256
	DefaultXMLParserBufferSize     = 512
	DefaultMultiMsgDelay           = 80 * time.Millisecond
	DefaultMaxAge                  = 86400
)

// Default returns a Config with every field set to the spec.md §6 default.
// FriendlyName and UDN are left empty for the caller to fill in (device.New
// generates a UDN when none is set).
func Default() *Config {
	return &Config{
		SSDPMulticastAddr:       DefaultSSDPMulticastAddr,
		SSDPMulticastPort:       DefaultSSDPMulticastPort,
		AdvertiseIntervalMS:     DefaultAdvertiseIntervalMS,
		MSearchMX:               DefaultMSearchMX,
		HTTPTimeout:             DefaultHTTPTimeout,
		SubscriptionDuration:    DefaultSubscriptionDuration,
		MaxDatagramSize:         DefaultMaxDatagramSize,
		ScheduleQueueCapacity:   DefaultScheduleQueueCapacity,
		LogLevel:                DefaultLogLevel,
		LoopDelay:               DefaultLoopDelay,
		SchedulerPeriod:         DefaultSchedulerPeriod,
		SubscriptionCheckPeriod: DefaultSubscriptionCheckPeriod,
		MaxURLLen:               DefaultMaxURLLen,
		XMLParserBufferSize:     DefaultXMLParserBufferSize,
		MultiMsgDelay:           DefaultMultiMsgDelay,
		MaxAge:                  DefaultMaxAge,
	}
}

// Option mutates a Config; used by constructors across the other packages
// that want functional-option construction instead of exposing the struct
// literal, mirroring navidrome's dlna.Router being built via New(ds, artwork)
// plus setter-style fields.
type Option func(*Config)

func WithFriendlyName(name string) Option { return func(c *Config) { c.FriendlyName = name } }
func WithUDN(udn string) Option           { return func(c *Config) { c.UDN = udn } }
func WithHTTPPort(port int) Option        { return func(c *Config) { c.HTTPPort = port } }

func WithSSDPPort(port int) Option {
	return func(c *Config) { c.SSDPMulticastPort = port }
}

func WithInterfaces(ifaces []net.Interface) Option {
	return func(c *Config) { c.Interfaces = ifaces }
}

func WithDiscoveryNetmask(mask net.IPMask) Option {
	return func(c *Config) { c.DiscoveryNetmask = mask }
}

func WithAdvertiseIntervalMS(ms int64) Option {
	return func(c *Config) { c.AdvertiseIntervalMS = ms }
}

func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Config) { c.HTTPTimeout = d }
}

func WithSubscriptionDuration(d time.Duration) Option {
	return func(c *Config) { c.SubscriptionDuration = d }
}

func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }

func WithLoopDelay(d time.Duration) Option {
	return func(c *Config) { c.LoopDelay = d }
}

func WithSchedulerPeriod(d time.Duration) Option {
	return func(c *Config) { c.SchedulerPeriod = d }
}

func WithSubscriptionCheckPeriod(d time.Duration) Option {
	return func(c *Config) { c.SubscriptionCheckPeriod = d }
}

func WithMaxURLLen(n int) Option {
	return func(c *Config) { c.MaxURLLen = n }
}

func WithXMLParserBufferSize(n int) Option {
	return func(c *Config) { c.XMLParserBufferSize = n }
}

func WithMultiMsgDelay(d time.Duration) Option {
	return func(c *Config) { c.MultiMsgDelay = d }
}

func WithMaxAge(seconds int) Option {
	return func(c *Config) { c.MaxAge = seconds }
}

// New builds a Config starting from Default and applying opts in order.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromViper reads the same keys an example cmd/ would expose as flags,
// falling back to Default()'s values for anything unset. Kept separate from
// Config itself so packages that don't want a viper dependency never import
// it transitively.
func FromViper(v *viper.Viper) *Config {
	c := Default()
	if v == nil {
		return c
	}
	if s := v.GetString("friendly-name"); s != "" {
		c.FriendlyName = s
	}
	if s := v.GetString("udn"); s != "" {
		c.UDN = s
	}
	if v.IsSet("http-port") {
		c.HTTPPort = v.GetInt("http-port")
	}
	if v.IsSet("ssdp-port") {
		c.SSDPMulticastPort = v.GetInt("ssdp-port")
	}
	if v.IsSet("advertise-interval-ms") {
		c.AdvertiseIntervalMS = v.GetInt64("advertise-interval-ms")
	}
	if v.IsSet("msearch-mx") {
		c.MSearchMX = v.GetInt("msearch-mx")
	}
	if v.IsSet("http-timeout") {
		c.HTTPTimeout = v.GetDuration("http-timeout")
	}
	if v.IsSet("subscription-duration") {
		c.SubscriptionDuration = v.GetDuration("subscription-duration")
	}
	if s := v.GetString("log-level"); s != "" {
		c.LogLevel = s
	}
	if v.IsSet("loop-delay") {
		c.LoopDelay = v.GetDuration("loop-delay")
	}
	if v.IsSet("scheduler-period") {
		c.SchedulerPeriod = v.GetDuration("scheduler-period")
	}
	if v.IsSet("subscription-check-period") {
		c.SubscriptionCheckPeriod = v.GetDuration("subscription-check-period")
	}
	if v.IsSet("max-url-len") {
		c.MaxURLLen = v.GetInt("max-url-len")
	}
	if v.IsSet("xml-parser-buffer-size") {
		c.XMLParserBufferSize = v.GetInt("xml-parser-buffer-size")
	}
	if v.IsSet("multi-msg-delay") {
		c.MultiMsgDelay = v.GetDuration("multi-msg-delay")
	}
	if v.IsSet("max-age") {
		c.MaxAge = v.GetInt("max-age")
	}
	return c
}
