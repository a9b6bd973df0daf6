package dlnacfg_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/dlnakit/dlnakit/dlnacfg"
)

func TestDefaults(t *testing.T) {
	c := dlnacfg.Default()
	assert.Equal(t, dlnacfg.DefaultSSDPMulticastAddr, c.SSDPMulticastAddr)
	assert.EqualValues(t, dlnacfg.DefaultAdvertiseIntervalMS, c.AdvertiseIntervalMS)
	assert.Equal(t, 1, c.MSearchMX)
}

func TestOptions(t *testing.T) {
	c := dlnacfg.New(
		dlnacfg.WithFriendlyName("Living Room"),
		dlnacfg.WithHTTPPort(8200),
		dlnacfg.WithSSDPPort(1901),
	)
	assert.Equal(t, "Living Room", c.FriendlyName)
	assert.Equal(t, 8200, c.HTTPPort)
	assert.Equal(t, 1901, c.SSDPMulticastPort)
}

func TestFromViper(t *testing.T) {
	v := viper.New()
	v.Set("friendly-name", "Kitchen")
	v.Set("http-port", 9000)

	c := dlnacfg.FromViper(v)
	assert.Equal(t, "Kitchen", c.FriendlyName)
	assert.Equal(t, 9000, c.HTTPPort)
	assert.Equal(t, dlnacfg.DefaultLogLevel, c.LogLevel)
}

func TestFromViperNil(t *testing.T) {
	c := dlnacfg.FromViper(nil)
	assert.Equal(t, dlnacfg.Default(), c)
}
