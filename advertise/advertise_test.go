package advertise_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlnakit/dlnakit/advertise"
	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/schedule"
)

func TestStartFiresAliveBurstAndKeepsItQueued(t *testing.T) {
	dev := device.New("uuid:abc", "urn:schemas-upnp-org:device:Basic:1", "Test")
	require.NoError(t, dev.AddService(&device.ServiceInfo{ServiceType: "urn:svc:Foo:1"}))
	dev.MarkStarted("127.0.0.1", 8200)

	udp, err := netio.NewUDPTransport(context.Background(), "239.255.255.250", 0, nil, 8192)
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer udp.Close()

	c := clock.NewSystem()
	q := schedule.NewQueue(c, 0)
	eng := advertise.New(dev, udp, q, advertise.Config{
		MulticastHost: "239.255.255.250:1900",
		IntervalMS:    900000,
		Server:        "test/1.0",
	})

	require.NoError(t, eng.Start(c.NowMS()))
	errs := q.Tick()
	assert.Empty(t, errs)
	assert.Equal(t, 1, q.Len())
}

func TestStopCancelsAliveAndSchedulesByeBye(t *testing.T) {
	dev := device.New("uuid:abc", "urn:schemas-upnp-org:device:Basic:1", "Test")
	dev.MarkStarted("127.0.0.1", 8200)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()

	c := clock.NewSystem()
	q := schedule.NewQueue(c, 0)

	// advertise.Engine needs a *netio.UDPTransport; exercised via Start/Stop
	// scheduling logic only (Send itself may fail without a joined group,
	// which is fine — Tick still compacts dead entries regardless of error).
	udp, err := netio.NewUDPTransport(context.Background(), "239.255.255.250", 0, nil, 8192)
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer udp.Close()

	eng := advertise.New(dev, udp, q, advertise.Config{
		MulticastHost: "239.255.255.250:1900",
		IntervalMS:    900000,
		ByeByeSpacing: 20 * time.Second,
	})
	require.NoError(t, eng.Start(c.NowMS()))
	require.NoError(t, eng.Stop(c.NowMS()))

	// Alive cancelled, three byebye entries now pending plus the cancelled
	// (but not yet compacted) alive entry.
	assert.True(t, q.Len() >= 3)
}
