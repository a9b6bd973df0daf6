package netio_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dlnakit/dlnakit/netio"
)

func TestActiveInterfacesAndLocalIP(t *testing.T) {
	ifaces, err := netio.ActiveInterfaces()
	assert.NoError(t, err)

	ip, ok := netio.LocalIP()
	if len(ifaces) == 0 {
		assert.False(t, ok, "no active interface, LocalIP must report ok=false")
		return
	}
	assert.True(t, ok)
	assert.NotEmpty(t, ip)
}

func TestNewUDPTransportRejectsBadGroup(t *testing.T) {
	_, err := netio.NewUDPTransport(context.Background(), "not-an-ip", 19001, nil, 8192)
	assert.Error(t, err)
}

func TestUDPTransportSendRecvLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("requires multicast-capable network namespace")
	}
	ifaces, err := netio.ActiveInterfaces()
	if err != nil || len(ifaces) == 0 {
		t.Skip("no active multicast-capable interface available")
	}

	tr, err := netio.NewUDPTransport(context.Background(), "239.255.255.250", 19002, ifaces, 8192)
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	defer tr.Close()

	assert.NoError(t, tr.Send([]byte("M-SEARCH * HTTP/1.1\r\n\r\n"), nil))
}
