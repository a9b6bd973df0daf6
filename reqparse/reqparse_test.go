package reqparse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/reqparse"
)

func TestParseMXClamping(t *testing.T) {
	assert.Equal(t, 1, reqparse.ParseMX(""))
	assert.Equal(t, 1, reqparse.ParseMX("not-a-number"))
	assert.Equal(t, 1, reqparse.ParseMX("0"))
	assert.Equal(t, 5, reqparse.ParseMX("99"))
	assert.Equal(t, 3, reqparse.ParseMX("3"))
}

func TestReplyTargetsAll(t *testing.T) {
	d := device.New("uuid:abc", "urn:schemas-upnp-org:device:Basic:1", "Test")
	_ = d.AddService(&device.ServiceInfo{ServiceType: "urn:schemas-upnp-org:service:Foo:1"})

	targets := reqparse.ReplyTargets(d, "ssdp:all")
	assert.Contains(t, targets, "upnp:rootdevice")
	assert.Contains(t, targets, "uuid:abc")
	assert.Contains(t, targets, "urn:schemas-upnp-org:device:Basic:1")
	assert.Contains(t, targets, "urn:schemas-upnp-org:service:Foo:1")
}

func TestReplyTargetsUnknownST(t *testing.T) {
	d := device.New("uuid:abc", "urn:schemas-upnp-org:device:Basic:1", "Test")
	assert.Nil(t, reqparse.ReplyTargets(d, "urn:schemas-upnp-org:service:Unknown:1"))
}

func TestParseControlPointDatagram(t *testing.T) {
	resp := []byte("HTTP/1.1 200 OK\r\nLOCATION: http://192.0.2.1:8200/device.xml\r\nST: upnp:rootdevice\r\nUSN: uuid:abc::upnp:rootdevice\r\n\r\n")
	obs, ok := reqparse.ParseControlPointDatagram(resp, 256)
	assert.True(t, ok)
	assert.Equal(t, "http://192.0.2.1:8200/device.xml", obs.Location)

	notify := []byte("NOTIFY * HTTP/1.1\r\nNTS: ssdp:alive\r\nNT: upnp:rootdevice\r\nUSN: uuid:abc::upnp:rootdevice\r\nLOCATION: http://192.0.2.1:8200/device.xml\r\n\r\n")
	obs2, ok2 := reqparse.ParseControlPointDatagram(notify, 256)
	assert.True(t, ok2)
	assert.Equal(t, "ssdp:alive", obs2.NTS)

	garbage := []byte("GARBAGE\r\n\r\n")
	_, ok3 := reqparse.ParseControlPointDatagram(garbage, 256)
	assert.False(t, ok3)
}

func TestParseControlPointDatagramRejectsOverlongLocation(t *testing.T) {
	resp := []byte("HTTP/1.1 200 OK\r\nLOCATION: http://192.0.2.1:8200/device.xml\r\nST: upnp:rootdevice\r\nUSN: uuid:abc::upnp:rootdevice\r\n\r\n")
	_, ok := reqparse.ParseControlPointDatagram(resp, 10)
	assert.False(t, ok)

	_, ok2 := reqparse.ParseControlPointDatagram(resp, 0)
	assert.True(t, ok2)
}
