package device

// Protocol info strings for common audio formats, ported from navidrome's
// server/dlna/connection_manager.go protoInfo* constants. This module has
// no ContentDirectory of its own (content browsing is an external
// collaborator per spec.md §1), so ProtocolInfo is exposed as a standalone
// utility a host's ConnectionManager-equivalent service implementation can
// call, rather than being wired into any internal action handler here.
const (
	ProtoInfoMP3          = "http-get:*:audio/mpeg:DLNA.ORG_PN=MP3;DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	ProtoInfoFLAC         = "http-get:*:audio/flac:*"
	ProtoInfoWAV          = "http-get:*:audio/wav:*"
	ProtoInfoWAVPCM       = "http-get:*:audio/L16:DLNA.ORG_PN=LPCM;DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	ProtoInfoAAC          = "http-get:*:audio/aac:*"
	ProtoInfoM4A          = "http-get:*:audio/mp4:DLNA.ORG_PN=AAC_ISO_320;DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	ProtoInfoOGG          = "http-get:*:audio/ogg:*"
	ProtoInfoOPUS         = "http-get:*:audio/opus:*"
	ProtoInfoWMA          = "http-get:*:audio/x-ms-wma:DLNA.ORG_PN=WMABASE;DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	ProtoInfoGenericAudio = "http-get:*:audio/*:*"
)

// ProtocolInfo returns the DLNA protocol info string advertised for mime.
func ProtocolInfo(mime string) string {
	switch mime {
	case "audio/mpeg", "audio/mp3":
		return ProtoInfoMP3
	case "audio/flac", "audio/x-flac":
		return ProtoInfoFLAC
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ProtoInfoWAV
	case "audio/L16":
		return ProtoInfoWAVPCM
	case "audio/aac", "audio/x-aac":
		return ProtoInfoAAC
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ProtoInfoM4A
	case "audio/ogg", "audio/x-ogg", "application/ogg":
		return ProtoInfoOGG
	case "audio/opus":
		return ProtoInfoOPUS
	case "audio/x-ms-wma", "audio/wma":
		return ProtoInfoWMA
	default:
		return ProtoInfoGenericAudio
	}
}

// AllSourceProtocols returns every source protocol this module knows about
// as a slice; joined with commas it matches GetProtocolInfo's Source field
// shape.
func AllSourceProtocols() []string {
	return []string{
		ProtoInfoMP3, ProtoInfoFLAC, ProtoInfoWAV, ProtoInfoWAVPCM,
		ProtoInfoAAC, ProtoInfoM4A, ProtoInfoOGG, ProtoInfoOPUS,
		ProtoInfoWMA, ProtoInfoGenericAudio,
	}
}
