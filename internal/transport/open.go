package transport

import (
	"fmt"
	"net/http"
)

// Open builds a module by kind: "udp", "websocket" or "webrtc". port is
// only used by UDP servers; iceURLs only by webrtc.
func Open(kind string, config Config, port int, iceURLs []string) (Module, error) {
	switch kind {
	case "udp":
		return NewUDPModule(config, port), nil
	case "websocket":
		return NewWebSocketModule(config), nil
	case "webrtc":
		return NewWebRTCModule(config, iceURLs), nil
	}
	return nil, fmt.Errorf("unknown transport module %q", kind)
}

// Handlers returns the HTTP endpoints of modules that accept connections
// over HTTP, keyed by path.
func Handlers(modules []Module) map[string]http.Handler {
	out := make(map[string]http.Handler)
	for _, m := range modules {
		switch m := m.(type) {
		case *WebSocketModule:
			out["/ws"] = m
		case *WebRTCModule:
			out["/rtc"] = m
		}
	}
	return out
}
