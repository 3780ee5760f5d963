package main

import (
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Endpoint is the chat server address, without any room.
type Endpoint struct {
	Secure bool
	Host   string // host or host:port
	Path   string
}

func newEndpoint(cfg *Config) Endpoint {
	return Endpoint{
		Secure: cfg.secure,
		Host:   net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)),
		Path:   cfg.path,
	}
}

// URL returns the websocket URL. A non-empty room is passed as the id
// query parameter.
func (e Endpoint) URL(room string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   e.Host,
		Path:   "/" + strings.TrimPrefix(e.Path, "/"),
	}
	if e.Secure {
		u.Scheme = "wss"
	}
	if room != "" {
		u.RawQuery = url.Values{"id": {room}}.Encode()
	}

	return u.String()
}

// HTTPURL returns the plain HTTP URL for path on the same server.
func (e Endpoint) HTTPURL(path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   e.Host,
		Path:   path,
	}
	if e.Secure {
		u.Scheme = "https"
	}

	return u.String()
}

// RoomsURL is the room listing served next to the websocket path.
func (e Endpoint) RoomsURL() string {
	return e.HTTPURL(path.Join(path.Dir("/"+strings.TrimPrefix(e.Path, "/")), "rooms"))
}
