// Package coreconfig generates the JSON configuration file handed to the
// external proxy-core binary for one test: a local "mixed" (SOCKS5+HTTP)
// inbound on the leased port, forwarding to an outbound built from the
// candidate ProxyConfig's protocol-specific options.
//
// This mirrors the sing-box/xray config shape produced by the collector's
// own config generator, reimplemented natively against model.ProxyConfig
// instead of depending on a third-party link-parsing library — generating
// this file is a pluggable concern the Tester depends on only through the
// Generator interface below.
package coreconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/rhovanion/proxytester/internal/model"
)

// Generator produces the proxy-core config file contents for a candidate
// bound to the given local port.
type Generator interface {
	Generate(cfg model.ProxyConfig, port int) ([]byte, error)
}

// Default is the built-in Generator.
type Default struct{}

// Generate implements Generator.
func (Default) Generate(cfg model.ProxyConfig, port int) ([]byte, error) {
	outbound, err := buildOutbound(cfg)
	if err != nil {
		return nil, err
	}

	doc := coreDocument{
		Log: logSection{Level: "panic", Disabled: true},
		Inbounds: []inboundSection{
			{
				Type:       "mixed",
				Tag:        "in-local",
				Listen:     "127.0.0.1",
				ListenPort: port,
			},
		},
		Outbounds: []any{
			outbound,
			map[string]string{"type": "direct", "tag": "direct"},
		},
	}

	return json.MarshalIndent(doc, "", "  ")
}

type coreDocument struct {
	Log       logSection       `json:"log"`
	Inbounds  []inboundSection `json:"inbounds"`
	Outbounds []any            `json:"outbounds"`
}

type logSection struct {
	Level    string `json:"level"`
	Disabled bool   `json:"disabled"`
}

type inboundSection struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Listen     string `json:"listen"`
	ListenPort int    `json:"listen_port"`
}

func buildOutbound(cfg model.ProxyConfig) (map[string]any, error) {
	base := map[string]any{
		"tag":    "proxy-under-test",
		"server": cfg.Server,
	}

	switch cfg.Type {
	case model.ProtocolVMess:
		base["type"] = "vmess"
		base["uuid"] = cfg.Options.UUID
		base["alter_id"] = cfg.Options.AlterID
		security := cfg.Options.Cipher
		if security == "" {
			security = "auto"
		}
		base["security"] = security
		applyTransport(base, cfg.Options)
	case model.ProtocolShadowsocks:
		base["type"] = "shadowsocks"
		method := cfg.Options.Cipher
		if method == "" {
			method = cfg.Options.Method
		}
		base["method"] = method
		base["password"] = cfg.Options.Password
	case model.ProtocolTrojan:
		base["type"] = "trojan"
		base["password"] = cfg.Options.Password
		applyTransport(base, cfg.Options)
	case model.ProtocolVLESS:
		base["type"] = "vless"
		base["uuid"] = cfg.Options.UUID
		if cfg.Options.Flow != "" {
			base["flow"] = cfg.Options.Flow
		}
		applyTransport(base, cfg.Options)
	case model.ProtocolSocks:
		base["type"] = "socks"
		if cfg.Options.Username != "" {
			base["username"] = cfg.Options.Username
			base["password"] = cfg.Options.Password
		}
	case model.ProtocolHTTP:
		base["type"] = "http"
		if cfg.Options.Username != "" {
			base["username"] = cfg.Options.Username
			base["password"] = cfg.Options.Password
		}
	default:
		return nil, fmt.Errorf("coreconfig: unsupported protocol type %q", cfg.Type)
	}

	host, port, err := splitServer(cfg.Server)
	if err == nil {
		base["server"] = host
		base["server_port"] = port
	}

	return base, nil
}

func applyTransport(base map[string]any, opts model.Options) {
	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	base["network"] = network

	if opts.TLS {
		tls := map[string]any{"enabled": true}
		if opts.SNI != "" {
			tls["server_name"] = opts.SNI
		}
		base["tls"] = tls
	}

	switch network {
	case "ws":
		ws := map[string]any{}
		if opts.Path != "" {
			ws["path"] = opts.Path
		}
		if opts.Host != "" {
			ws["headers"] = map[string]string{"Host": opts.Host}
		}
		base["transport"] = map[string]any{"type": "ws", "ws_opts": ws}
	case "grpc":
		grpc := map[string]any{}
		if opts.Path != "" {
			grpc["service_name"] = opts.Path
		}
		base["transport"] = map[string]any{"type": "grpc", "grpc_opts": grpc}
	}
}

// splitServer splits a "host:port" server string, IPv6-safe via
// net.SplitHostPort. cfg.Server is expected to already carry the upstream
// port; a server string with no port is not an error, just left as is for
// the caller to use unsplit.
func splitServer(server string) (string, int, error) {
	if server == "" {
		return "", 0, fmt.Errorf("coreconfig: invalid server %q", server)
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return server, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return server, 0, nil
	}
	return host, port, nil
}
