// Command stubcore is a minimal stand-in for the real proxy-core binary,
// used to exercise the harness end to end without a real sing-box/xray
// install. It reads the same "run -c <config>" invocation the harness
// uses, extracts the inbound's listen_port, and serves SOCKS5 on it —
// the same protocol internal/probe always dials through a "mixed"
// inbound, regardless of which protocol the candidate's own outbound
// leg actually uses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/armon/go-socks5"
)

type stubConfig struct {
	Inbounds []struct {
		ListenPort int `json:"listen_port"`
	} `json:"inbounds"`
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}
	var configPath string
	fs := flag.NewFlagSet("stubcore", flag.ExitOnError)
	fs.StringVar(&configPath, "c", "", "config file path")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("stubcore: %v", err)
	}

	body, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatalf("stubcore: read config: %v", err)
	}

	var cfg stubConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		log.Fatalf("stubcore: parse config: %v", err)
	}
	if len(cfg.Inbounds) == 0 {
		log.Fatalf("stubcore: config has no inbounds")
	}
	port := cfg.Inbounds[0].ListenPort

	server, err := socks5.New(&socks5.Config{})
	if err != nil {
		log.Fatalf("stubcore: build socks5 server: %v", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("stubcore: listen on %s: %v", addr, err)
	}

	log.Printf("stubcore: listening on %s", addr)
	log.Fatal(server.Serve(ln))
}
