package client

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultPort = 5222

// RawConfig represents the fields of the config json file.
// nullable means a default is chosen in ProcessRawConfig when empty;
// jsonOptional means the value may instead come from commandline args but
// mustn't be empty when ProcessRawConfig is called.
type RawConfig struct {
	Domain   string // jsonOptional
	User     string // jsonOptional
	Password string // jsonOptional

	Resource       string // nullable
	Server         string // nullable: "host" or "host:port" to skip SRV lookup
	DNSServer      string // nullable: "host:port" of the resolver to query
	Compression    bool   // nullable
	BrowserSig     string // nullable: "", "chrome", "firefox", "safari"
	Transport      string // nullable: "direct" or "websocket"
	WebSocketURL   string // nullable
	SocksProxy     string // nullable: "host:port" of a SOCKS5 upstream
	PinDB          string // nullable: path of the certificate pin store, "" disables pinning
	ConnectTimeout int    // nullable: seconds
	RxRate         int64  // nullable: inbound cap in bytes per second, 0 means unlimited
	TxRate         int64  // nullable: outbound cap in bytes per second, 0 means unlimited
}

// Config is the processed, validated form of RawConfig.
type Config struct {
	Domain         string
	User           string
	Password       string
	Resource       string
	ServerHost     string // empty means resolve via SRV
	ServerPort     int
	DNSServer      string
	Compression    bool
	BrowserSig     string
	Transport      string
	WebSocketURL   string
	SocksProxy     string
	PinDB          string
	ConnectTimeout time.Duration
	RxRate         int64
	TxRate         int64
}

func ParseConfig(path string) (raw *RawConfig, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	raw = new(RawConfig)
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return
	}
	return
}

func (raw *RawConfig) ProcessRawConfig() (conf Config, err error) {
	nullErr := func(field string) (Config, error) {
		return Config{}, fmt.Errorf("%v cannot be empty", field)
	}

	if raw.Domain == "" {
		return nullErr("Domain")
	}
	conf.Domain = raw.Domain
	if raw.User == "" {
		return nullErr("User")
	}
	conf.User = raw.User
	if raw.Password == "" {
		return nullErr("Password")
	}
	conf.Password = raw.Password
	conf.Resource = raw.Resource

	conf.ServerPort = defaultPort
	if raw.Server != "" {
		if host, port, splitErr := net.SplitHostPort(raw.Server); splitErr == nil {
			conf.ServerHost = host
			conf.ServerPort, err = strconv.Atoi(port)
			if err != nil {
				return Config{}, fmt.Errorf("invalid Server port: %w", err)
			}
		} else {
			conf.ServerHost = raw.Server
		}
	}
	conf.DNSServer = raw.DNSServer

	switch strings.ToLower(raw.BrowserSig) {
	case "", "chrome", "firefox", "safari":
		conf.BrowserSig = strings.ToLower(raw.BrowserSig)
	default:
		return Config{}, fmt.Errorf("unknown browser signature %v", raw.BrowserSig)
	}

	switch strings.ToLower(raw.Transport) {
	case "", "direct":
		conf.Transport = "direct"
	case "websocket":
		conf.Transport = "websocket"
	default:
		return Config{}, fmt.Errorf("unknown transport %v", raw.Transport)
	}
	conf.WebSocketURL = raw.WebSocketURL

	conf.Compression = raw.Compression
	conf.SocksProxy = raw.SocksProxy
	conf.PinDB = raw.PinDB

	if raw.ConnectTimeout <= 0 {
		conf.ConnectTimeout = 5 * time.Second
	} else {
		conf.ConnectTimeout = time.Duration(raw.ConnectTimeout) * time.Second
	}

	if raw.RxRate < 0 || raw.TxRate < 0 {
		return Config{}, fmt.Errorf("rate caps cannot be negative")
	}
	conf.RxRate = raw.RxRate
	conf.TxRate = raw.TxRate
	return conf, nil
}
