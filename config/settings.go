package config

import (
	"bytes"
	"fmt"

	"github.com/sagernet/sing/common/json"
)

// InboundSettings is implemented by the settings type of every inbound protocol.
type InboundSettings interface {
	inboundProtocol() string
}

// OutboundSettings is implemented by the settings type of every outbound protocol.
type OutboundSettings interface {
	outboundProtocol() string
}

var (
	inboundTypes = map[string]func() InboundSettings{
		ProtocolSocks: func() InboundSettings { return &SocksInbound{} },
		ProtocolHTTP:  func() InboundSettings { return &HTTPInbound{} },
		ProtocolMixed: func() InboundSettings { return &MixedInbound{} },
		ProtocolTun:   func() InboundSettings { return &TunInbound{} },
	}
	outboundTypes = map[string]func() OutboundSettings{
		ProtocolVMess:       func() OutboundSettings { return &VMessOutbound{} },
		ProtocolVLESS:       func() OutboundSettings { return &VLESSOutbound{} },
		ProtocolTrojan:      func() OutboundSettings { return &TrojanOutbound{} },
		ProtocolShadowsocks: func() OutboundSettings { return &ShadowsocksOutbound{} },
		ProtocolSocks:       func() OutboundSettings { return &SocksOutbound{} },
		ProtocolFreedom:     func() OutboundSettings { return &FreedomOutbound{} },
		ProtocolBlackhole:   func() OutboundSettings { return &BlackholeOutbound{} },
	}
)

// Account is a username/password pair used by socks, http and mixed inbounds and socks outbounds.
type Account struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Socks inbound auth modes.
const (
	SocksNoAuth   = "noauth"
	SocksPassword = "password"
)

type SocksInbound struct {
	Auth     string    `json:"auth,omitempty"`
	Accounts []Account `json:"accounts,omitempty"`
	UDP      bool      `json:"udp,omitempty"`
}

type HTTPInbound struct {
	Accounts []Account `json:"accounts,omitempty"`
}

// MixedInbound serves socks and http on the same port.
type MixedInbound struct {
	Accounts []Account `json:"accounts,omitempty"`
}

// TunInbound creates a virtual network interface. It has no port.
type TunInbound struct {
	Name      string   `json:"name,omitempty"`
	Address   []string `json:"address"`
	MTU       uint32   `json:"mtu,omitempty"`
	AutoRoute bool     `json:"autoRoute,omitempty"`
}

func (*SocksInbound) inboundProtocol() string { return ProtocolSocks }
func (*HTTPInbound) inboundProtocol() string  { return ProtocolHTTP }
func (*MixedInbound) inboundProtocol() string { return ProtocolMixed }
func (*TunInbound) inboundProtocol() string   { return ProtocolTun }

type VMessUser struct {
	ID       string `json:"id"`
	AlterID  int    `json:"alterId,omitempty"`
	Security string `json:"security,omitempty"`
}

type VMessServer struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []VMessUser `json:"users"`
}

type VMessOutbound struct {
	Vnext []VMessServer `json:"vnext"`
}

type VLESSUser struct {
	ID         string `json:"id"`
	Flow       string `json:"flow,omitempty"`
	Encryption string `json:"encryption,omitempty"`
}

type VLESSServer struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []VLESSUser `json:"users"`
}

type VLESSOutbound struct {
	Vnext []VLESSServer `json:"vnext"`
}

type TrojanServer struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

type TrojanOutbound struct {
	Servers []TrojanServer `json:"servers"`
}

type ShadowsocksServer struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
}

type ShadowsocksOutbound struct {
	Servers []ShadowsocksServer `json:"servers"`
}

type SocksServer struct {
	Address string    `json:"address"`
	Port    int       `json:"port"`
	Users   []Account `json:"users,omitempty"`
}

type SocksOutbound struct {
	Servers []SocksServer `json:"servers"`
}

// FreedomOutbound connects directly to the destination.
type FreedomOutbound struct{}

// BlackholeOutbound drops all traffic.
type BlackholeOutbound struct{}

func (*VMessOutbound) outboundProtocol() string       { return ProtocolVMess }
func (*VLESSOutbound) outboundProtocol() string       { return ProtocolVLESS }
func (*TrojanOutbound) outboundProtocol() string      { return ProtocolTrojan }
func (*ShadowsocksOutbound) outboundProtocol() string { return ProtocolShadowsocks }
func (*SocksOutbound) outboundProtocol() string       { return ProtocolSocks }
func (*FreedomOutbound) outboundProtocol() string     { return ProtocolFreedom }
func (*BlackholeOutbound) outboundProtocol() string   { return ProtocolBlackhole }

// Stream networks and security modes.
const (
	NetworkTCP         = "tcp"
	NetworkWS          = "ws"
	NetworkGRPC        = "grpc"
	NetworkHTTP        = "http"
	NetworkHTTPUpgrade = "httpupgrade"

	SecurityNone    = "none"
	SecurityTLS     = "tls"
	SecurityReality = "reality"
)

// StreamSettings configures the transport and TLS layer of an outbound.
type StreamSettings struct {
	Network     string               `json:"network,omitempty"`
	Security    string               `json:"security,omitempty"`
	TLS         *TLSSettings         `json:"tlsSettings,omitempty"`
	Reality     *RealitySettings     `json:"realitySettings,omitempty"`
	WS          *WSSettings          `json:"wsSettings,omitempty"`
	GRPC        *GRPCSettings        `json:"grpcSettings,omitempty"`
	HTTP        *HTTPSettings        `json:"httpSettings,omitempty"`
	HTTPUpgrade *HTTPUpgradeSettings `json:"httpupgradeSettings,omitempty"`
}

type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
}

type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type WSSettings struct {
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

type HTTPSettings struct {
	Host []string `json:"host,omitempty"`
	Path string   `json:"path,omitempty"`
}

type HTTPUpgradeSettings struct {
	Host string `json:"host,omitempty"`
	Path string `json:"path,omitempty"`
}

// NetworkOrDefault returns the stream network, defaulting to tcp.
func (s *StreamSettings) NetworkOrDefault() string {
	if s == nil || s.Network == "" {
		return NetworkTCP
	}
	return s.Network
}

type rawInbound struct {
	Protocol string          `json:"protocol"`
	Listen   string          `json:"listen,omitempty"`
	Port     int             `json:"port,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	in.Protocol, in.Listen, in.Port, in.Settings = raw.Protocol, raw.Listen, raw.Port, nil
	newSettings, ok := inboundTypes[raw.Protocol]
	if !ok {
		// unknown protocols are reported by validation
		return nil
	}
	settings := newSettings()
	if err := decodeSettings(raw.Settings, settings); err != nil {
		return fmt.Errorf("inbound %s settings: %w", raw.Protocol, err)
	}
	in.Settings = settings
	return nil
}

type rawOutbound struct {
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

func (out *Outbound) UnmarshalJSON(data []byte) error {
	var raw rawOutbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out.Protocol, out.StreamSettings, out.Settings = raw.Protocol, raw.StreamSettings, nil
	newSettings, ok := outboundTypes[raw.Protocol]
	if !ok {
		return nil
	}
	settings := newSettings()
	if err := decodeSettings(raw.Settings, settings); err != nil {
		return fmt.Errorf("outbound %s settings: %w", raw.Protocol, err)
	}
	out.Settings = settings
	return nil
}

func decodeSettings(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, v)
}
