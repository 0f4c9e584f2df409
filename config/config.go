// Package config defines the proxy configuration document: the inbound the client listens on, the
// outbound it forwards through, logging, routing and DNS. Protocol specific settings are a tagged
// union keyed by the protocol name.
package config

import (
	"fmt"

	"github.com/sagernet/sing/common/json"
)

// Protocol names accepted in inbound and outbound blocks.
const (
	ProtocolSocks       = "socks"
	ProtocolHTTP        = "http"
	ProtocolMixed       = "mixed"
	ProtocolTun         = "tun"
	ProtocolVMess       = "vmess"
	ProtocolVLESS       = "vless"
	ProtocolTrojan      = "trojan"
	ProtocolShadowsocks = "shadowsocks"
	ProtocolFreedom     = "freedom"
	ProtocolBlackhole   = "blackhole"
)

// Outbound tags used by routing rules.
const (
	TagProxy  = "proxy"
	TagDirect = "direct"
	TagBlock  = "block"
)

// DefaultListen is used when an inbound does not specify a listen address.
const DefaultListen = "127.0.0.1"

// Config is a complete proxy configuration document.
type Config struct {
	Inbound  *Inbound  `json:"inbound,omitempty"`
	Outbound *Outbound `json:"outbound,omitempty"`
	Log      *Log      `json:"log,omitempty"`
	Routing  *Routing  `json:"routing,omitempty"`
	DNS      *DNS      `json:"dns,omitempty"`
}

// Inbound is the listening side of the proxy.
type Inbound struct {
	Protocol string `json:"protocol"`
	Listen   string `json:"listen,omitempty"`
	Port     int    `json:"port,omitempty"`
	// Settings holds the protocol specific settings. Its concrete type is determined by Protocol,
	// e.g. *SocksInbound for "socks".
	Settings InboundSettings `json:"settings,omitempty"`
}

// ListenAddr returns the listen address, falling back to DefaultListen.
func (in *Inbound) ListenAddr() string {
	if in.Listen == "" {
		return DefaultListen
	}
	return in.Listen
}

// Outbound is the egress side of the proxy.
type Outbound struct {
	Protocol       string           `json:"protocol"`
	Settings       OutboundSettings `json:"settings,omitempty"`
	StreamSettings *StreamSettings  `json:"streamSettings,omitempty"`
}

// Target returns the remote server the outbound connects to. ok is false for outbounds that do
// not use a fixed server, such as freedom and blackhole.
func (out *Outbound) Target() (host string, port int, ok bool) {
	if out == nil || out.Settings == nil {
		return "", 0, false
	}
	switch s := out.Settings.(type) {
	case *VMessOutbound:
		if len(s.Vnext) > 0 {
			return s.Vnext[0].Address, s.Vnext[0].Port, true
		}
	case *VLESSOutbound:
		if len(s.Vnext) > 0 {
			return s.Vnext[0].Address, s.Vnext[0].Port, true
		}
	case *TrojanOutbound:
		if len(s.Servers) > 0 {
			return s.Servers[0].Address, s.Servers[0].Port, true
		}
	case *ShadowsocksOutbound:
		if len(s.Servers) > 0 {
			return s.Servers[0].Address, s.Servers[0].Port, true
		}
	case *SocksOutbound:
		if len(s.Servers) > 0 {
			return s.Servers[0].Address, s.Servers[0].Port, true
		}
	}
	return "", 0, false
}

// Log levels accepted in Log.Level.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
	LogNone    = "none"
)

type Log struct {
	Level string `json:"loglevel,omitempty"`
}

// Routing is an ordered list of rules. The first matching rule decides the outbound; unmatched
// traffic goes through the proxy.
type Routing struct {
	Rules []Rule `json:"rules,omitempty"`
}

// Rule routes traffic matching any of its matchers to OutboundTag, which is one of TagProxy,
// TagDirect or TagBlock.
type Rule struct {
	OutboundTag  string   `json:"outboundTag"`
	Domain       []string `json:"domain,omitempty"`
	DomainSuffix []string `json:"domainSuffix,omitempty"`
	IP           []string `json:"ip,omitempty"`
	// RuleSet names rule-set assets such as geoip-cn or geosite-google.
	RuleSet []string `json:"ruleSet,omitempty"`
}

// DNS lists the resolvers used by the engine. Entries are plain IP addresses (UDP), or URLs with
// a udp://, tls:// or https:// scheme.
type DNS struct {
	Servers []string `json:"servers,omitempty"`
}

// RuleSets returns the distinct rule-set names referenced by the routing rules in order of first
// appearance.
func (c *Config) RuleSets() []string {
	if c == nil || c.Routing == nil {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, r := range c.Routing.Rules {
		for _, name := range r.RuleSet {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// LogLevel returns the configured log level, defaulting to LogWarning.
func (c *Config) LogLevel() string {
	if c == nil || c.Log == nil || c.Log.Level == "" {
		return LogWarning
	}
	return c.Log.Level
}

// Clone returns a deep copy of c.
func (c *Config) Clone() (*Config, error) {
	if c == nil {
		return nil, nil
	}
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	var cp Config
	if err := json.Unmarshal(buf, &cp); err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	return &cp, nil
}
