package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "b831381d-6324-4d53-ad4f-8cda48b30811"

const jsonDoc = `{
  "inbound": {"protocol": "socks", "port": 1080, "listen": "127.0.0.1", "settings": {"auth": "noauth", "udp": true}},
  "outbound": {
    "protocol": "vmess",
    "settings": {"vnext": [{"address": "example.com", "port": 443, "users": [{"id": "b831381d-6324-4d53-ad4f-8cda48b30811", "alterId": 0, "security": "auto"}]}]},
    "streamSettings": {"network": "ws", "security": "tls", "tlsSettings": {"serverName": "example.com"}, "wsSettings": {"path": "/ray"}}
  },
  "log": {"loglevel": "info"},
  "routing": {"rules": [{"outboundTag": "direct", "ruleSet": ["geoip-cn", "geosite-cn"]}, {"outboundTag": "block", "domain": ["ads.example.com"], "ruleSet": ["geoip-cn"]}]},
  "dns": {"servers": ["8.8.8.8", "tls://1.1.1.1", "https://dns.google/dns-query"]}
}`

const yamlDoc = `
inbound:
  protocol: http
  port: 8080
  settings:
    accounts:
      - user: alice
        pass: wonderland
outbound:
  protocol: shadowsocks
  settings:
    servers:
      - address: 203.0.113.10
        port: 8388
        method: aes-256-gcm
        password: secret
log:
  loglevel: warning
`

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	socks, ok := cfg.Inbound.Settings.(*SocksInbound)
	require.True(t, ok, "inbound settings should be *SocksInbound, got %T", cfg.Inbound.Settings)
	assert.True(t, socks.UDP)
	assert.Equal(t, SocksNoAuth, socks.Auth)

	vmess, ok := cfg.Outbound.Settings.(*VMessOutbound)
	require.True(t, ok)
	assert.Equal(t, testUUID, vmess.Vnext[0].Users[0].ID)
	assert.Equal(t, NetworkWS, cfg.Outbound.StreamSettings.Network)
	assert.Equal(t, "/ray", cfg.Outbound.StreamSettings.WS.Path)

	host, port, ok := cfg.Outbound.Target()
	assert.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 443, port)

	assert.Equal(t, []string{"geoip-cn", "geosite-cn"}, cfg.RuleSets())
	assert.Equal(t, "info", cfg.LogLevel())
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	httpIn, ok := cfg.Inbound.Settings.(*HTTPInbound)
	require.True(t, ok)
	assert.Equal(t, []Account{{User: "alice", Pass: "wonderland"}}, httpIn.Accounts)
	assert.Equal(t, DefaultListen, cfg.Inbound.ListenAddr())

	ss, ok := cfg.Outbound.Settings.(*ShadowsocksOutbound)
	require.True(t, ok)
	assert.Equal(t, "aes-256-gcm", ss.Servers[0].Method)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"truncated json", `{"inbound": {`, FormatJSON},
		{"empty", "  ", FormatJSON},
		{"bad settings type", `{"inbound": {"protocol": "socks", "port": 1080, "settings": {"udp": "yes"}}}`, FormatJSON},
		{"bad outbound settings", `{"outbound": {"protocol": "trojan", "settings": {"servers": {}}}}`, FormatJSON},
		{"bad yaml", "inbound: [unclosed", FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
			var pe *ParseError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestUnknownProtocolParsesButFailsValidation(t *testing.T) {
	cfg, err := Parse([]byte(`{"inbound": {"protocol": "dokodemo", "port": 1}, "outbound": {"protocol": "freedom"}}`), FormatJSON)
	require.NoError(t, err)
	assert.Nil(t, cfg.Inbound.Settings)
	err = Validate(cfg)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "inbound.protocol")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Inbound:  &Inbound{Protocol: ProtocolSocks, Port: 1080, Settings: &SocksInbound{}},
			Outbound: &Outbound{Protocol: ProtocolFreedom},
		}
	}
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing inbound", func(c *Config) { c.Inbound = nil }, "inbound"},
		{"missing outbound", func(c *Config) { c.Outbound = nil }, "outbound"},
		{"missing inbound protocol", func(c *Config) { c.Inbound.Protocol = "" }, "inbound.protocol"},
		{"missing outbound protocol", func(c *Config) { c.Outbound.Protocol = "" }, "outbound.protocol"},
		{"negative port", func(c *Config) { c.Inbound.Port = -1 }, "inbound.port"},
		{"port too large", func(c *Config) { c.Inbound.Port = 70000 }, "inbound.port"},
		{"hostname listen", func(c *Config) { c.Inbound.Listen = "localhost" }, "inbound.listen"},
		{"settings mismatch", func(c *Config) { c.Inbound.Settings = &HTTPInbound{} }, "inbound.settings"},
		{"password auth without accounts", func(c *Config) {
			c.Inbound.Settings = &SocksInbound{Auth: SocksPassword}
		}, "inbound.settings.accounts"},
		{"tun without port", func(c *Config) {
			c.Inbound = &Inbound{Protocol: ProtocolTun, Settings: &TunInbound{Address: []string{"172.19.0.1/30"}}}
		}, ""},
		{"tun bad address", func(c *Config) {
			c.Inbound = &Inbound{Protocol: ProtocolTun, Settings: &TunInbound{Address: []string{"172.19.0.1"}}}
		}, "inbound.settings.address[0]"},
		{"bad log level", func(c *Config) { c.Log = &Log{Level: "verbose"} }, "log.loglevel"},
		{"vmess bad uuid", func(c *Config) {
			c.Outbound = &Outbound{Protocol: ProtocolVMess, Settings: &VMessOutbound{Vnext: []VMessServer{{
				Address: "example.com", Port: 443, Users: []VMessUser{{ID: "nope"}},
			}}}}
		}, "outbound.settings.vnext[0].users[0].id"},
		{"vless without servers", func(c *Config) {
			c.Outbound = &Outbound{Protocol: ProtocolVLESS, Settings: &VLESSOutbound{}}
		}, "outbound.settings.vnext"},
		{"trojan bad host", func(c *Config) {
			c.Outbound = &Outbound{Protocol: ProtocolTrojan, Settings: &TrojanOutbound{Servers: []TrojanServer{{
				Address: "exa mple.com", Port: 443, Password: "x",
			}}}}
		}, "outbound.settings.servers[0].address"},
		{"shadowsocks bad method", func(c *Config) {
			c.Outbound = &Outbound{Protocol: ProtocolShadowsocks, Settings: &ShadowsocksOutbound{Servers: []ShadowsocksServer{{
				Address: "1.2.3.4", Port: 8388, Method: "rc4", Password: "x",
			}}}}
		}, "outbound.settings.servers[0].method"},
		{"vmess without settings", func(c *Config) { c.Outbound = &Outbound{Protocol: ProtocolVMess} }, "outbound.settings"},
		{"stream on freedom", func(c *Config) {
			c.Outbound.StreamSettings = &StreamSettings{Network: NetworkWS}
		}, "outbound.streamSettings"},
		{"bad rule tag", func(c *Config) {
			c.Routing = &Routing{Rules: []Rule{{OutboundTag: "elsewhere", Domain: []string{"a.com"}}}}
		}, "routing.rules[0].outboundTag"},
		{"empty rule", func(c *Config) {
			c.Routing = &Routing{Rules: []Rule{{OutboundTag: TagDirect}}}
		}, "routing.rules[0]"},
		{"bad rule set", func(c *Config) {
			c.Routing = &Routing{Rules: []Rule{{OutboundTag: TagDirect, RuleSet: []string{"../etc/passwd"}}}}
		}, "routing.rules[0].ruleSet[0]"},
		{"bad dns", func(c *Config) { c.DNS = &DNS{Servers: []string{"quic://1.1.1.1"}} }, "dns.servers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := Validate(cfg)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
	assert.ErrorIs(t, Validate(nil), ErrInvalid)
}

func TestValidateReportsAllErrors(t *testing.T) {
	err := Validate(&Config{Inbound: &Inbound{Protocol: ProtocolSocks, Port: -1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbound.port")
	assert.Contains(t, err.Error(), "outbound")
}

func TestParseDNSServer(t *testing.T) {
	s, err := ParseDNSServer("8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, DNSServer{Scheme: "udp", Host: "8.8.8.8"}, s)

	s, err = ParseDNSServer("tls://1.1.1.1:853")
	require.NoError(t, err)
	assert.Equal(t, DNSServer{Scheme: "tls", Host: "1.1.1.1", Port: 853}, s)

	s, err = ParseDNSServer("https://dns.google")
	require.NoError(t, err)
	assert.Equal(t, DNSServer{Scheme: "https", Host: "dns.google", Path: "/dns-query"}, s)

	_, err = ParseDNSServer("tls://1.1.1.1:0")
	assert.Error(t, err)
}

func TestLoadAndWriteFile(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.json"))
	var pathErr *fs.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	cfg, err := Parse([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)

	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFile(path, cfg))
		loaded, err := LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, cfg, loaded, name)
	}

	info, err := os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestClone(t *testing.T) {
	cfg, err := Parse([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)
	cp, err := cfg.Clone()
	require.NoError(t, err)
	assert.Equal(t, cfg, cp)

	cp.Inbound.Port = 2080
	cp.Outbound.Settings.(*VMessOutbound).Vnext[0].Port = 8443
	assert.Equal(t, 1080, cfg.Inbound.Port)
	assert.Equal(t, 443, cfg.Outbound.Settings.(*VMessOutbound).Vnext[0].Port)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("/etc/boxclient/config.YML"))
	assert.Equal(t, FormatYAML, FormatFromPath("config.yaml"))
	assert.Equal(t, FormatJSON, FormatFromPath("config.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("config"))
}

func TestBuilder(t *testing.T) {
	cfg, err := NewBuilder().
		LogLevel(LogDebug).
		Socks("127.0.0.1", 1080, true, Account{User: "u", Pass: "p"}).
		VLESS("example.com", 443, testUUID, "xtls-rprx-vision").
		Stream(&StreamSettings{Security: SecurityReality, Reality: &RealitySettings{PublicKey: "key", ServerName: "example.com"}}).
		Route(Rule{OutboundTag: TagDirect, RuleSet: []string{"geoip-cn"}}).
		Route(Rule{OutboundTag: TagBlock, DomainSuffix: []string{"ads.example"}}).
		DNS("1.1.1.1", "https://dns.google/dns-query").
		Build()
	require.NoError(t, err)
	assert.Equal(t, SocksPassword, cfg.Inbound.Settings.(*SocksInbound).Auth)
	assert.Len(t, cfg.Routing.Rules, 2)
	assert.Len(t, cfg.DNS.Servers, 2)

	_, err = NewBuilder().HTTP("127.0.0.1", 0).Freedom().Build()
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewBuilder().Mixed("127.0.0.1", 7890).Shadowsocks("1.2.3.4", 8388, "aes-128-gcm", "pw").Build()
	assert.NoError(t, err)

	_, err = NewBuilder().Mixed("127.0.0.1", 7890).Blackhole().Build()
	assert.NoError(t, err)
}
