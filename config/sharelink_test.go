package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShareLink(t *testing.T) {
	tests := []struct {
		name   string
		link   string
		want   *Outbound
		remark string
	}{
		{
			name: "shadowsocks base64 userinfo",
			link: "ss://YWVzLTI1Ni1nY206c2VjcmV0@203.0.113.10:8388#my%20server",
			want: &Outbound{Protocol: ProtocolShadowsocks, Settings: &ShadowsocksOutbound{Servers: []ShadowsocksServer{{
				Address: "203.0.113.10", Port: 8388, Method: "aes-256-gcm", Password: "secret",
			}}}},
			remark: "my server",
		},
		{
			name: "shadowsocks plain userinfo",
			link: "ss://chacha20-ietf-poly1305:pa55@example.com:443",
			want: &Outbound{Protocol: ProtocolShadowsocks, Settings: &ShadowsocksOutbound{Servers: []ShadowsocksServer{{
				Address: "example.com", Port: 443, Method: "chacha20-ietf-poly1305", Password: "pa55",
			}}}},
		},
		{
			name: "trojan over websocket",
			link: "trojan://pass@example.com:443?sni=cdn.example.com&type=ws&path=%2Fws&host=example.com#T",
			want: &Outbound{
				Protocol: ProtocolTrojan,
				Settings: &TrojanOutbound{Servers: []TrojanServer{{Address: "example.com", Port: 443, Password: "pass"}}},
				StreamSettings: &StreamSettings{
					Network:  NetworkWS,
					Security: SecurityTLS,
					TLS:      &TLSSettings{ServerName: "cdn.example.com"},
					WS:       &WSSettings{Path: "/ws", Host: "example.com"},
				},
			},
			remark: "T",
		},
		{
			name: "vless reality",
			link: "vless://" + testUUID + "@example.com:443?encryption=none&flow=xtls-rprx-vision&security=reality&sni=www.example.org&fp=chrome&pbk=KEY&sid=ab&type=tcp#R",
			want: &Outbound{
				Protocol: ProtocolVLESS,
				Settings: &VLESSOutbound{Vnext: []VLESSServer{{
					Address: "example.com", Port: 443,
					Users: []VLESSUser{{ID: testUUID, Flow: "xtls-rprx-vision", Encryption: "none"}},
				}}},
				StreamSettings: &StreamSettings{
					Security: SecurityReality,
					Reality:  &RealitySettings{ServerName: "www.example.org", PublicKey: "KEY", ShortID: "ab", Fingerprint: "chrome"},
				},
			},
			remark: "R",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, remark, err := ParseShareLink(tt.link)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.remark, remark)
			assert.NoError(t, Validate(&Config{
				Inbound:  &Inbound{Protocol: ProtocolMixed, Port: 7890},
				Outbound: got,
			}))
		})
	}
}

func TestParseVMessLink(t *testing.T) {
	// port and aid are strings in many generators
	payload := `{"v":"2","ps":"hk-01","add":"hk.example.com","port":"443","id":"` + testUUID +
		`","aid":"0","scy":"auto","net":"grpc","type":"none","path":"svc","tls":"tls","sni":"hk.example.com"}`
	link := "vmess://" + base64.StdEncoding.EncodeToString([]byte(payload))

	out, remark, err := ParseShareLink(link)
	require.NoError(t, err)
	assert.Equal(t, "hk-01", remark)
	want := &Outbound{
		Protocol: ProtocolVMess,
		Settings: &VMessOutbound{Vnext: []VMessServer{{
			Address: "hk.example.com", Port: 443,
			Users: []VMessUser{{ID: testUUID, Security: "auto"}},
		}}},
		StreamSettings: &StreamSettings{
			Network:  NetworkGRPC,
			Security: SecurityTLS,
			TLS:      &TLSSettings{ServerName: "hk.example.com"},
			GRPC:     &GRPCSettings{ServiceName: "svc"},
		},
	}
	assert.Equal(t, want, out)
}

func TestParseShareLinkErrors(t *testing.T) {
	for _, link := range []string{
		"http://example.com",
		"no scheme",
		"vmess://!!!",
		"trojan://pass@example.com",
		"ss://bm9jb2xvbg@example.com:443",
	} {
		_, _, err := ParseShareLink(link)
		assert.Error(t, err, link)
	}
	_, _, err := ParseShareLink("hysteria2://x@example.com:443")
	assert.ErrorIs(t, err, ErrUnsupportedLink)
}

func TestShareLinkRoundTrip(t *testing.T) {
	outbounds := []*Outbound{
		NewBuilder().VMess("example.com", 443, testUUID, 0, "").Stream(&StreamSettings{
			Network: NetworkWS, Security: SecurityTLS,
			TLS: &TLSSettings{ServerName: "example.com"}, WS: &WSSettings{Path: "/ray", Host: "example.com"},
		}).cfg.Outbound,
		NewBuilder().VLESS("203.0.113.1", 8443, testUUID, "").cfg.Outbound,
		NewBuilder().Trojan("example.com", 443, "secret").Stream(&StreamSettings{
			Security: SecurityTLS, TLS: &TLSSettings{ServerName: "example.com", ALPN: []string{"h2", "http/1.1"}},
		}).cfg.Outbound,
		NewBuilder().Shadowsocks("example.com", 8388, "2022-blake3-aes-128-gcm", "a+b/c=").cfg.Outbound,
	}
	for _, out := range outbounds {
		t.Run(out.Protocol, func(t *testing.T) {
			link, err := ShareLink(out, "remark #1")
			require.NoError(t, err)
			parsed, remark, err := ParseShareLink(link)
			require.NoError(t, err, link)
			assert.Equal(t, "remark #1", remark)
			assert.Equal(t, out, parsed, link)
		})
	}

	_, err := ShareLink(&Outbound{Protocol: ProtocolFreedom, Settings: &FreedomOutbound{}}, "")
	assert.ErrorIs(t, err, ErrUnsupportedLink)
}
