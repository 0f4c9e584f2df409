package engine

import (
	"fmt"
	"net/netip"
	"path/filepath"

	C "github.com/sagernet/sing-box/constant"
	O "github.com/sagernet/sing-box/option"
	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/auth"
	"github.com/sagernet/sing/common/json/badoption"

	"github.com/getlantern/boxclient/config"
)

const (
	InboundTag = "in"

	// RuleSetExt is the file extension of binary rule-set assets.
	RuleSetExt = ".srs"
)

// BuildOptions translates cfg into sing-box options. Rule sets referenced by routing rules are read
// from assetDir. logOutput is the sing-box log file; empty means stderr.
func BuildOptions(cfg *config.Config, assetDir, logOutput string) (O.Options, error) {
	if cfg == nil || cfg.Inbound == nil || cfg.Outbound == nil {
		return O.Options{}, fmt.Errorf("inbound and outbound are required")
	}
	inbound, err := buildInbound(cfg.Inbound)
	if err != nil {
		return O.Options{}, fmt.Errorf("inbound: %w", err)
	}
	proxy, err := buildOutbound(cfg.Outbound)
	if err != nil {
		return O.Options{}, fmt.Errorf("outbound: %w", err)
	}
	outbounds := []O.Outbound{proxy, {
		Type:    C.TypeDirect,
		Tag:     config.TagDirect,
		Options: &O.DirectOutboundOptions{},
	}}

	opts := O.Options{
		Log:       buildLog(cfg.LogLevel(), logOutput),
		Inbounds:  []O.Inbound{inbound},
		Outbounds: outbounds,
		Route:     buildRoute(cfg, assetDir),
		Experimental: &O.ExperimentalOptions{
			// traffic totals come from the clash API tracker; no controller is exposed
			ClashAPI: &O.ClashAPIOptions{
				ExternalController: "",
			},
		},
	}
	if cfg.DNS != nil && len(cfg.DNS.Servers) > 0 {
		detour := config.TagProxy
		if proxy.Type == C.TypeDirect || proxy.Type == C.TypeBlock {
			detour = ""
		}
		if opts.DNS, err = buildDNS(cfg.DNS, detour); err != nil {
			return O.Options{}, fmt.Errorf("dns: %w", err)
		}
	}
	return opts, nil
}

func buildLog(level, output string) *O.LogOptions {
	opts := &O.LogOptions{
		Output:       output,
		Timestamp:    true,
		DisableColor: true,
	}
	switch level {
	case config.LogNone:
		opts.Disabled = true
	case config.LogWarning:
		opts.Level = "warn"
	default:
		opts.Level = level
	}
	return opts
}

func listenOptions(in *config.Inbound) (O.ListenOptions, error) {
	addr, err := netip.ParseAddr(in.ListenAddr())
	if err != nil {
		return O.ListenOptions{}, fmt.Errorf("invalid listen address %q", in.Listen)
	}
	return O.ListenOptions{
		Listen:     common.Ptr(badoption.Addr(addr)),
		ListenPort: uint16(in.Port),
	}, nil
}

func users(accounts []config.Account) []auth.User {
	if len(accounts) == 0 {
		return nil
	}
	out := make([]auth.User, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, auth.User{Username: a.User, Password: a.Pass})
	}
	return out
}

func buildInbound(in *config.Inbound) (O.Inbound, error) {
	if in.Protocol == config.ProtocolTun {
		tun, ok := in.Settings.(*config.TunInbound)
		if !ok {
			return O.Inbound{}, fmt.Errorf("tun requires settings")
		}
		addrs := make([]netip.Prefix, 0, len(tun.Address))
		for _, a := range tun.Address {
			prefix, err := netip.ParsePrefix(a)
			if err != nil {
				return O.Inbound{}, fmt.Errorf("invalid tun address %q", a)
			}
			addrs = append(addrs, prefix)
		}
		return O.Inbound{
			Type: C.TypeTun,
			Tag:  InboundTag,
			Options: &O.TunInboundOptions{
				InterfaceName: tun.Name,
				Address:       addrs,
				MTU:           tun.MTU,
				AutoRoute:     tun.AutoRoute,
				StrictRoute:   tun.AutoRoute,
			},
		}, nil
	}

	listen, err := listenOptions(in)
	if err != nil {
		return O.Inbound{}, err
	}
	switch s := in.Settings.(type) {
	case *config.SocksInbound:
		opts := &O.SocksInboundOptions{ListenOptions: listen}
		if s.Auth == config.SocksPassword {
			opts.Users = users(s.Accounts)
		}
		return O.Inbound{Type: C.TypeSOCKS, Tag: InboundTag, Options: opts}, nil
	case *config.HTTPInbound:
		return O.Inbound{
			Type:    C.TypeHTTP,
			Tag:     InboundTag,
			Options: &O.HTTPMixedInboundOptions{ListenOptions: listen, Users: users(s.Accounts)},
		}, nil
	case *config.MixedInbound:
		return O.Inbound{
			Type:    C.TypeMixed,
			Tag:     InboundTag,
			Options: &O.HTTPMixedInboundOptions{ListenOptions: listen, Users: users(s.Accounts)},
		}, nil
	case nil:
		// settings are optional for everything but tun
		switch in.Protocol {
		case config.ProtocolSocks:
			return O.Inbound{Type: C.TypeSOCKS, Tag: InboundTag, Options: &O.SocksInboundOptions{ListenOptions: listen}}, nil
		case config.ProtocolHTTP:
			return O.Inbound{Type: C.TypeHTTP, Tag: InboundTag, Options: &O.HTTPMixedInboundOptions{ListenOptions: listen}}, nil
		case config.ProtocolMixed:
			return O.Inbound{Type: C.TypeMixed, Tag: InboundTag, Options: &O.HTTPMixedInboundOptions{ListenOptions: listen}}, nil
		}
	}
	return O.Inbound{}, fmt.Errorf("unsupported inbound protocol %q", in.Protocol)
}

func serverOptions(address string, port int) O.ServerOptions {
	return O.ServerOptions{Server: address, ServerPort: uint16(port)}
}

func buildOutbound(out *config.Outbound) (O.Outbound, error) {
	tls := buildTLS(out.StreamSettings)
	transport := buildTransport(out.StreamSettings)
	switch s := out.Settings.(type) {
	case *config.VMessOutbound:
		if len(s.Vnext) == 0 || len(s.Vnext[0].Users) == 0 {
			return O.Outbound{}, fmt.Errorf("vmess requires a server with a user")
		}
		srv, user := s.Vnext[0], s.Vnext[0].Users[0]
		security := user.Security
		if security == "" {
			security = "auto"
		}
		return O.Outbound{
			Type: C.TypeVMess,
			Tag:  config.TagProxy,
			Options: &O.VMessOutboundOptions{
				ServerOptions:               serverOptions(srv.Address, srv.Port),
				UUID:                        user.ID,
				Security:                    security,
				AlterId:                     user.AlterID,
				OutboundTLSOptionsContainer: tls,
				Transport:                   transport,
			},
		}, nil
	case *config.VLESSOutbound:
		if len(s.Vnext) == 0 || len(s.Vnext[0].Users) == 0 {
			return O.Outbound{}, fmt.Errorf("vless requires a server with a user")
		}
		srv, user := s.Vnext[0], s.Vnext[0].Users[0]
		return O.Outbound{
			Type: C.TypeVLESS,
			Tag:  config.TagProxy,
			Options: &O.VLESSOutboundOptions{
				ServerOptions:               serverOptions(srv.Address, srv.Port),
				UUID:                        user.ID,
				Flow:                        user.Flow,
				OutboundTLSOptionsContainer: tls,
				Transport:                   transport,
			},
		}, nil
	case *config.TrojanOutbound:
		if len(s.Servers) == 0 {
			return O.Outbound{}, fmt.Errorf("trojan requires a server")
		}
		srv := s.Servers[0]
		if tls.TLS == nil {
			tls.TLS = &O.OutboundTLSOptions{Enabled: true}
		}
		return O.Outbound{
			Type: C.TypeTrojan,
			Tag:  config.TagProxy,
			Options: &O.TrojanOutboundOptions{
				ServerOptions:               serverOptions(srv.Address, srv.Port),
				Password:                    srv.Password,
				OutboundTLSOptionsContainer: tls,
				Transport:                   transport,
			},
		}, nil
	case *config.ShadowsocksOutbound:
		if len(s.Servers) == 0 {
			return O.Outbound{}, fmt.Errorf("shadowsocks requires a server")
		}
		srv := s.Servers[0]
		return O.Outbound{
			Type: C.TypeShadowsocks,
			Tag:  config.TagProxy,
			Options: &O.ShadowsocksOutboundOptions{
				ServerOptions: serverOptions(srv.Address, srv.Port),
				Method:        srv.Method,
				Password:      srv.Password,
			},
		}, nil
	case *config.SocksOutbound:
		if len(s.Servers) == 0 {
			return O.Outbound{}, fmt.Errorf("socks requires a server")
		}
		srv := s.Servers[0]
		opts := &O.SOCKSOutboundOptions{
			ServerOptions: serverOptions(srv.Address, srv.Port),
			Version:       "5",
		}
		if len(srv.Users) > 0 {
			opts.Username, opts.Password = srv.Users[0].User, srv.Users[0].Pass
		}
		return O.Outbound{Type: C.TypeSOCKS, Tag: config.TagProxy, Options: opts}, nil
	}
	switch out.Protocol {
	case config.ProtocolFreedom:
		return O.Outbound{Type: C.TypeDirect, Tag: config.TagProxy, Options: &O.DirectOutboundOptions{}}, nil
	case config.ProtocolBlackhole:
		return O.Outbound{Type: C.TypeBlock, Tag: config.TagProxy, Options: &O.StubOptions{}}, nil
	}
	return O.Outbound{}, fmt.Errorf("unsupported outbound protocol %q", out.Protocol)
}

func buildTLS(s *config.StreamSettings) O.OutboundTLSOptionsContainer {
	if s == nil {
		return O.OutboundTLSOptionsContainer{}
	}
	switch s.Security {
	case config.SecurityTLS:
		opts := &O.OutboundTLSOptions{Enabled: true}
		if t := s.TLS; t != nil {
			opts.ServerName = t.ServerName
			opts.Insecure = t.AllowInsecure
			if len(t.ALPN) > 0 {
				opts.ALPN = badoption.Listable[string](t.ALPN)
			}
			if t.Fingerprint != "" {
				opts.UTLS = &O.OutboundUTLSOptions{Enabled: true, Fingerprint: t.Fingerprint}
			}
		}
		return O.OutboundTLSOptionsContainer{TLS: opts}
	case config.SecurityReality:
		r := s.Reality
		if r == nil {
			r = &config.RealitySettings{}
		}
		fingerprint := r.Fingerprint
		if fingerprint == "" {
			fingerprint = "chrome"
		}
		// reality requires uTLS
		return O.OutboundTLSOptionsContainer{TLS: &O.OutboundTLSOptions{
			Enabled:    true,
			ServerName: r.ServerName,
			UTLS:       &O.OutboundUTLSOptions{Enabled: true, Fingerprint: fingerprint},
			Reality: &O.OutboundRealityOptions{
				Enabled:   true,
				PublicKey: r.PublicKey,
				ShortID:   r.ShortID,
			},
		}}
	}
	return O.OutboundTLSOptionsContainer{}
}

func buildTransport(s *config.StreamSettings) *O.V2RayTransportOptions {
	switch s.NetworkOrDefault() {
	case config.NetworkWS:
		opts := &O.V2RayTransportOptions{Type: C.V2RayTransportTypeWebsocket}
		if s.WS != nil {
			opts.WebsocketOptions.Path = s.WS.Path
			if s.WS.Host != "" {
				opts.WebsocketOptions.Headers = badoption.HTTPHeader{"Host": badoption.Listable[string]{s.WS.Host}}
			}
		}
		return opts
	case config.NetworkGRPC:
		opts := &O.V2RayTransportOptions{Type: C.V2RayTransportTypeGRPC}
		if s.GRPC != nil {
			opts.GRPCOptions.ServiceName = s.GRPC.ServiceName
		}
		return opts
	case config.NetworkHTTP:
		opts := &O.V2RayTransportOptions{Type: C.V2RayTransportTypeHTTP}
		if s.HTTP != nil {
			opts.HTTPOptions.Host = badoption.Listable[string](s.HTTP.Host)
			opts.HTTPOptions.Path = s.HTTP.Path
		}
		return opts
	case config.NetworkHTTPUpgrade:
		opts := &O.V2RayTransportOptions{Type: C.V2RayTransportTypeHTTPUpgrade}
		if s.HTTPUpgrade != nil {
			opts.HTTPUpgradeOptions.Host = s.HTTPUpgrade.Host
			opts.HTTPUpgradeOptions.Path = s.HTTPUpgrade.Path
		}
		return opts
	}
	return nil
}

// RuleSetPath returns the path of the rule-set asset name in assetDir.
func RuleSetPath(assetDir, name string) string {
	return filepath.Join(assetDir, name+RuleSetExt)
}

func buildRoute(cfg *config.Config, assetDir string) *O.RouteOptions {
	route := &O.RouteOptions{Final: config.TagProxy}
	if cfg.Inbound.Protocol == config.ProtocolTun {
		// routing rules are evaluated in order and the first match wins, so sniffing and DNS
		// hijacking must come before any user rule
		route.AutoDetectInterface = true
		route.Rules = append(route.Rules,
			O.Rule{
				Type: C.RuleTypeDefault,
				DefaultOptions: O.DefaultRule{
					RuleAction: O.RuleAction{Action: C.RuleActionTypeSniff},
				},
			},
			O.Rule{
				Type: C.RuleTypeDefault,
				DefaultOptions: O.DefaultRule{
					RawDefaultRule: O.RawDefaultRule{Protocol: []string{"dns"}},
					RuleAction:     O.RuleAction{Action: C.RuleActionTypeHijackDNS},
				},
			},
		)
	}
	if cfg.Routing != nil {
		for _, r := range cfg.Routing.Rules {
			route.Rules = append(route.Rules, buildRule(r))
		}
	}
	for _, name := range cfg.RuleSets() {
		route.RuleSet = append(route.RuleSet, O.RuleSet{
			Type:         C.RuleSetTypeLocal,
			Tag:          name,
			Format:       C.RuleSetFormatBinary,
			LocalOptions: O.LocalRuleSet{Path: RuleSetPath(assetDir, name)},
		})
	}
	return route
}

func buildRule(r config.Rule) O.Rule {
	action := O.RuleAction{
		Action:       C.RuleActionTypeRoute,
		RouteOptions: O.RouteActionOptions{Outbound: r.OutboundTag},
	}
	if r.OutboundTag == config.TagBlock {
		action = O.RuleAction{Action: C.RuleActionTypeReject}
	}
	raw := O.RawDefaultRule{}
	if len(r.Domain) > 0 {
		raw.Domain = badoption.Listable[string](r.Domain)
	}
	if len(r.DomainSuffix) > 0 {
		raw.DomainSuffix = badoption.Listable[string](r.DomainSuffix)
	}
	if len(r.IP) > 0 {
		raw.IPCIDR = badoption.Listable[string](r.IP)
	}
	if len(r.RuleSet) > 0 {
		raw.RuleSet = badoption.Listable[string](r.RuleSet)
	}
	return O.Rule{
		Type: C.RuleTypeDefault,
		DefaultOptions: O.DefaultRule{
			RawDefaultRule: raw,
			RuleAction:     action,
		},
	}
}

func buildDNS(d *config.DNS, detour string) (*O.DNSOptions, error) {
	servers := make([]O.DNSServerOptions, 0, len(d.Servers))
	for i, entry := range d.Servers {
		s, err := config.ParseDNSServer(entry)
		if err != nil {
			return nil, err
		}
		remote := O.RemoteDNSServerOptions{
			DNSServerAddressOptions: O.DNSServerAddressOptions{Server: s.Host, ServerPort: uint16(s.Port)},
		}
		remote.Detour = detour
		server := O.DNSServerOptions{Tag: fmt.Sprintf("dns-%d", i)}
		switch s.Scheme {
		case "udp":
			server.Type = C.DNSTypeUDP
			server.Options = &remote
		case "tls":
			server.Type = C.DNSTypeTLS
			server.Options = &O.RemoteTLSDNSServerOptions{RemoteDNSServerOptions: remote}
		case "https":
			server.Type = C.DNSTypeHTTPS
			server.Options = &O.RemoteHTTPSDNSServerOptions{
				Path:                      s.Path,
				RemoteTLSDNSServerOptions: O.RemoteTLSDNSServerOptions{RemoteDNSServerOptions: remote},
			}
		default:
			return nil, fmt.Errorf("unsupported dns scheme %q", s.Scheme)
		}
		servers = append(servers, server)
	}
	opts := &O.DNSOptions{}
	opts.Servers = servers
	opts.Final = servers[0].Tag
	return opts, nil
}
