package config

// Builder assembles a Config step by step. Each call replaces the previous inbound or outbound;
// routing rules and DNS servers accumulate. Build validates the result.
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) LogLevel(level string) *Builder {
	b.cfg.Log = &Log{Level: level}
	return b
}

// Socks listens for socks5 connections. With accounts, password auth is required.
func (b *Builder) Socks(listen string, port int, udp bool, accounts ...Account) *Builder {
	settings := &SocksInbound{Auth: SocksNoAuth, UDP: udp}
	if len(accounts) > 0 {
		settings.Auth = SocksPassword
		settings.Accounts = accounts
	}
	b.cfg.Inbound = &Inbound{Protocol: ProtocolSocks, Listen: listen, Port: port, Settings: settings}
	return b
}

func (b *Builder) HTTP(listen string, port int, accounts ...Account) *Builder {
	b.cfg.Inbound = &Inbound{
		Protocol: ProtocolHTTP,
		Listen:   listen,
		Port:     port,
		Settings: &HTTPInbound{Accounts: accounts},
	}
	return b
}

func (b *Builder) Mixed(listen string, port int, accounts ...Account) *Builder {
	b.cfg.Inbound = &Inbound{
		Protocol: ProtocolMixed,
		Listen:   listen,
		Port:     port,
		Settings: &MixedInbound{Accounts: accounts},
	}
	return b
}

func (b *Builder) VMess(address string, port int, id string, alterID int, security string) *Builder {
	if security == "" {
		security = "auto"
	}
	b.cfg.Outbound = &Outbound{
		Protocol: ProtocolVMess,
		Settings: &VMessOutbound{Vnext: []VMessServer{{
			Address: address,
			Port:    port,
			Users:   []VMessUser{{ID: id, AlterID: alterID, Security: security}},
		}}},
	}
	return b
}

func (b *Builder) VLESS(address string, port int, id, flow string) *Builder {
	b.cfg.Outbound = &Outbound{
		Protocol: ProtocolVLESS,
		Settings: &VLESSOutbound{Vnext: []VLESSServer{{
			Address: address,
			Port:    port,
			Users:   []VLESSUser{{ID: id, Flow: flow, Encryption: "none"}},
		}}},
	}
	return b
}

func (b *Builder) Trojan(address string, port int, password string) *Builder {
	b.cfg.Outbound = &Outbound{
		Protocol: ProtocolTrojan,
		Settings: &TrojanOutbound{Servers: []TrojanServer{{Address: address, Port: port, Password: password}}},
	}
	return b
}

func (b *Builder) Shadowsocks(address string, port int, method, password string) *Builder {
	b.cfg.Outbound = &Outbound{
		Protocol: ProtocolShadowsocks,
		Settings: &ShadowsocksOutbound{Servers: []ShadowsocksServer{{
			Address:  address,
			Port:     port,
			Method:   method,
			Password: password,
		}}},
	}
	return b
}

func (b *Builder) Freedom() *Builder {
	b.cfg.Outbound = &Outbound{Protocol: ProtocolFreedom, Settings: &FreedomOutbound{}}
	return b
}

func (b *Builder) Blackhole() *Builder {
	b.cfg.Outbound = &Outbound{Protocol: ProtocolBlackhole, Settings: &BlackholeOutbound{}}
	return b
}

// Outbound sets a fully specified outbound, e.g. one parsed from a share link.
func (b *Builder) Outbound(out *Outbound) *Builder {
	b.cfg.Outbound = out
	return b
}

// Stream sets the transport and TLS settings of the current outbound.
func (b *Builder) Stream(s *StreamSettings) *Builder {
	if b.cfg.Outbound != nil {
		b.cfg.Outbound.StreamSettings = s
	}
	return b
}

// Route appends a routing rule.
func (b *Builder) Route(rule Rule) *Builder {
	if b.cfg.Routing == nil {
		b.cfg.Routing = &Routing{}
	}
	b.cfg.Routing.Rules = append(b.cfg.Routing.Rules, rule)
	return b
}

// DNS appends DNS servers.
func (b *Builder) DNS(servers ...string) *Builder {
	if b.cfg.DNS == nil {
		b.cfg.DNS = &DNS{}
	}
	b.cfg.DNS.Servers = append(b.cfg.DNS.Servers, servers...)
	return b
}

// Build validates and returns a copy of the assembled config.
func (b *Builder) Build() (*Config, error) {
	if err := Validate(&b.cfg); err != nil {
		return nil, err
	}
	return b.cfg.Clone()
}
