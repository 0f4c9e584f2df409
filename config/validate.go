package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// FieldError describes a single invalid field. Field is the dotted path of the field in the
// document, e.g. "outbound.settings.vnext[0].port".
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Msg
}

func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

// ShadowsocksMethods lists the ciphers accepted for shadowsocks outbounds.
var ShadowsocksMethods = []string{
	"2022-blake3-aes-128-gcm",
	"2022-blake3-aes-256-gcm",
	"2022-blake3-chacha20-poly1305",
	"aes-128-gcm",
	"aes-192-gcm",
	"aes-256-gcm",
	"chacha20-ietf-poly1305",
	"xchacha20-ietf-poly1305",
	"none",
}

var (
	logLevels      = []string{LogDebug, LogInfo, LogWarning, LogError, LogNone}
	vmessSecurity  = []string{"", "auto", "none", "zero", "aes-128-gcm", "chacha20-poly1305"}
	vlessFlows     = []string{"", "xtls-rprx-vision"}
	networks       = []string{"", NetworkTCP, NetworkWS, NetworkGRPC, NetworkHTTP, NetworkHTTPUpgrade}
	securityModes  = []string{"", SecurityNone, SecurityTLS, SecurityReality}
	outboundTags   = []string{TagProxy, TagDirect, TagBlock}
	ruleSetPattern = regexp.MustCompile(`^(geoip|geosite)-[a-z0-9@!._-]+$`)
)

// ValidRuleSetName reports whether name is a valid rule-set asset name, e.g. geoip-cn.
func ValidRuleSetName(name string) bool {
	return ruleSetPattern.MatchString(name)
}

type validator struct {
	errs []error
}

func (v *validator) fail(field, format string, args ...any) {
	v.errs = append(v.errs, &FieldError{Field: field, Msg: fmt.Sprintf(format, args...)})
}

func (v *validator) port(field string, port int) {
	if port < 1 || port > 65535 {
		v.fail(field, "port %d out of range 1-65535", port)
	}
}

func (v *validator) host(field, host string) {
	if host == "" {
		v.fail(field, "address is required")
		return
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return
	}
	if _, ok := dns.IsDomainName(host); !ok || strings.ContainsAny(host, " /:") {
		v.fail(field, "invalid address %q", host)
	}
}

func (v *validator) uuid(field, id string) {
	if _, err := uuid.Parse(id); err != nil {
		v.fail(field, "invalid uuid %q", id)
	}
}

func (v *validator) oneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		v.fail(field, "unsupported value %q", value)
	}
}

// Validate checks cfg for missing or malformed fields. All problems are reported together as
// joined *FieldError values, each wrapping ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &FieldError{Field: "config", Msg: "config is required"}
	}
	v := &validator{}
	v.inbound(cfg.Inbound)
	v.outbound(cfg.Outbound)
	if cfg.Log != nil && cfg.Log.Level != "" {
		v.oneOf("log.loglevel", cfg.Log.Level, logLevels)
	}
	v.routing(cfg.Routing)
	v.dns(cfg.DNS)
	return errors.Join(v.errs...)
}

func (v *validator) inbound(in *Inbound) {
	if in == nil {
		v.fail("inbound", "inbound is required")
		return
	}
	if in.Protocol == "" {
		v.fail("inbound.protocol", "protocol is required")
		return
	}
	if _, ok := inboundTypes[in.Protocol]; !ok {
		v.fail("inbound.protocol", "unsupported protocol %q", in.Protocol)
		return
	}
	if in.Settings != nil && in.Settings.inboundProtocol() != in.Protocol {
		v.fail("inbound.settings", "settings for %s do not match protocol %s", in.Settings.inboundProtocol(), in.Protocol)
		return
	}
	if in.Protocol != ProtocolTun {
		v.port("inbound.port", in.Port)
		if _, err := netip.ParseAddr(in.ListenAddr()); err != nil {
			v.fail("inbound.listen", "listen must be an IP address, got %q", in.Listen)
		}
	}

	switch s := in.Settings.(type) {
	case *SocksInbound:
		switch s.Auth {
		case "", SocksNoAuth:
		case SocksPassword:
			if len(s.Accounts) == 0 {
				v.fail("inbound.settings.accounts", "password auth requires at least one account")
			}
		default:
			v.fail("inbound.settings.auth", "unsupported auth %q", s.Auth)
		}
		v.accounts("inbound.settings.accounts", s.Accounts)
	case *HTTPInbound:
		v.accounts("inbound.settings.accounts", s.Accounts)
	case *MixedInbound:
		v.accounts("inbound.settings.accounts", s.Accounts)
	case *TunInbound:
		if len(s.Address) == 0 {
			v.fail("inbound.settings.address", "at least one address is required")
		}
		for i, addr := range s.Address {
			if _, err := netip.ParsePrefix(addr); err != nil {
				v.fail(fmt.Sprintf("inbound.settings.address[%d]", i), "invalid prefix %q", addr)
			}
		}
		if s.MTU > 65535 {
			v.fail("inbound.settings.mtu", "mtu %d too large", s.MTU)
		}
	case nil:
		if in.Protocol == ProtocolTun {
			v.fail("inbound.settings", "tun requires settings")
		}
	}
}

func (v *validator) accounts(field string, accounts []Account) {
	for i, a := range accounts {
		if a.User == "" {
			v.fail(fmt.Sprintf("%s[%d].user", field, i), "user is required")
		}
	}
}

func (v *validator) outbound(out *Outbound) {
	if out == nil {
		v.fail("outbound", "outbound is required")
		return
	}
	if out.Protocol == "" {
		v.fail("outbound.protocol", "protocol is required")
		return
	}
	if _, ok := outboundTypes[out.Protocol]; !ok {
		v.fail("outbound.protocol", "unsupported protocol %q", out.Protocol)
		return
	}
	if out.Settings != nil && out.Settings.outboundProtocol() != out.Protocol {
		v.fail("outbound.settings", "settings for %s do not match protocol %s", out.Settings.outboundProtocol(), out.Protocol)
		return
	}

	const field = "outbound.settings"
	switch s := out.Settings.(type) {
	case *VMessOutbound:
		if len(s.Vnext) == 0 {
			v.fail(field+".vnext", "at least one server is required")
		}
		for i, srv := range s.Vnext {
			prefix := fmt.Sprintf("%s.vnext[%d]", field, i)
			v.host(prefix+".address", srv.Address)
			v.port(prefix+".port", srv.Port)
			if len(srv.Users) == 0 {
				v.fail(prefix+".users", "at least one user is required")
			}
			for j, u := range srv.Users {
				v.uuid(fmt.Sprintf("%s.users[%d].id", prefix, j), u.ID)
				v.oneOf(fmt.Sprintf("%s.users[%d].security", prefix, j), u.Security, vmessSecurity)
				if u.AlterID < 0 {
					v.fail(fmt.Sprintf("%s.users[%d].alterId", prefix, j), "alterId must not be negative")
				}
			}
		}
	case *VLESSOutbound:
		if len(s.Vnext) == 0 {
			v.fail(field+".vnext", "at least one server is required")
		}
		for i, srv := range s.Vnext {
			prefix := fmt.Sprintf("%s.vnext[%d]", field, i)
			v.host(prefix+".address", srv.Address)
			v.port(prefix+".port", srv.Port)
			if len(srv.Users) == 0 {
				v.fail(prefix+".users", "at least one user is required")
			}
			for j, u := range srv.Users {
				v.uuid(fmt.Sprintf("%s.users[%d].id", prefix, j), u.ID)
				v.oneOf(fmt.Sprintf("%s.users[%d].flow", prefix, j), u.Flow, vlessFlows)
				if u.Encryption != "" && u.Encryption != "none" {
					v.fail(fmt.Sprintf("%s.users[%d].encryption", prefix, j), "unsupported encryption %q", u.Encryption)
				}
			}
		}
	case *TrojanOutbound:
		if len(s.Servers) == 0 {
			v.fail(field+".servers", "at least one server is required")
		}
		for i, srv := range s.Servers {
			prefix := fmt.Sprintf("%s.servers[%d]", field, i)
			v.host(prefix+".address", srv.Address)
			v.port(prefix+".port", srv.Port)
			if srv.Password == "" {
				v.fail(prefix+".password", "password is required")
			}
		}
	case *ShadowsocksOutbound:
		if len(s.Servers) == 0 {
			v.fail(field+".servers", "at least one server is required")
		}
		for i, srv := range s.Servers {
			prefix := fmt.Sprintf("%s.servers[%d]", field, i)
			v.host(prefix+".address", srv.Address)
			v.port(prefix+".port", srv.Port)
			v.oneOf(prefix+".method", srv.Method, ShadowsocksMethods)
			if srv.Password == "" && srv.Method != "none" {
				v.fail(prefix+".password", "password is required")
			}
		}
	case *SocksOutbound:
		if len(s.Servers) == 0 {
			v.fail(field+".servers", "at least one server is required")
		}
		for i, srv := range s.Servers {
			prefix := fmt.Sprintf("%s.servers[%d]", field, i)
			v.host(prefix+".address", srv.Address)
			v.port(prefix+".port", srv.Port)
			v.accounts(prefix+".users", srv.Users)
		}
	case nil:
		switch out.Protocol {
		case ProtocolFreedom, ProtocolBlackhole:
		default:
			v.fail(field, "%s requires settings", out.Protocol)
		}
	}
	v.stream(out)
}

func (v *validator) stream(out *Outbound) {
	s := out.StreamSettings
	if s == nil {
		return
	}
	const field = "outbound.streamSettings"
	switch out.Protocol {
	case ProtocolVMess, ProtocolVLESS, ProtocolTrojan:
	default:
		v.fail(field, "stream settings are not supported for %s", out.Protocol)
		return
	}
	v.oneOf(field+".network", s.Network, networks)
	v.oneOf(field+".security", s.Security, securityModes)
	if s.Security == SecurityReality {
		if out.Protocol != ProtocolVLESS {
			v.fail(field+".security", "reality is only supported for vless")
		}
		if s.Reality == nil || s.Reality.PublicKey == "" {
			v.fail(field+".realitySettings.publicKey", "public key is required")
		}
	}
}

func (v *validator) routing(r *Routing) {
	if r == nil {
		return
	}
	for i, rule := range r.Rules {
		prefix := fmt.Sprintf("routing.rules[%d]", i)
		v.oneOf(prefix+".outboundTag", rule.OutboundTag, outboundTags)
		if len(rule.Domain)+len(rule.DomainSuffix)+len(rule.IP)+len(rule.RuleSet) == 0 {
			v.fail(prefix, "rule has no matchers")
		}
		for j, ip := range rule.IP {
			if _, err := netip.ParsePrefix(ip); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(ip); err != nil {
				v.fail(fmt.Sprintf("%s.ip[%d]", prefix, j), "invalid ip or cidr %q", ip)
			}
		}
		for j, name := range rule.RuleSet {
			if !ValidRuleSetName(name) {
				v.fail(fmt.Sprintf("%s.ruleSet[%d]", prefix, j), "invalid rule set %q", name)
			}
		}
	}
}

func (v *validator) dns(d *DNS) {
	if d == nil {
		return
	}
	for i, server := range d.Servers {
		field := fmt.Sprintf("dns.servers[%d]", i)
		if _, err := ParseDNSServer(server); err != nil {
			v.fail(field, "%v", err)
		}
	}
}

// DNSServer is a parsed DNS server entry.
type DNSServer struct {
	// Scheme is one of udp, tls or https.
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ParseDNSServer parses a DNS server entry such as 8.8.8.8, tls://1.1.1.1 or
// https://dns.google/dns-query.
func ParseDNSServer(server string) (DNSServer, error) {
	if addr, err := netip.ParseAddr(server); err == nil {
		return DNSServer{Scheme: "udp", Host: addr.String()}, nil
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return DNSServer{}, fmt.Errorf("invalid dns server %q", server)
	}
	s := DNSServer{Scheme: u.Scheme, Host: u.Hostname(), Path: u.Path}
	switch u.Scheme {
	case "udp", "tls":
		if _, err := netip.ParseAddr(s.Host); err != nil {
			if _, ok := dns.IsDomainName(s.Host); !ok {
				return DNSServer{}, fmt.Errorf("invalid dns server %q", server)
			}
		}
	case "https":
		if s.Path == "" {
			s.Path = "/dns-query"
		}
	default:
		return DNSServer{}, fmt.Errorf("unsupported dns scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return DNSServer{}, fmt.Errorf("invalid dns server port %q", p)
		}
		s.Port = port
	}
	return s, nil
}
