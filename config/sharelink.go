package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sagernet/sing/common/json"
)

// ErrUnsupportedLink is returned for share links with an unknown scheme.
var ErrUnsupportedLink = errors.New("unsupported share link")

// ParseShareLink parses a vmess://, vless://, trojan:// or ss:// share link into an outbound. The
// link's remark (fragment, or "ps" for vmess) is returned alongside.
func ParseShareLink(link string) (*Outbound, string, error) {
	link = strings.TrimSpace(link)
	scheme, _, ok := strings.Cut(link, "://")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing scheme", ErrUnsupportedLink)
	}
	var (
		out    *Outbound
		remark string
		err    error
	)
	switch strings.ToLower(scheme) {
	case "vmess":
		out, remark, err = parseVMessLink(strings.TrimPrefix(link[len(scheme):], "://"))
	case "vless", "trojan", "ss", "shadowsocks":
		var u *url.URL
		if u, err = url.Parse(link); err != nil {
			return nil, "", fmt.Errorf("failed to parse URL: %w", err)
		}
		out, err = parseURL(u)
		remark = u.Fragment
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedLink, scheme)
	}
	if err != nil {
		return nil, "", err
	}
	return out, remark, nil
}

func parseURL(u *url.URL) (*Outbound, error) {
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("missing server address")
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse server port: %w", err)
	}
	query := u.Query()

	switch strings.ToLower(u.Scheme) {
	case "ss", "shadowsocks":
		method, password, err := decodeShadowsocksUser(u)
		if err != nil {
			return nil, err
		}
		return &Outbound{
			Protocol: ProtocolShadowsocks,
			Settings: &ShadowsocksOutbound{Servers: []ShadowsocksServer{{
				Address:  host,
				Port:     int(port),
				Method:   method,
				Password: password,
			}}},
		}, nil
	case "trojan":
		if !query.Has("security") {
			// trojan is always tls unless the link says otherwise
			query.Set("security", SecurityTLS)
		}
		stream := streamFromQuery(query)
		return &Outbound{
			Protocol: ProtocolTrojan,
			Settings: &TrojanOutbound{Servers: []TrojanServer{{
				Address:  host,
				Port:     int(port),
				Password: u.User.Username(),
			}}},
			StreamSettings: stream.orNil(),
		}, nil
	case "vless":
		return &Outbound{
			Protocol: ProtocolVLESS,
			Settings: &VLESSOutbound{Vnext: []VLESSServer{{
				Address: host,
				Port:    int(port),
				Users: []VLESSUser{{
					ID:         u.User.Username(),
					Flow:       query.Get("flow"),
					Encryption: query.Get("encryption"),
				}},
			}}},
			StreamSettings: streamFromQuery(query).orNil(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedLink, u.Scheme)
}

// decodeShadowsocksUser extracts method and password from the SIP002 userinfo, which is either
// base64(method:password) or a plain method:password pair.
func decodeShadowsocksUser(u *url.URL) (method, password string, err error) {
	if u.User == nil {
		return "", "", errors.New("missing shadowsocks credentials")
	}
	if pass, ok := u.User.Password(); ok {
		return u.User.Username(), pass, nil
	}
	decoded, err := decodeBase64(u.User.Username())
	if err != nil {
		return "", "", fmt.Errorf("couldn't decode shadowsocks credentials: %w", err)
	}
	method, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", errors.New("couldn't parse shadowsocks method and password from username")
	}
	return method, password, nil
}

func decodeBase64(s string) ([]byte, error) {
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		var b []byte
		if b, err = enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, err
}

type stream StreamSettings

func streamFromQuery(q url.Values) *stream {
	s := &stream{Network: q.Get("type"), Security: q.Get("security")}
	if s.Network == "tcp" {
		s.Network = ""
	}
	switch s.Network {
	case NetworkWS:
		s.WS = &WSSettings{Path: q.Get("path"), Host: q.Get("host")}
	case NetworkGRPC:
		s.GRPC = &GRPCSettings{ServiceName: q.Get("serviceName")}
	case NetworkHTTP:
		s.HTTP = &HTTPSettings{Path: q.Get("path")}
		if h := q.Get("host"); h != "" {
			s.HTTP.Host = strings.Split(h, ",")
		}
	case NetworkHTTPUpgrade:
		s.HTTPUpgrade = &HTTPUpgradeSettings{Path: q.Get("path"), Host: q.Get("host")}
	}
	switch s.Security {
	case SecurityTLS:
		s.TLS = &TLSSettings{
			ServerName:    q.Get("sni"),
			Fingerprint:   q.Get("fp"),
			AllowInsecure: q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true",
		}
		if alpn := q.Get("alpn"); alpn != "" {
			s.TLS.ALPN = strings.Split(alpn, ",")
		}
	case SecurityReality:
		s.Reality = &RealitySettings{
			ServerName:  q.Get("sni"),
			PublicKey:   q.Get("pbk"),
			ShortID:     q.Get("sid"),
			Fingerprint: q.Get("fp"),
		}
	}
	return s
}

func (s *stream) orNil() *StreamSettings {
	if s.Network == "" && (s.Security == "" || s.Security == SecurityNone) {
		return nil
	}
	return (*StreamSettings)(s)
}

// flexInt accepts both JSON numbers and numeric strings; vmess links in the wild use either.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type vmessLink struct {
	V        string  `json:"v"`
	PS       string  `json:"ps"`
	Addr     string  `json:"add"`
	Port     flexInt `json:"port"`
	ID       string  `json:"id"`
	Aid      flexInt `json:"aid"`
	Security string  `json:"scy,omitempty"`
	Net      string  `json:"net,omitempty"`
	Type     string  `json:"type,omitempty"`
	Host     string  `json:"host,omitempty"`
	Path     string  `json:"path,omitempty"`
	TLS      string  `json:"tls,omitempty"`
	Sni      string  `json:"sni,omitempty"`
	ALPN     string  `json:"alpn,omitempty"`
	Fp       string  `json:"fp,omitempty"`
}

func parseVMessLink(encoded string) (*Outbound, string, error) {
	jsonEncoded, err := decodeBase64(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't decode vmess base64: %w", err)
	}
	var link vmessLink
	if err := json.Unmarshal(jsonEncoded, &link); err != nil {
		return nil, "", fmt.Errorf("couldn't parse vmess json: %w", err)
	}
	q := url.Values{}
	q.Set("type", link.Net)
	q.Set("host", link.Host)
	q.Set("path", link.Path)
	q.Set("sni", link.Sni)
	q.Set("alpn", link.ALPN)
	q.Set("fp", link.Fp)
	if link.TLS == SecurityTLS {
		q.Set("security", SecurityTLS)
	}
	s := streamFromQuery(q)
	if s.Network == NetworkGRPC {
		s.GRPC.ServiceName = link.Path
	}
	out := &Outbound{
		Protocol: ProtocolVMess,
		Settings: &VMessOutbound{Vnext: []VMessServer{{
			Address: link.Addr,
			Port:    int(link.Port),
			Users:   []VMessUser{{ID: link.ID, AlterID: int(link.Aid), Security: link.Security}},
		}}},
		StreamSettings: s.orNil(),
	}
	return out, link.PS, nil
}

// ShareLink encodes out as a share link. Only vmess, vless, trojan and shadowsocks outbounds can
// be shared.
func ShareLink(out *Outbound, remark string) (string, error) {
	host, port, ok := out.Target()
	if !ok {
		return "", fmt.Errorf("%w: %s outbound", ErrUnsupportedLink, out.Protocol)
	}
	if err := shareable(out.Settings); err != nil {
		return "", err
	}
	u := &url.URL{Host: net.JoinHostPort(host, strconv.Itoa(port)), Fragment: remark}
	switch s := out.Settings.(type) {
	case *VMessOutbound:
		return vmessShareLink(s, out.StreamSettings, remark)
	case *VLESSOutbound:
		u.Scheme = "vless"
		user := s.Vnext[0].Users[0]
		u.User = url.User(user.ID)
		q := streamQuery(out.StreamSettings)
		if user.Encryption != "" {
			q.Set("encryption", user.Encryption)
		}
		if user.Flow != "" {
			q.Set("flow", user.Flow)
		}
		u.RawQuery = q.Encode()
	case *TrojanOutbound:
		u.Scheme = "trojan"
		u.User = url.User(s.Servers[0].Password)
		u.RawQuery = streamQuery(out.StreamSettings).Encode()
	case *ShadowsocksOutbound:
		u.Scheme = "ss"
		srv := s.Servers[0]
		u.User = url.User(base64.RawURLEncoding.EncodeToString([]byte(srv.Method + ":" + srv.Password)))
	default:
		return "", fmt.Errorf("%w: %s outbound", ErrUnsupportedLink, out.Protocol)
	}
	return u.String(), nil
}

func shareable(settings OutboundSettings) error {
	switch s := settings.(type) {
	case *VMessOutbound:
		if len(s.Vnext[0].Users) == 0 {
			return errors.New("vmess server has no users")
		}
	case *VLESSOutbound:
		if len(s.Vnext[0].Users) == 0 {
			return errors.New("vless server has no users")
		}
	}
	return nil
}

func streamQuery(s *StreamSettings) url.Values {
	q := url.Values{}
	if s == nil {
		return q
	}
	if s.Network != "" {
		q.Set("type", s.Network)
	}
	if s.Security != "" {
		q.Set("security", s.Security)
	}
	switch {
	case s.WS != nil:
		setIf(q, "path", s.WS.Path)
		setIf(q, "host", s.WS.Host)
	case s.GRPC != nil:
		setIf(q, "serviceName", s.GRPC.ServiceName)
	case s.HTTP != nil:
		setIf(q, "path", s.HTTP.Path)
		setIf(q, "host", strings.Join(s.HTTP.Host, ","))
	case s.HTTPUpgrade != nil:
		setIf(q, "path", s.HTTPUpgrade.Path)
		setIf(q, "host", s.HTTPUpgrade.Host)
	}
	switch {
	case s.TLS != nil:
		setIf(q, "sni", s.TLS.ServerName)
		setIf(q, "alpn", strings.Join(s.TLS.ALPN, ","))
		setIf(q, "fp", s.TLS.Fingerprint)
		if s.TLS.AllowInsecure {
			q.Set("allowInsecure", "1")
		}
	case s.Reality != nil:
		setIf(q, "sni", s.Reality.ServerName)
		setIf(q, "pbk", s.Reality.PublicKey)
		setIf(q, "sid", s.Reality.ShortID)
		setIf(q, "fp", s.Reality.Fingerprint)
	}
	return q
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

type vmessLinkOut struct {
	V        string `json:"v"`
	PS       string `json:"ps"`
	Addr     string `json:"add"`
	Port     string `json:"port"`
	ID       string `json:"id"`
	Aid      string `json:"aid"`
	Security string `json:"scy,omitempty"`
	Net      string `json:"net"`
	Type     string `json:"type"`
	Host     string `json:"host,omitempty"`
	Path     string `json:"path,omitempty"`
	TLS      string `json:"tls,omitempty"`
	Sni      string `json:"sni,omitempty"`
	ALPN     string `json:"alpn,omitempty"`
	Fp       string `json:"fp,omitempty"`
}

func vmessShareLink(s *VMessOutbound, stream *StreamSettings, remark string) (string, error) {
	srv := s.Vnext[0]
	user := srv.Users[0]
	q := streamQuery(stream)
	link := vmessLinkOut{
		V:        "2",
		PS:       remark,
		Addr:     srv.Address,
		Port:     strconv.Itoa(srv.Port),
		ID:       user.ID,
		Aid:      strconv.Itoa(user.AlterID),
		Security: user.Security,
		Net:      stream.NetworkOrDefault(),
		Type:     "none",
		Host:     q.Get("host"),
		Path:     q.Get("path"),
		Sni:      q.Get("sni"),
		ALPN:     q.Get("alpn"),
		Fp:       q.Get("fp"),
	}
	if stream != nil && stream.GRPC != nil {
		link.Path = stream.GRPC.ServiceName
	}
	if stream != nil && stream.Security == SecurityTLS {
		link.TLS = SecurityTLS
	}
	buf, err := json.Marshal(link)
	if err != nil {
		return "", err
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(buf), nil
}
