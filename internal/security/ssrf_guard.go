// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はBot通知など外部へのHTTPリクエストの送信先を制限する。
// allowPrivateがfalseの場合、プライベートIP・ループバック・リンクローカルへの送信を拒否する。
// Botが同一ホストやプライベートネットワーク上で動作する構成ではtrueにする。
type OutboundGuard struct {
	allowPrivate bool
	allowedPorts []int
}

// NewOutboundGuard はOutboundGuardを生成する。
// 許可ポートは80と443に加え、extraPortsで指定したポート。
func NewOutboundGuard(allowPrivate bool, extraPorts ...int) *OutboundGuard {
	ports := slices.Clone(defaultPorts)
	for _, p := range extraPorts {
		if !slices.Contains(ports, p) {
			ports = append(ports, p)
		}
	}
	return &OutboundGuard{allowPrivate: allowPrivate, allowedPorts: ports}
}

// NewOutboundGuardFor は送信先URLに明示されたポートを許可したOutboundGuardを生成する。
// BOT_WEBHOOK_URL が https://bot.example.com:3000/premium のようにポートを含む場合に使う。
func NewOutboundGuardFor(rawURL string, allowPrivate bool) (*OutboundGuard, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Port() == "" {
		return NewOutboundGuard(allowPrivate), nil
	}
	port, err := parsePort(parsed.Port())
	if err != nil {
		return nil, err
	}
	return NewOutboundGuard(allowPrivate, port), nil
}

// allowedSchemes は送信先として許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// defaultPorts は常に許可されるポート。
var defaultPorts = []int{80, 443}

// blockedNetworks は送信先としてブロックされるネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewClient は送信用のHTTPクライアントを生成する。
// プライベート宛てを許可しない場合はsafeurlのクライアントを返す。
// safeurlはDNS解決後のIPアドレスをDialerで検証するため、DNS再バインディングも防止される。
func (g *OutboundGuard) NewClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL は送信先URLを起動時に静的に検証する。
// スキームとホストは常に検証し、IPアドレスとホスト名の制限はallowPrivateがfalseの場合のみ適用する。
func (g *OutboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if p := parsed.Port(); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return err
		}
		if !g.allowPrivate && !slices.Contains(g.allowedPorts, port) {
			return fmt.Errorf("disallowed port: %d (allowed: %v)", port, g.allowedPorts)
		}
	}

	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	return port, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
