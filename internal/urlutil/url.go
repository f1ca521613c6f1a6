// Package urlutil parses and composes the HTTP URLs used to reach origins
// and joins request paths safely below a configured root.
package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPorts 记录各 scheme 的默认端口。
var DefaultPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// DefaultScheme 在未指定 scheme 时使用。
const DefaultScheme = "http"

// URL 是拆分后的 HTTP URL，端口总是显式保存。
type URL struct {
	Scheme   string
	Hostname string
	Port     int
	Username string
	Password string
	Path     string
	Params   string
	Query    string
	Fragment string
}

// New 以主机、端口与路径构建 http URL，port<=0 时取默认端口。
func New(hostname string, port int, path string) *URL {
	if port <= 0 {
		port = DefaultPorts[DefaultScheme]
	}
	if path == "" {
		path = "/"
	}
	return &URL{
		Scheme:   DefaultScheme,
		Hostname: strings.ToLower(hostname),
		Port:     port,
		Path:     path,
	}
}

// Parse 解析绝对 http/https URL。
func Parse(raw string) (*URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = DefaultScheme
	}
	defPort, ok := DefaultPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}

	port := defPort
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", p)
		}
	}

	u := &URL{
		Scheme:   scheme,
		Hostname: strings.ToLower(parsed.Hostname()),
		Port:     port,
		Query:    parsed.RawQuery,
		Fragment: parsed.Fragment,
	}
	if parsed.User != nil {
		u.Username = parsed.User.Username()
		u.Password, _ = parsed.User.Password()
	}
	u.Path, u.Params = splitParams(parsed.EscapedPath())
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// splitParams 拆出最后一个路径段上的 ;params。
func splitParams(p string) (string, string) {
	lastSlash := strings.LastIndex(p, "/")
	if idx := strings.Index(p[lastSlash+1:], ";"); idx >= 0 {
		cut := lastSlash + 1 + idx
		return p[:cut], p[cut+1:]
	}
	return p, ""
}

// Host 返回 Host 头使用的 hostname[:port]，默认端口省略。
func (u *URL) Host() string {
	if u.Port == 0 || u.Port == DefaultPorts[u.Scheme] {
		return u.Hostname
	}
	return net.JoinHostPort(u.Hostname, strconv.Itoa(u.Port))
}

// Netloc 在 Host 基础上附带用户信息。
func (u *URL) Netloc() string {
	host := u.Host()
	if u.Username == "" {
		return host
	}
	user := url.PathEscape(u.Username)
	if u.Password != "" {
		user += ":" + url.PathEscape(u.Password)
	}
	return user + "@" + host
}

// Location 是请求行中使用的 path;params?query#fragment。
func (u *URL) Location() string {
	var b strings.Builder
	if u.Path == "" {
		b.WriteString("/")
	} else {
		b.WriteString(u.Path)
	}
	if u.Params != "" {
		b.WriteString(";")
		b.WriteString(u.Params)
	}
	if u.Query != "" {
		b.WriteString("?")
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

func (u *URL) String() string {
	return u.Scheme + "://" + u.Netloc() + u.Location()
}

// WithPath 返回替换路径后的副本。
func (u *URL) WithPath(path string) *URL {
	clone := *u
	clone.Path = path
	clone.Params = ""
	return &clone
}
