package upstream

import (
	"context"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshPeriod 为 DNS 刷新周期。
const DefaultRefreshPeriod = 300 * time.Second

// Resolver 抽象 DNS 查询，便于测试注入。
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Server 是一个已解析的源站 endpoint。
type Server struct {
	Hostname string
	IP       string
	Port     int
	Priority int
}

// Address 返回 ip:port。
func (s *Server) Address() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// ReportError 预留给按错误降权的扩展，目前不做处理。
func (s *Server) ReportError(Code) {}

type hostEntry struct {
	port     int
	priority int
	ips      []string
}

// ServerSelector 维护 hostname→IP 与 priority→Server 两级映射。
type ServerSelector struct {
	resolver      Resolver
	refreshPeriod time.Duration
	logger        logrus.FieldLogger
	lookups       singleflight.Group

	mu       sync.Mutex
	hosts    map[string]*hostEntry
	servers  map[int][]*Server
	timer    *time.Timer
	running  bool
	shuffler func([]*Server)
}

// NewServerSelector 构建选择器，resolver 为 nil 时使用 net.DefaultResolver。
func NewServerSelector(resolver Resolver, refreshPeriod time.Duration, logger logrus.FieldLogger) *ServerSelector {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if refreshPeriod <= 0 {
		refreshPeriod = DefaultRefreshPeriod
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ServerSelector{
		resolver:      resolver,
		refreshPeriod: refreshPeriod,
		logger:        logger,
		hosts:         make(map[string]*hostEntry),
		servers:       make(map[int][]*Server),
		shuffler: func(s []*Server) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// AddServer 登记 hostname 并解析；解析失败只记录日志，保留登记以待下次刷新。
func (s *ServerSelector) AddServer(ctx context.Context, hostname string, port, priority int) error {
	s.mu.Lock()
	if _, exists := s.hosts[hostname]; !exists {
		s.hosts[hostname] = &hostEntry{port: port, priority: priority}
	}
	s.mu.Unlock()
	return s.refreshHost(ctx, hostname)
}

// Servers 按优先级升序返回 endpoint，同优先级内随机打乱。
func (s *ServerSelector) Servers() []*Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	priorities := make([]int, 0, len(s.servers))
	for p := range s.servers {
		priorities = append(priorities, p)
	}
	slices.Sort(priorities)

	var result []*Server
	for _, p := range priorities {
		group := slices.Clone(s.servers[p])
		s.shuffler(group)
		result = append(result, group...)
	}
	return result
}

// RefreshServers 并发重新解析所有 hostname。
func (s *ServerSelector) RefreshServers(ctx context.Context) {
	s.mu.Lock()
	hostnames := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hostnames = append(hostnames, h)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, hostname := range hostnames {
		g.Go(func() error {
			_ = s.refreshHost(ctx, hostname)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *ServerSelector) refreshHost(ctx context.Context, hostname string) error {
	result, err, _ := s.lookups.Do(hostname, func() (any, error) {
		return s.resolver.LookupHost(ctx, hostname)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "dns_refresh",
			"hostname": hostname,
		}).Warn("dns_refresh_failed")
		return err
	}
	s.applyAddresses(hostname, result.([]string))
	return nil
}

// applyAddresses 比较新旧 IP 集合，增加新出现的并移除消失的。
func (s *ServerSelector) applyAddresses(hostname string, ips []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.hosts[hostname]
	if !ok {
		return
	}

	fresh := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		fresh[ip] = struct{}{}
	}
	old := make(map[string]struct{}, len(entry.ips))
	for _, ip := range entry.ips {
		old[ip] = struct{}{}
	}

	group := s.servers[entry.priority]
	kept := group[:0]
	for _, srv := range group {
		if srv.Hostname != hostname {
			kept = append(kept, srv)
			continue
		}
		if _, still := fresh[srv.IP]; still {
			kept = append(kept, srv)
		} else {
			s.logger.WithFields(logrus.Fields{
				"action":   "dns_refresh",
				"hostname": hostname,
				"server":   srv.Address(),
			}).Info("server_removed")
		}
	}
	for _, ip := range ips {
		if _, known := old[ip]; known {
			continue
		}
		srv := &Server{Hostname: hostname, IP: ip, Port: entry.port, Priority: entry.priority}
		kept = append(kept, srv)
		s.logger.WithFields(logrus.Fields{
			"action":   "dns_refresh",
			"hostname": hostname,
			"server":   srv.Address(),
			"priority": entry.priority,
		}).Info("server_added")
	}
	if len(kept) == 0 {
		delete(s.servers, entry.priority)
	} else {
		s.servers[entry.priority] = kept
	}
	entry.ips = slices.Clone(ips)
}

// Setup 刷新一次并启动周期刷新，重复调用无副作用。
func (s *ServerSelector) Setup(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.RefreshServers(ctx)
	s.schedule()
}

func (s *ServerSelector) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.timer = time.AfterFunc(s.refreshPeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshPeriod)
		defer cancel()
		s.RefreshServers(ctx)
		s.schedule()
	})
}

// Cleanup 取消待执行的刷新，重复调用无副作用。
func (s *ServerSelector) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
