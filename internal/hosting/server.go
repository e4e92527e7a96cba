package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/monorkin/equipment-inventory/internal/discovery"
	"github.com/monorkin/equipment-inventory/internal/logging"
	"github.com/monorkin/equipment-inventory/internal/ratelimit"
	"github.com/monorkin/equipment-inventory/internal/replication"
	"github.com/monorkin/equipment-inventory/internal/signaling"
	"github.com/monorkin/equipment-inventory/internal/transport"
)

const (
	HEALTH_PATH           = "/healthz"
	DEFAULT_REQUEST_RATE  = rate.Limit(20)
	DEFAULT_REQUEST_BURST = 40
	LOOPBACK_HOST         = "127.0.0.1"
)

type Options struct {
	DeviceID string
	// Port 0 picks an ephemeral port.
	Port      int
	Advertise bool
	// Transport, when set, accepts peer channels on /channel and advertises
	// this server's addresses as its candidates.
	Transport *transport.WebSocket
	Logger    *zap.Logger

	RequestRate  rate.Limit
	RequestBurst int
}

// Server is the HTTP side of hosting: health, the signaling relay and peer
// channel dial-ins, plus the mDNS announcement.
type Server struct {
	deviceID  string
	port      int
	advertise bool
	engine    *gin.Engine
	transport *transport.WebSocket
	limiters  *ratelimit.Store
	logger    *zap.Logger

	mu            sync.Mutex
	httpServer    *http.Server
	relay         *signaling.Relay
	advertisement *discovery.Advertisement
	reachability  replication.Reachability
}

func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	limit := opts.RequestRate
	if limit <= 0 {
		limit = DEFAULT_REQUEST_RATE
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = DEFAULT_REQUEST_BURST
	}

	logger := logging.Named(opts.Logger, logging.NameHosting)
	s := &Server{
		deviceID:  opts.DeviceID,
		port:      opts.Port,
		advertise: opts.Advertise,
		engine:    gin.New(),
		transport: opts.Transport,
		limiters:  ratelimit.NewStore(limit, burst),
		logger:    logger,
	}

	s.engine.Use(RequestLogger(logger), gin.Recovery(), RateLimiter(s.limiters))
	s.Setup()

	if s.transport != nil {
		s.transport.SetAdvertiser(s.ChannelBases)
	}

	return s
}

func (s *Server) Setup() {
	s.engine.GET(HEALTH_PATH, s.HealthCheck)
	s.engine.GET(signaling.SIGNAL_PATH, s.Signal)
	if s.transport != nil {
		s.engine.GET(transport.CHANNEL_PATH, gin.WrapH(s.transport.Handler()))
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) HealthCheck(c *gin.Context) {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()

	clients := 0
	if relay != nil {
		clients = relay.Clients()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"device":  s.deviceID,
		"hosting": relay != nil,
		"clients": clients,
	})
}

// Signal upgrades to the signaling relay while hosting.
func (s *Server) Signal(c *gin.Context) {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()

	if relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not hosting"})
		return
	}
	relay.Handler().ServeHTTP(c.Writer, c.Request)
}

// Bus is the relay of the current hosting run, nil when stopped.
func (s *Server) Bus() signaling.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay == nil {
		return nil
	}
	return s.relay
}

// Start listens and announces. Each start gets a fresh relay so clients of
// a previous run never leak into the next one.
func (s *Server) Start(ctx context.Context) (replication.Reachability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return s.reachability, nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		return replication.Reachability{}, fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	s.relay = signaling.NewRelay(logging.Named(s.logger, logging.NameSignaling))
	s.httpServer = &http.Server{Handler: s.engine}

	server := s.httpServer
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Hosting server stopped", zap.Error(err))
		}
	}()

	addresses := localAddresses()
	host := LOOPBACK_HOST
	if len(addresses) > 0 {
		host = addresses[0]
	}
	s.reachability = replication.Reachability{
		DeviceID:  s.deviceID,
		Host:      host,
		Port:      port,
		Addresses: addresses,
	}

	if s.advertise {
		advertisement, err := discovery.Advertise(s.deviceID, port)
		if err != nil {
			s.logger.Warn("Failed to advertise over mDNS", zap.Error(err))
		} else {
			s.advertisement = advertisement
		}
	}

	s.logger.Info("Hosting server listening", zap.Int("port", port), zap.Strings("addresses", addresses))
	return s.reachability, nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	relay := s.relay
	advertisement := s.advertisement
	s.httpServer = nil
	s.relay = nil
	s.advertisement = nil
	s.reachability = replication.Reachability{}
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	advertisement.Shutdown()
	_ = relay.Close()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop hosting server: %w", err)
	}
	s.logger.Info("Hosting server stopped")
	return nil
}

// ChannelBases lists the ws:// bases peers may dial for a channel, LAN
// addresses first and loopback last.
func (s *Server) ChannelBases() []string {
	s.mu.Lock()
	reachability := s.reachability
	s.mu.Unlock()

	if reachability.Port == 0 {
		return nil
	}

	port := strconv.Itoa(reachability.Port)
	bases := make([]string, 0, len(reachability.Addresses)+1)
	for _, address := range reachability.Addresses {
		bases = append(bases, "ws://"+net.JoinHostPort(address, port))
	}
	return append(bases, "ws://"+net.JoinHostPort(LOOPBACK_HOST, port))
}

// localAddresses lists the IPv4 addresses of interfaces that are up,
// excluding loopback.
func localAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var addresses []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				addresses = append(addresses, ip.String())
			}
		}
	}
	return addresses
}
