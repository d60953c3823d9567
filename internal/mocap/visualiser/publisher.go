// Package visualiser streams pose records to viewers: a gRPC
// server-streaming service for external clients and channel subscriptions
// for in-process consumers such as the SSE endpoint.
package visualiser

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/mocap/internal/mocap"
)

// ErrTooManyClients is returned when MaxClients subscribers are attached.
var ErrTooManyClients = errors.New("too many pose stream clients")

// Config holds configuration for the pose stream publisher.
type Config struct {
	// ListenAddr is the gRPC address, e.g. "localhost:50051". Empty
	// disables the gRPC server; in-process subscribers still work.
	ListenAddr string

	// MaxClients caps concurrent subscribers of either kind.
	MaxClients int

	// ClientBuffer is the per-subscriber queue length.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// Publisher fans pose records out to subscribers. A subscriber that falls
// behind loses records; it never slows the tracker.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	records   chan mocap.PoseRecord
	clients   map[string]*client
	clientsMu sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
	clientCnt atomic.Int32

	lastStatsMu    sync.Mutex
	lastStatsTime  time.Time
	lastStatsCount uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type client struct {
	id string
	ch chan mocap.PoseRecord
}

// NewPublisher creates an idle publisher.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 16
	}
	return &Publisher{
		config:  cfg,
		records: make(chan mocap.PoseRecord, 64),
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the broadcast loop and, when ListenAddr is set, binds and
// serves the gRPC service.
func (p *Publisher) Start() error {
	if p.config.ListenAddr == "" {
		return p.StartListener(nil)
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.StartListener(lis)
}

// StartListener is Start with a caller-supplied listener. A nil listener
// runs only the broadcast loop.
func (p *Publisher) StartListener(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}

	p.wg.Add(1)
	go p.broadcastLoop()

	if lis == nil {
		return nil
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, NewServer(p))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		diagf("gRPC pose stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every subscriber and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.ch)
		delete(p.clients, id)
		p.clientCnt.Add(-1)
	}
	p.clientsMu.Unlock()

	if p.server != nil {
		p.server.Stop()
	}
	p.wg.Wait()
	diagf("pose stream stopped")
}

// Consume implements l6tracking.Sink.
func (p *Publisher) Consume(rec mocap.PoseRecord) { p.Publish(rec) }

// Publish queues rec for every subscriber, dropping it if the queue is
// full.
func (p *Publisher) Publish(rec mocap.PoseRecord) {
	if !p.running.Load() {
		return
	}
	select {
	case p.records <- rec:
		n := p.published.Add(1)
		p.logPeriodicStats(n)
	default:
		d := p.dropped.Add(1)
		tracef("dropped record %d (total dropped %d), queue full", rec.Seq, d)
	}
}

func (p *Publisher) logPeriodicStats(count uint64) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime, p.lastStatsCount = now, count
		return
	}
	if elapsed := now.Sub(p.lastStatsTime); elapsed >= 5*time.Second {
		rate := float64(count-p.lastStatsCount) / elapsed.Seconds()
		diagf("stats: rate=%.1f/s dropped=%d clients=%d", rate, p.dropped.Load(), p.clientCnt.Load())
		p.lastStatsTime, p.lastStatsCount = now, count
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case rec := <-p.records:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.ch <- rec:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe registers an in-process subscriber. The channel is closed by
// Unsubscribe or Stop.
func (p *Publisher) Subscribe() (string, <-chan mocap.PoseRecord, error) {
	c, err := p.addClient()
	if err != nil {
		return "", nil, err
	}
	return c.id, c.ch, nil
}

// Unsubscribe removes a subscriber.
func (p *Publisher) Unsubscribe(id string) { p.removeClient(id) }

func (p *Publisher) addClient() (*client, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return nil, fmt.Errorf("publisher not running")
	}
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, ErrTooManyClients
	}
	c := &client{id: uuid.NewString(), ch: make(chan mocap.PoseRecord, p.config.ClientBuffer)}
	p.clients[c.id] = c
	diagf("client connected: %s (total: %d)", c.id, p.clientCnt.Add(1))
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if c, ok := p.clients[id]; ok {
		close(c.ch)
		delete(p.clients, id)
		diagf("client disconnected: %s (remaining: %d)", id, p.clientCnt.Add(-1))
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.clientsMu.RLock()
	n := int32(len(p.clients))
	p.clientsMu.RUnlock()
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   n,
		Running:   p.running.Load(),
	}
}

// GRPCServer returns the underlying gRPC server, or nil without a
// listener.
func (p *Publisher) GRPCServer() *grpc.Server {
	return p.server
}
