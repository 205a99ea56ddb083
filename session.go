package mauproxy

//
// Proxy: the façade in front of a pair of DeliveryChannels sharing one
// UDP socket. Grounded on original_source/MauProxy.h/.cpp's
// ProxySession (single io_context-driven worker, sticky LastResult,
// LockedValue-guarded ServerAddress/ClientAddress), translated from
// asio's callback-driven reactor into a single goroutine selecting
// over a channel-based reactor, the idiom link.go/linkfwddelay.go use
// for their own forwarding loops.
//

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ooni/mauproxy/internal/bufpool"
	"github.com/ooni/mauproxy/internal/resolver"
)

// Proxy forwards UDP datagrams between one client and one server,
// applying an independently configured [ChannelConfig] impairment
// pipeline in each direction. The zero value is invalid; use [NewProxy].
type Proxy struct {
	logger Logger
	cfg    ProxyConfig

	channelConfig *lockedValue[ChannelConfig]

	conn *net.UDPConn
	pool *bufpool.Pool
	cap  *captureWriter

	serverAddress lockedValue[*net.UDPAddr]
	clientAddress lockedValue[*net.UDPAddr]

	c2s *DeliveryChannel
	s2c *DeliveryChannel

	lastResult atomic.Int32
	terminated atomic.Bool

	apiMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProxy creates a [Proxy] listening per cfg, forwarding to
// serverHost:serverPort. serverHost is resolved asynchronously: the
// proxy is usable immediately, but datagrams destined for the server
// are queued behind resolution (see [DeliveryChannel.fire]). If logger
// is nil, a [NullLogger] is used.
func NewProxy(cfg ProxyConfig, channel ChannelConfig, serverHost string, serverPort uint16, logger Logger) (*Proxy, error) {
	if logger == nil {
		logger = &NullLogger{}
	}
	if cfg.MaxDatagramBytes == 0 || serverHost == "" {
		return nil, fmt.Errorf("mauproxy: NewProxy: %w", ErrInvalidInput)
	}

	p := &Proxy{
		logger:        logger,
		cfg:           cfg,
		channelConfig: &lockedValue[ChannelConfig]{},
		pool:          bufpool.New(int(cfg.MaxDatagramBytes)),
	}
	p.channelConfig.Set(channel)

	if cfg.CapturePath != "" {
		cw, err := newCaptureWriter(cfg.CapturePath, logger)
		if err != nil {
			return nil, fmt.Errorf("mauproxy: NewProxy: %w", err)
		}
		p.cap = cw
	}

	p.c2s = newDeliveryChannel("c2s", logger, p.channelConfig, p.cap, p.sendUDP)
	p.s2c = newDeliveryChannel("s2c", logger, p.channelConfig, p.cap, p.sendUDP)

	var bindIP net.IP
	if !cfg.BindAddress.Empty() {
		bindIP = net.ParseIP(cfg.BindAddress.Unwrap())
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: int(cfg.UDPListenPort)})
	if err != nil {
		p.c2s.closeChannel()
		p.s2c.closeChannel()
		if p.cap != nil {
			p.cap.close()
		}
		p.setLastResult(ResultBindFailed)
		return nil, fmt.Errorf("mauproxy: NewProxy: %w: %s", ErrBindFailed, err.Error())
	}
	if cfg.UDPSendBufferSizeBytes > 0 {
		if err := conn.SetWriteBuffer(cfg.UDPSendBufferSizeBytes); err != nil {
			logger.Warnf("mauproxy: SetWriteBuffer: %s", err.Error())
		}
	}
	if cfg.UDPRecvBufferSizeBytes > 0 {
		if err := conn.SetReadBuffer(cfg.UDPRecvBufferSizeBytes); err != nil {
			logger.Warnf("mauproxy: SetReadBuffer: %s", err.Error())
		}
	}
	p.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go p.resolveLoop(ctx, serverHost, serverPort)
	go p.workerLoop(ctx)

	return p, nil
}

// SetChannelConfig atomically replaces the impairment configuration
// shared by both directions. Takes effect on the next packet
// processed by each channel; a datagram already admitted to a
// channel's queues keeps whatever schedule it was given.
func (p *Proxy) SetChannelConfig(cfg ChannelConfig) {
	p.apiMu.Lock()
	defer p.apiMu.Unlock()
	if p.terminated.Load() {
		return
	}
	p.channelConfig.Set(cfg)
}

// Inject hands payload to the proxy as if it had arrived on the
// listening socket from 127.0.0.1:sourcePort, per spec.md §6's
// test-injection escape hatch. It returns [ErrPacketTooLarge] if
// payload exceeds ProxyConfig.MaxDatagramBytes, and nil (a no-op) if
// the proxy has already been shut down, mirroring
// original_source/MauProxy.cpp's "if (Terminated) return Mau_Success".
func (p *Proxy) Inject(sourcePort uint16, payload []byte) error {
	p.apiMu.Lock()
	defer p.apiMu.Unlock()
	if p.terminated.Load() {
		return nil
	}
	if uint32(len(payload)) > p.cfg.MaxDatagramBytes {
		p.setLastResult(ResultPacketTooLarge)
		return fmt.Errorf("mauproxy: Inject: %w", ErrPacketTooLarge)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	synthetic := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(sourcePort)}
	serverAddr := p.serverAddress.Get()
	if serverAddr != nil && udpAddrEqual(synthetic, serverAddr) {
		p.s2c.insert(cp, nowUsec())
		return nil
	}

	p.clientAddress.Set(synthetic)
	p.s2c.setDeliveryAddress(synthetic)
	p.c2s.insert(cp, nowUsec())
	return nil
}

// LastResult returns the first non-success [Result] this proxy has
// observed, or [ResultSuccess] if none has occurred.
func (p *Proxy) LastResult() Result {
	return Result(p.lastResult.Load())
}

// Close shuts the proxy down: stops the worker, closes the socket,
// and drains both channels' queues. Close is idempotent; the first
// call returns nil, subsequent calls return [ErrShutdown].
func (p *Proxy) Close() error {
	p.apiMu.Lock()
	defer p.apiMu.Unlock()
	if !p.terminated.CompareAndSwap(false, true) {
		return ErrShutdown
	}

	p.cancel()
	p.conn.Close()
	p.wg.Wait()

	p.c2s.closeChannel()
	p.s2c.closeChannel()
	if p.cap != nil {
		p.cap.close()
	}
	return nil
}

// setLastResult implements the sticky "first non-success wins" policy
// from spec.md §6.
func (p *Proxy) setLastResult(r Result) {
	for {
		cur := Result(p.lastResult.Load())
		if cur != ResultSuccess {
			return
		}
		if p.lastResult.CompareAndSwap(int32(cur), int32(r)) {
			return
		}
	}
}

// resolveLoop resolves serverHost once, with bounded retry handled
// internally by [resolver.Resolver], and then publishes the resolved
// address to both the session and the C2S channel's delivery target.
func (p *Proxy) resolveLoop(ctx context.Context, host string, port uint16) {
	defer p.wg.Done()

	r := resolver.New()
	ip, err := r.Resolve(ctx, host)
	if err != nil {
		p.logger.Warnf("mauproxy: resolve %q failed: %s", host, err.Error())
		p.setLastResult(ResultResolveFailed)
		return
	}

	addr := &net.UDPAddr{IP: ip, Port: int(port)}
	p.serverAddress.Set(addr)
	p.c2s.setDeliveryAddress(addr)
	p.logger.Infof("mauproxy: resolved %q to %s", host, addr.String())
}

// inbound is one datagram read off the listening socket.
type inbound struct {
	addr    *net.UDPAddr
	payload []byte
}

// workerLoop is the single-threaded reactor driving both channels'
// timers and the socket's ingress path, the Go realization of
// ProxySession's io_context::run() loop. A dedicated goroutine performs
// the blocking socket read and hands datagrams over on readCh, so the
// reactor itself never blocks on anything but select.
func (p *Proxy) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	readCh := make(chan inbound, 64)
	readerDone := make(chan struct{})
	go p.readLoop(ctx, readCh, readerDone)

	for {
		select {
		case <-ctx.Done():
			<-readerDone
			return
		case in := <-readCh:
			p.dispatch(in.addr, in.payload)
		case <-p.c2s.timerChannel():
			p.c2s.fire()
		case <-p.s2c.timerChannel():
			p.s2c.fire()
		}
	}
}

// readLoop owns the socket's read side. Each read borrows a buffer
// from the pool only long enough to copy its contents into a
// freshly-sized slice, bounding the pool's job to recycling the
// syscall-adjacent scratch buffer rather than tracking payload
// ownership all the way through the delivery queues.
func (p *Proxy) readLoop(ctx context.Context, readCh chan<- inbound, done chan<- struct{}) {
	defer close(done)
	for {
		buf := p.pool.Allocate(int(p.cfg.MaxDatagramBytes))
		if buf == nil {
			p.setLastResult(ResultAllocationFailed)
			continue
		}
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			p.pool.Free(buf)
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.logger.Warnf("mauproxy: socket read failed: %s", err.Error())
			p.setLastResult(ResultSendFailed)
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		p.pool.Free(buf)

		select {
		case readCh <- inbound{addr: addr, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch classifies an incoming datagram by source endpoint, per
// spec.md §4.2: a packet from the resolved server address is S2C
// traffic; anything else is C2S traffic, and its source becomes (or
// confirms) the learned client address. This mirrors
// original_source/MauProxy.cpp's OnReceiveFromOutside dispatch, which
// compares against ServerAddress and otherwise always treats the
// sender as the client.
func (p *Proxy) dispatch(addr *net.UDPAddr, payload []byte) {
	now := nowUsec()
	if serverAddr := p.serverAddress.Get(); serverAddr != nil && udpAddrEqual(addr, serverAddr) {
		p.s2c.insert(payload, now)
		return
	}

	client := p.clientAddress.Get()
	if client == nil || !udpAddrEqual(client, addr) {
		p.clientAddress.Set(addr)
		p.s2c.setDeliveryAddress(addr)
	}
	p.c2s.insert(payload, now)
}

// sendUDP is the DeliveryChannel.send callback shared by both
// directions: the listening socket is the same for client and server
// traffic, only the destination address differs.
func (p *Proxy) sendUDP(addr *net.UDPAddr, payload []byte) error {
	_, err := p.conn.WriteToUDP(payload, addr)
	return err
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
