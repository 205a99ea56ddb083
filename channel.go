package mauproxy

//
// DeliveryChannel: the per-direction delivery pipeline. This is the
// direct descendant of link.go's Link/linkForward plus
// linkfwddelay.go's ticker-driven drain loop, generalized from a flat
// PLR and fixed delay into the full five-stage impairment pipeline of
// SPEC_FULL.md §4.1: Gilbert-Elliott loss, duplication, corruption,
// fluid-model router queueing with RED, and propagation delay with a
// one-slot reorder holdback.
//

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// channelStats tracks the conservation-invariant counters from
// spec.md §8 property 1 (delivered + dropped + in_flight = injected).
type channelStats struct {
	injected  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// DeliveryChannel is one direction (C2S or S2C) of a [Proxy]'s forwarding.
// The zero value is invalid; use [newDeliveryChannel].
type DeliveryChannel struct {
	name   string
	logger Logger
	config *lockedValue[ChannelConfig]
	send   func(addr *net.UDPAddr, payload []byte) error
	cap    *captureWriter // optional pcap capture, nil when disabled

	deliveryAddress lockedValue[*net.UDPAddr]

	mu             sync.Mutex
	rng            *rand.Rand
	inBurstLoss    bool
	inBurstReorder bool
	holdback       *queueNode
	nextSendUsec   int64
	router         routerQueue
	delivery       deliveryQueue

	timerMu      sync.Mutex
	timer        *time.Timer
	nextWakeUsec int64
	shutdown     bool

	stats channelStats
}

// newDeliveryChannel creates a [DeliveryChannel]. send performs the
// actual datagram transmission (a thin wrapper around net.UDPConn.WriteToUDP).
func newDeliveryChannel(name string, logger Logger, config *lockedValue[ChannelConfig], cap *captureWriter, send func(*net.UDPAddr, []byte) error) *DeliveryChannel {
	cfg := config.Get()
	return &DeliveryChannel{
		name:   name,
		logger: logger,
		config: config,
		send:   send,
		cap:    cap,
		rng:    rand.New(rand.NewSource(seedFor(cfg.RNGSeed))),
		timer:  time.NewTimer(time.Hour),
	}
}

// seedFor returns seed if non-zero, otherwise a value sourced from
// crypto/rand, mirroring original_source/MauProxy.cpp's GetRandomSeed()
// fallback ("if the seed == 0, pick a random one").
func seedFor(seed uint64) int64 {
	if seed != 0 {
		return int64(seed)
	}
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// setDeliveryAddress updates the output endpoint and immediately
// drains anything already past its target time. Without this, a
// datagram queued while the address was still unknown (C2S traffic
// arriving before DNS resolution completes, see session.go's
// resolveLoop) would sit in the delivery queue forever once fire()'s
// one-shot timer had already fired-and-bailed on a nil address, with
// no further timer armed to wake it back up.
func (c *DeliveryChannel) setDeliveryAddress(addr *net.UDPAddr) {
	c.deliveryAddress.Set(addr)
	c.fire()
}

// insert is the channel's sole ingress entry point: spec.md §4.1's
// insert(payload, now_usec). It must not block.
func (c *DeliveryChannel) insert(payload []byte, nowUsec int64) {
	c.stats.injected.Add(1)
	cfg := c.config.Get()

	c.mu.Lock()
	lost := c.drawLoss(cfg)
	var dupe bool
	if !lost {
		dupe = c.rng.Float64() < cfg.DuplicateRate
	}
	c.mu.Unlock()

	if lost {
		c.stats.dropped.Add(1)
		return
	}

	c.processSurvivor(cfg, payload, nowUsec)

	if dupe {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		c.stats.injected.Add(1) // the duplicate is itself a unit of inflight/delivered/dropped accounting
		c.processSurvivor(cfg, cp, nowUsec)
	}

	c.rearm()
}

// drawLoss implements stage 1, the Gilbert-Elliott channel model. Must
// be called with c.mu held.
func (c *DeliveryChannel) drawLoss(cfg ChannelConfig) bool {
	if cfg.LossRate == 0 {
		c.inBurstLoss = false
		return false
	}
	if c.inBurstLoss {
		if c.rng.Float64() < cfg.DeliveryRate {
			c.inBurstLoss = false
			return false
		}
		return true // remain bad, drop
	}
	if c.rng.Float64() < cfg.LossRate {
		c.inBurstLoss = true
		return true
	}
	return false
}

// processSurvivor runs stages 3-5 (corruption, router queueing,
// propagation + reorder) for a single surviving datagram. Used both for
// the original datagram and, independently, for a duplicate.
func (c *DeliveryChannel) processSurvivor(cfg ChannelConfig, payload []byte, nowUsec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// stage 3: corruption
	if len(payload) > 0 && c.rng.Float64() < cfg.CorruptionRate {
		idx := c.rng.Intn(len(payload))
		bit := byte(1) << uint(c.rng.Intn(8))
		payload[idx] ^= bit
	}

	// stage 4: router queueing (fluid bandwidth model)
	var serializationUsec int64
	if cfg.RouterMbps > 0 {
		serializationUsec = int64(float64(len(payload)) * 8.0 / (cfg.RouterMbps * 1e6) * 1e6)
	}

	// depthUsec is the backlog already ahead of this datagram, i.e. the
	// current queue depth before this datagram's own serialisation
	// delay is added. RED looks at this, not at queueDelayUsec below,
	// which also counts this datagram's own transmission time.
	depthUsec := c.nextSendUsec - nowUsec
	if depthUsec < 0 {
		depthUsec = 0
	}

	candidateUsec := nowUsec
	if c.nextSendUsec > candidateUsec {
		candidateUsec = c.nextSendUsec
	}
	candidateUsec += serializationUsec
	queueDelayUsec := candidateUsec - nowUsec

	capUsec := int64(cfg.RouterQueueMsec) * 1000
	if capUsec > 0 && queueDelayUsec > capUsec {
		c.stats.dropped.Add(1)
		return // tail drop
	}
	if cfg.RouterREDEnable && capUsec > 0 {
		mid := capUsec / 2
		if depthUsec > mid {
			pDrop := float64(depthUsec-mid) / float64(capUsec-mid)
			if c.rng.Float64() < pDrop {
				c.stats.dropped.Add(1)
				return // RED drop
			}
		}
	}
	c.nextSendUsec = candidateUsec
	targetUsec := candidateUsec

	// stage 5: propagation delay + reorder
	targetUsec += int64(cfg.LightSpeedMsec) * 1000

	if c.inBurstReorder {
		held := c.holdback
		c.holdback = nil
		c.inBurstReorder = false
		heldTargetUsec := targetUsec + 1 // small positive epsilon, in microseconds
		c.delivery.insert(heldTargetUsec, held.payload)
		c.delivery.insert(targetUsec, payload)
		return
	}

	if c.rng.Float64() < cfg.ReorderRate {
		targetUsec += c.reorderExtraLatencyUsec(cfg)
		c.holdback = &queueNode{targetUsec: targetUsec, payload: payload}
		c.inBurstReorder = true
		return
	}

	c.delivery.insert(targetUsec, payload)
}

// reorderExtraLatencyUsec draws the extra delay recorded on a freshly
// held-back packet from [ReorderMinimumLatencyMsec,
// ReorderMaximumLatencyMsec]. The release path reschedules the held
// packet relative to the releasing one, so this value does not reach
// the delivery queue. Must be called with c.mu held.
func (c *DeliveryChannel) reorderExtraLatencyUsec(cfg ChannelConfig) int64 {
	extraMsec := cfg.ReorderMinimumLatencyMsec
	if cfg.ReorderMaximumLatencyMsec > cfg.ReorderMinimumLatencyMsec {
		span := cfg.ReorderMaximumLatencyMsec - cfg.ReorderMinimumLatencyMsec
		extraMsec += uint32(c.rng.Intn(int(span)))
	}
	return int64(extraMsec) * 1000
}

// rearm re-arms the delivery timer to the new head of the delivery
// queue, if that head is earlier than whatever we are currently waiting
// for. Grounded on original_source/MauProxy.cpp's postNextTimer and
// linkfwddelay.go's ticker-reset-to-front-deadline idiom.
func (c *DeliveryChannel) rearm() {
	c.mu.Lock()
	head := c.delivery.peek()
	c.mu.Unlock()
	if head == nil {
		return
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.shutdown {
		return
	}
	if c.nextWakeUsec != 0 && head.targetUsec >= c.nextWakeUsec {
		return // already waiting for an earlier or equal time
	}
	c.nextWakeUsec = head.targetUsec

	aheadUsec := head.targetUsec - nowUsec()
	if aheadUsec <= 0 {
		aheadUsec = 1
	}
	c.timer.Stop()
	c.timer.Reset(time.Duration(aheadUsec) * time.Microsecond)
}

// fire drains every node whose target time has arrived, transmits it,
// and re-arms for the next one. Called by the owning session's worker
// loop when c.timer fires.
func (c *DeliveryChannel) fire() {
	c.timerMu.Lock()
	c.nextWakeUsec = 0
	shutdown := c.shutdown
	c.timerMu.Unlock()
	if shutdown {
		return
	}

	destAddr := c.deliveryAddress.Get()
	if destAddr == nil {
		c.logger.Debugf("mauproxy: %s: delivery address unspecified, still waiting for resolution", c.name)
		return
	}

	const slackUsec = 500
	now := nowUsec()

	for {
		c.mu.Lock()
		head := c.delivery.peek()
		if head == nil || head.targetUsec > now+slackUsec {
			c.mu.Unlock()
			break
		}
		node := c.delivery.pop()
		c.mu.Unlock()

		if err := c.send(destAddr, node.payload); err != nil {
			c.logger.Warnf("mauproxy: %s: send failed: %s", c.name, err.Error())
			c.stats.dropped.Add(1) // counts against the conservation invariant like any other drop
			continue
		}
		if c.cap != nil {
			c.cap.write(c.name, destAddr, node.payload)
		}
		c.stats.delivered.Add(1)
	}

	c.rearm()
}

// inflight returns the number of nodes currently buffered anywhere in
// this channel (router queue, holdback slot, delivery queue), per
// spec.md §8 property 1.
func (c *DeliveryChannel) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.router.len() + c.delivery.len()
	if c.holdback != nil {
		n++
	}
	return n
}

// closeChannel cancels the timer and drains both queues, freeing
// buffered payloads. Per spec.md §4.1, shutdown is absorbing.
func (c *DeliveryChannel) closeChannel() {
	c.timerMu.Lock()
	c.shutdown = true
	c.timer.Stop()
	c.timerMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.router.nodes = nil
	for c.delivery.len() > 0 {
		c.delivery.pop()
	}
	c.holdback = nil
}

// timerChannel exposes the underlying timer's channel for the session's
// worker select loop.
func (c *DeliveryChannel) timerChannel() <-chan time.Time {
	return c.timer.C
}

func nowUsec() int64 {
	return time.Now().UnixMicro()
}
