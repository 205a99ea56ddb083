package mauproxy

//
// Configuration, grounded on original_source/mau.h's MauChannelConfig
// and MauProxyConfig, with field names translated to Go idiom.
//

import "github.com/ooni/mauproxy/internal/optional"

// ChannelConfig is an atomic snapshot of the per-direction impairment
// parameters. It may be replaced at runtime with [Proxy.SetChannelConfig].
type ChannelConfig struct {
	// RNGSeed seeds the impairment PRNG. Using the same seed across runs
	// reproduces the same loss/reorder/duplication sequence. Zero picks
	// a random seed.
	RNGSeed uint64

	// LossRate is the Gilbert-Elliott steady-state ("good" state) drop
	// probability, in [0, 1].
	LossRate float64

	// DeliveryRate is the Gilbert-Elliott probability of delivering a
	// packet while in the "bad" (burst loss) state, in [0, 1].
	DeliveryRate float64

	// RouterMbps is the bottleneck router bandwidth in megabits per
	// second. Use 0 or a very large value to disable bandwidth limiting.
	RouterMbps float64

	// RouterQueueMsec is the maximum queueing delay, in milliseconds,
	// the router queue tolerates before tail-dropping.
	RouterQueueMsec uint32

	// RouterREDEnable enables Random Early Detection: once the queue
	// depth exceeds half of RouterQueueMsec, packets are dropped with a
	// probability that rises linearly to 1 at the cap.
	RouterREDEnable bool

	// LightSpeedMsec is the one-way propagation delay, in milliseconds.
	LightSpeedMsec uint32

	// ReorderRate is the steady-state probability, in [0, 1], that a
	// surviving packet is held back to be delivered after the next one.
	ReorderRate float64

	// ReorderMinimumLatencyMsec and ReorderMaximumLatencyMsec bound the
	// extra delay drawn for a packet when it is held back. The drawn
	// delay does not carry over to the release: a released packet is
	// scheduled 1µs after the packet that releases it, so these fields
	// do not change delivery times.
	ReorderMinimumLatencyMsec uint32
	ReorderMaximumLatencyMsec uint32

	// DuplicateRate is the probability, in [0, 1], that a surviving
	// packet is duplicated.
	DuplicateRate float64

	// CorruptionRate is the probability, in [0, 1], that a surviving
	// packet has one bit flipped at a uniformly random position.
	CorruptionRate float64
}

// NewChannelConfig returns a [ChannelConfig] with the defaults documented
// in original_source/mau.h.
func NewChannelConfig() ChannelConfig {
	return ChannelConfig{
		RNGSeed:                   1,
		LossRate:                  0.01,
		DeliveryRate:              0.5,
		RouterMbps:                1,
		RouterQueueMsec:           100,
		RouterREDEnable:           true,
		LightSpeedMsec:            20,
		ReorderRate:               0.005,
		ReorderMinimumLatencyMsec: 50,
		ReorderMaximumLatencyMsec: 150,
		DuplicateRate:             0.001,
		CorruptionRate:            0.001,
	}
}

// zeroImpairmentConfig returns a [ChannelConfig] that delivers every
// packet unmodified and in order, used by property 5 (zero-impairment
// identity) and scenario E1 of the testable properties, and as a
// convenient baseline for tests that only want to exercise one stage
// of the pipeline.
func zeroImpairmentConfig() ChannelConfig {
	return ChannelConfig{
		RNGSeed:         1,
		LossRate:        0,
		DeliveryRate:    1,
		RouterMbps:      0, // 0 means unlimited, see DeliveryChannel.processSurvivor
		RouterQueueMsec: 1000,
		RouterREDEnable: false,
	}
}

// ProxyConfig configures the listening socket and per-datagram limits of
// a [Proxy]. Grounded on original_source/mau.h's MauProxyConfig.
type ProxyConfig struct {
	// UDPListenPort is the local UDP port to listen on for client traffic.
	UDPListenPort uint16

	// BindAddress is the OPTIONAL local address to bind to. When empty,
	// the wildcard address is used.
	BindAddress optional.Value[string]

	// MaxDatagramBytes bounds the size of any single datagram accepted
	// on ingress, whether read from the socket or injected.
	MaxDatagramBytes uint32

	// UDPSendBufferSizeBytes and UDPRecvBufferSizeBytes size the kernel
	// socket buffers.
	UDPSendBufferSizeBytes int
	UDPRecvBufferSizeBytes int

	// CapturePath, when non-empty, makes the proxy write every
	// transmitted datagram on both directions to a pcap file at this
	// path, synthesizing Ethernet/IPv4/UDP headers. Dropped datagrams
	// are not captured. See capture.go.
	CapturePath string
}

// NewProxyConfig returns a [ProxyConfig] with the defaults documented in
// original_source/mau.h.
func NewProxyConfig() ProxyConfig {
	return ProxyConfig{
		UDPListenPort:          10200,
		BindAddress:            optional.None[string](),
		MaxDatagramBytes:       1500,
		UDPSendBufferSizeBytes: 64000,
		UDPRecvBufferSizeBytes: 64000,
	}
}
