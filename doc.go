// Package mauproxy implements a transparent UDP network-impairment proxy.
//
// A [Proxy] sits between a client and a server and relays UDP datagrams
// in both directions while deliberately simulating the imperfections of
// a wide-area link: propagation delay, Gilbert-Elliott bursty packet
// loss, a bandwidth-limited router queue with optional Random Early
// Detection, reordering, duplication, and single-bit corruption.
//
// Use [NewProxy] to create a proxy bound to a local UDP port and
// forwarding to a resolved server hostname and port. The channel
// impairments are configured with a [ChannelConfig] and can be changed
// at runtime with [Proxy.SetChannelConfig]. [Proxy.Inject] feeds a
// synthetic datagram into the ingress path as if it arrived from
// 127.0.0.1 on the given source port, which is useful for unit tests
// that do not want to open real sockets on both ends.
//
// The per-direction delivery pipeline (loss, duplication, corruption,
// router queueing, propagation delay and reordering) is implemented by
// [DeliveryChannel] as a fixed, straight-line sequence of stages; it is
// not a pluggable chain.
package mauproxy
