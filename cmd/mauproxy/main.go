// Command mauproxy runs a standalone UDP network-impairment proxy,
// forwarding datagrams between a local listening port and a server
// while applying a configurable impairment pipeline in each
// direction. Grounded on the teacher's cmd/throttle and cmd/calibrate
// tools: flag-based configuration, apex/log for output, a
// signal-driven main loop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"

	"github.com/ooni/mauproxy"
	"github.com/ooni/mauproxy/internal/optional"
	"github.com/ooni/mauproxy/internal/rtx"
)

func main() {
	listenPort := flag.Uint("listen", 10200, "local UDP port to listen on")
	bindAddress := flag.String("bind", "", "local address to bind to (default: wildcard)")
	serverHost := flag.String("server", "", "server hostname or IP address to forward to (required)")
	serverPort := flag.Uint("server-port", 0, "server UDP port to forward to (required)")

	seed := flag.Uint64("seed", 1, "impairment PRNG seed (0 picks a random seed)")
	lossRate := flag.Float64("loss", 0.01, "Gilbert-Elliott steady-state loss probability")
	deliveryRate := flag.Float64("delivery-rate", 0.5, "Gilbert-Elliott bad-state delivery probability")
	bwMbps := flag.Float64("bw-mbps", 1, "bottleneck router bandwidth in Mbps (0 disables the limit)")
	queueMsec := flag.Uint("queue-msec", 100, "maximum router queueing delay before tail-drop, in milliseconds")
	red := flag.Bool("red", true, "enable Random Early Detection on the router queue")
	delayMsec := flag.Uint("delay", 20, "one-way propagation delay, in milliseconds")
	reorderRate := flag.Float64("reorder", 0.005, "probability a packet is held back one slot")
	duplicateRate := flag.Float64("duplicate", 0.001, "probability a packet is duplicated")
	corruptionRate := flag.Float64("corruption", 0.001, "probability a packet has one bit flipped")
	capturePath := flag.String("capture", "", "write every transmitted datagram to this pcap file")

	flag.Parse()

	if *serverHost == "" || *serverPort == 0 {
		log.Fatal("mauproxy: -server and -server-port are required")
	}

	proxyConfig := mauproxy.NewProxyConfig()
	proxyConfig.UDPListenPort = uint16(*listenPort)
	proxyConfig.CapturePath = *capturePath
	if *bindAddress != "" {
		proxyConfig.BindAddress = optional.Some(*bindAddress)
	}

	channelConfig := mauproxy.NewChannelConfig()
	channelConfig.RNGSeed = *seed
	channelConfig.LossRate = *lossRate
	channelConfig.DeliveryRate = *deliveryRate
	channelConfig.RouterMbps = *bwMbps
	channelConfig.RouterQueueMsec = uint32(*queueMsec)
	channelConfig.RouterREDEnable = *red
	channelConfig.LightSpeedMsec = uint32(*delayMsec)
	channelConfig.ReorderRate = *reorderRate
	channelConfig.DuplicateRate = *duplicateRate
	channelConfig.CorruptionRate = *corruptionRate

	proxy := rtx.Must1(mauproxy.NewProxy(proxyConfig, channelConfig, *serverHost, uint16(*serverPort), log.Log))
	defer proxy.Close()

	log.Infof("mauproxy: listening on UDP port %d, forwarding to %s:%d", *listenPort, *serverHost, *serverPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("mauproxy: shutting down")
}
