package mauproxy

//
// Optional pcap capture, gated by ProxyConfig.CapturePath. Grounded on
// the teacher's pcap.go (PCAPDumper: background goroutine, buffered
// channel, pcapgo.Writer) generalized from "copy the raw frame
// already on the wire" to "synthesize an Ethernet/IPv4/UDP frame
// around a bare UDP payload", since unlike netem's userspace NIC this
// proxy only ever sees datagram payloads, never link-layer frames.
// Header synthesis follows dissect.go's layer field usage in reverse
// (construction instead of parsing).
//

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureEntry is one packet queued for the background writer.
type captureEntry struct {
	direction string
	dest      *net.UDPAddr
	payload   []byte
}

// captureWriter appends every transmitted datagram to a pcap file on
// a background goroutine, synthesizing link/network/transport headers
// so the file is readable by ordinary packet analysis tools.
type captureWriter struct {
	logger Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	joined    chan struct{}
	entries   chan *captureEntry

	srcPort uint16
}

// newCaptureWriter opens path and starts the background writer
// goroutine. The UDP source port of every captured frame is the fixed
// synthetic value set by synthesizeFrame (capture is diagnostic only).
func newCaptureWriter(path string, logger Logger) (*captureWriter, error) {
	filep, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	const manyPackets = 4096
	ctx, cancel := context.WithCancel(context.Background())
	cw := &captureWriter{
		logger:  logger,
		cancel:  cancel,
		joined:  make(chan struct{}),
		entries: make(chan *captureEntry, manyPackets),
	}
	go cw.loop(ctx, filep)
	return cw, nil
}

// write enqueues a captured datagram. Never blocks: under backpressure
// the entry is silently dropped from the capture, mirroring
// deliverPacketInfo's non-blocking select in the teacher's pcap.go.
func (cw *captureWriter) write(direction string, dest *net.UDPAddr, payload []byte) {
	entry := &captureEntry{
		direction: direction,
		dest:      dest,
		payload:   append([]byte{}, payload...), // duplicate: payload may be reused/freed by the caller
	}
	select {
	case cw.entries <- entry:
	default:
	}
}

func (cw *captureWriter) loop(ctx context.Context, filep *os.File) {
	defer close(cw.joined)
	defer filep.Close()

	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 65535
	if err := w.WriteFileHeader(largeSnapLen, layers.LinkTypeEthernet); err != nil {
		cw.logger.Warnf("mauproxy: capture: WriteFileHeader: %s", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case entry := <-cw.entries:
					cw.writeEntry(entry, w)
				default:
					return
				}
			}
		case entry := <-cw.entries:
			cw.writeEntry(entry, w)
		}
	}
}

func (cw *captureWriter) writeEntry(entry *captureEntry, w *pcapgo.Writer) {
	frame, err := synthesizeFrame(entry)
	if err != nil {
		cw.logger.Warnf("mauproxy: capture: synthesizeFrame: %s", err.Error())
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := w.WritePacket(ci, frame); err != nil {
		cw.logger.Warnf("mauproxy: capture: WritePacket: %s", err.Error())
	}
}

// synthesizeFrame builds an Ethernet/IPv4/UDP frame carrying payload,
// addressed to dest. The proxy only ever sees payloads post-channel,
// so source address/port are fabricated: they carry no meaning beyond
// making the capture file structurally valid for external tools.
func synthesizeFrame(entry *captureEntry) ([]byte, error) {
	srcIP := net.IPv4(127, 0, 0, 1)
	dstIP := entry.dest.IP.To4()
	if dstIP == nil {
		dstIP = net.IPv4(127, 0, 0, 1).To4()
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(1),
		DstPort: layers.UDPPort(entry.dest.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(entry.payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// close stops the background writer and waits for it to drain,
// mirroring PCAPDumper.Close's once-and-wait pattern.
func (cw *captureWriter) close() error {
	cw.closeOnce.Do(func() {
		cw.cancel()
		<-cw.joined
	})
	return nil
}
