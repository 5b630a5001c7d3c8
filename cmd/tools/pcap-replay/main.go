//go:build pcap
// +build pcap

// Package main replays captured sensor UDP traffic against a running
// server. It extracts UDP payloads from a pcap file, optionally filters to
// the sensor port, and resends them preserving the original inter-packet
// gaps (or as fast as possible with -fast). Handy for reproducing field
// captures on the bench.
package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/roadhum/vibesense/internal/wire"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	server   = flag.String("server", "127.0.0.1:9123", "Server UDP address")
	port     = flag.Int("port", 0, "Only replay packets to this UDP destination port (0 = any)")
	fast     = flag.Bool("fast", false, "Replay without inter-packet delays")
	speedup  = flag.Float64("speedup", 1.0, "Timing divisor; 2 replays at twice the captured rate")
	verbose  = flag.Bool("v", false, "Log every replayed frame")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("a -pcap file is required")
	}

	handle, err := pcap.OpenOffline(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *pcapFile, err)
	}
	defer handle.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		log.Fatalf("failed to resolve server address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		log.Fatalf("failed to dial server: %v", err)
	}
	defer conn.Close()

	var (
		sent, skipped int
		lastCaptured  time.Time
		byType        = make(map[uint8]int)
	)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if *port != 0 && int(udp.DstPort) != *port {
			continue
		}
		payload := udp.Payload
		if len(payload) == 0 || len(payload) > wire.MaxDatagramSize {
			skipped++
			continue
		}
		frameType, err := wire.PeekType(payload)
		if err != nil {
			skipped++
			continue
		}

		captured := packet.Metadata().Timestamp
		if !*fast && !lastCaptured.IsZero() {
			gap := captured.Sub(lastCaptured)
			if *speedup > 0 {
				gap = time.Duration(float64(gap) / *speedup)
			}
			if gap > 0 {
				time.Sleep(gap)
			}
		}
		lastCaptured = captured

		if _, err := conn.Write(payload); err != nil {
			log.Fatalf("send failed after %d frames: %v", sent, err)
		}
		sent++
		byType[frameType]++
		if *verbose {
			log.Printf("replayed frame type %d (%d bytes)", frameType, len(payload))
		}
	}

	log.Printf("replayed %d frames (%d skipped): hello=%d data=%d ack=%d",
		sent, skipped, byType[wire.TypeHello], byType[wire.TypeData], byType[wire.TypeAck])
}
