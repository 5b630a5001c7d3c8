// Package main simulates a fleet of accelerometer nodes against a running
// server: each node registers with HELLO heartbeats, streams DATA frames of
// a synthesized vibration signal, retires frames from its retransmission
// queue on DATA_ACK and answers CMD frames with ACKs. Useful for exercising
// the full ingest path without hardware on the bench.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roadhum/vibesense/internal/wire"
)

var (
	server      = flag.String("server", "127.0.0.1:9123", "Server UDP address")
	nodes       = flag.Int("nodes", 1, "Number of simulated nodes")
	rate        = flag.Int("rate", 1024, "Sample rate in Hz")
	frameLen    = flag.Int("frame", 200, "Samples per DATA frame")
	toneHz      = flag.Float64("tone", 12.0, "Injected vibration tone frequency in Hz")
	toneAmp     = flag.Float64("amp", 0.3, "Tone amplitude in g")
	noiseAmp    = flag.Float64("noise", 0.01, "Gaussian noise amplitude in g")
	countsPerG  = flag.Float64("counts-per-g", 16384, "Raw counts per g")
	dropPct     = flag.Float64("drop", 0, "Fraction of DATA frames to drop before sending (0..1)")
	controlBase = flag.Int("control-base", 41000, "First control port; node i listens on base+i")
)

const (
	helloInterval  = time.Second
	resendInterval = 2 * time.Second
	maxQueue       = 64
)

type pendingFrame struct {
	seq    uint32
	buf    []byte
	sentAt time.Time
}

// node is one simulated sensor. The send loop owns all mutable state
// except the pending queue, which the control loop trims on DATA_ACK.
type node struct {
	id          wire.ClientID
	name        string
	controlPort int
	rng         *rand.Rand

	mu         sync.Mutex
	pending    []pendingFrame
	queueDrops uint32
}

func nodeID(i int) wire.ClientID {
	return wire.ClientID{0x02, 0x51, 0x4e, 0x00, 0x00, byte(i + 1)}
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < *nodes; i++ {
		n := &node{
			id:          nodeID(i),
			name:        fmt.Sprintf("sim-%d", i),
			controlPort: *controlBase + i,
			rng:         rand.New(rand.NewSource(int64(i) + 1)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.run(ctx); err != nil && err != context.Canceled {
				log.Printf("%s: %v", n.name, err)
			}
		}()
	}
	wg.Wait()
}

func (n *node) run(ctx context.Context) error {
	serverAddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		return fmt.Errorf("resolve server: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer conn.Close()

	control, err := net.ListenUDP("udp", &net.UDPAddr{Port: n.controlPort})
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	defer control.Close()

	go n.controlLoop(ctx, control, serverAddr)

	if err := n.sendHello(conn); err != nil {
		return err
	}
	log.Printf("%s: registered with %s, control port %d", n.name, *server, n.controlPort)

	frameInterval := time.Duration(*frameLen) * time.Second / time.Duration(*rate)
	frameTicker := time.NewTicker(frameInterval)
	defer frameTicker.Stop()
	helloTicker := time.NewTicker(helloInterval)
	defer helloTicker.Stop()
	resendTicker := time.NewTicker(resendInterval)
	defer resendTicker.Stop()

	var seq uint32
	var sampleIdx uint64
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-helloTicker.C:
			if err := n.sendHello(conn); err != nil {
				log.Printf("%s: hello failed: %v", n.name, err)
			}

		case <-frameTicker.C:
			seq++
			frame := wire.DataFrame{
				ClientID: n.id,
				Seq:      seq,
				T0Micros: uint64(start.UnixMicro()) + sampleIdx*uint64(1_000_000 / *rate),
				Samples:  n.synthesize(sampleIdx),
			}
			sampleIdx += uint64(*frameLen)
			buf, err := frame.Encode()
			if err != nil {
				return fmt.Errorf("encode data: %w", err)
			}
			n.enqueue(seq, buf)
			if n.rng.Float64() < *dropPct {
				continue // simulated packet loss; the resend path covers it
			}
			if _, err := conn.Write(buf); err != nil {
				log.Printf("%s: send failed: %v", n.name, err)
			}

		case <-resendTicker.C:
			n.resend(conn)
		}
	}
}

// synthesize produces one frame of tone + noise, phase-continuous across
// frames via the absolute sample index.
func (n *node) synthesize(startIdx uint64) []wire.Sample {
	samples := make([]wire.Sample, *frameLen)
	for i := range samples {
		t := float64(startIdx+uint64(i)) / float64(*rate)
		v := *toneAmp*math.Sin(2*math.Pi**toneHz*t) + *noiseAmp*n.rng.NormFloat64()
		samples[i] = wire.Sample{
			X: int16(v * *countsPerG),
			Y: int16(*noiseAmp * n.rng.NormFloat64() * *countsPerG),
			Z: int16((1 + *noiseAmp*n.rng.NormFloat64()) * *countsPerG),
		}
	}
	return samples
}

func (n *node) sendHello(conn *net.UDPConn) error {
	n.mu.Lock()
	drops := n.queueDrops
	n.mu.Unlock()
	h := wire.Hello{
		ClientID:           n.id,
		ControlPort:        uint16(n.controlPort),
		SampleRateHz:       uint16(*rate),
		FrameSamples:       uint16(*frameLen),
		Name:               n.name,
		Firmware:           "nodesim-0.3",
		QueueOverflowDrops: drops,
	}
	buf, err := h.Encode()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

func (n *node) enqueue(seq uint32, buf []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) >= maxQueue {
		n.pending = n.pending[1:]
		n.queueDrops++
	}
	n.pending = append(n.pending, pendingFrame{seq: seq, buf: buf, sentAt: time.Now()})
}

// resend replays frames the server has not acked within the resend window.
func (n *node) resend(conn *net.UDPConn) {
	now := time.Now()
	n.mu.Lock()
	var stale [][]byte
	for i := range n.pending {
		if now.Sub(n.pending[i].sentAt) >= resendInterval {
			stale = append(stale, n.pending[i].buf)
			n.pending[i].sentAt = now
		}
	}
	n.mu.Unlock()
	for _, buf := range stale {
		if _, err := conn.Write(buf); err != nil {
			log.Printf("%s: resend failed: %v", n.name, err)
			return
		}
	}
}

// retire drops every pending frame at or below the acked seq, wrap-aware.
func (n *node) retire(lastSeq uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.pending[:0]
	for _, p := range n.pending {
		if wire.SeqDelta(p.seq, lastSeq) < 0 {
			kept = append(kept, p)
		}
	}
	n.pending = kept
}

// controlLoop handles server frames on the control port: DATA_ACKs retire
// the retransmission queue, CMDs are acked back to the server.
func (n *node) controlLoop(ctx context.Context, control *net.UDPConn, serverAddr *net.UDPAddr) {
	buf := make([]byte, wire.MaxDatagramSize+64)
	for {
		if ctx.Err() != nil {
			return
		}
		control.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		read, _, err := control.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		frameType, err := wire.PeekType(buf[:read])
		if err != nil {
			continue
		}
		switch frameType {
		case wire.TypeDataAck:
			ack, err := wire.DecodeDataAck(buf[:read], n.id)
			if err != nil {
				continue
			}
			n.retire(ack.LastSeq)

		case wire.TypeCmd:
			cmd, err := wire.DecodeCommand(buf[:read], n.id)
			if err != nil {
				continue
			}
			n.handleCommand(control, serverAddr, cmd)
		}
	}
}

func (n *node) handleCommand(control *net.UDPConn, serverAddr *net.UDPAddr, cmd wire.Command) {
	switch cmd.CmdID {
	case wire.CmdIdentify:
		log.Printf("%s: identify requested (body %x)", n.name, cmd.Body)
	case wire.CmdReboot:
		log.Printf("%s: reboot requested (simulated)", n.name)
	default:
		log.Printf("%s: unknown command %d", n.name, cmd.CmdID)
	}
	ack := wire.CommandAck{ClientID: n.id, CmdSeq: cmd.CmdSeq, Status: 0}
	out, err := ack.Encode()
	if err != nil {
		return
	}
	if _, err := control.WriteToUDP(out, serverAddr); err != nil {
		log.Printf("%s: command ack failed: %v", n.name, err)
	}
}
