// Package ingest owns the server side of the UDP sensor protocol: the
// datagram read loop, frame decode and dispatch, per-node sequence
// accounting via the registry, sample delivery into the ring-buffer arena,
// periodic DATA_ACKs, and single-attempt command round-trips.
//
// The read loop is the sole writer of ring buffers and registry liveness.
// A malformed or unexpected datagram is counted and dropped; it never
// stops the loop or applies partial state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/roadhum/vibesense/internal/monitoring"
	"github.com/roadhum/vibesense/internal/registry"
	"github.com/roadhum/vibesense/internal/samplebuf"
	"github.com/roadhum/vibesense/internal/timeutil"
	"github.com/roadhum/vibesense/internal/wire"
)

// ErrNoAck is returned when a command's ack window expires without an ACK.
var ErrNoAck = errors.New("ingest: no ack from node")

// ErrUnknownClient is returned when a command targets an unregistered node.
var ErrUnknownClient = errors.New("ingest: unknown client")

// Config contains configuration options for the receiver.
type Config struct {
	Address  string
	RcvBuf   int
	Registry *registry.Registry
	Arena    *samplebuf.Arena

	// AckInterval is the period between DATA_ACK frames to each live node.
	AckInterval time.Duration

	// CommandTimeout bounds how long SendCommand waits for a node's ACK.
	CommandTimeout time.Duration

	// DefaultSampleRateHz spaces sample timestamps for nodes whose HELLO
	// declared no rate.
	DefaultSampleRateHz int

	LogInterval time.Duration
	Stats       StatsInterface
	Clock       timeutil.Clock

	// SocketFactory defaults to real UDP sockets.
	SocketFactory UDPSocketFactory
}

// Receiver handles the sensor-facing UDP socket.
type Receiver struct {
	cfg   Config
	stats StatsInterface
	clock timeutil.Clock

	sockMu sync.Mutex
	sock   UDPSocket

	cmdMu   sync.Mutex
	cmdSeq  uint32
	waiters map[uint32]*cmdWaiter
}

// cmdWaiter is one in-flight command wait. The channel is closed (never
// sent on) when the client is removed mid-wait.
type cmdWaiter struct {
	client wire.ClientID
	ch     chan wire.CommandAck
}

// NewReceiver creates a receiver with the provided configuration.
func NewReceiver(cfg Config) (*Receiver, error) {
	if cfg.Registry == nil || cfg.Arena == nil {
		return nil, errors.New("ingest: registry and arena are required")
	}
	if cfg.Stats == nil {
		cfg.Stats = &noopStats{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = &RealUDPSocketFactory{}
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	if cfg.DefaultSampleRateHz <= 0 {
		cfg.DefaultSampleRateHz = 1024
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	return &Receiver{
		cfg:     cfg,
		stats:   cfg.Stats,
		clock:   cfg.Clock,
		waiters: make(map[uint32]*cmdWaiter),
	}, nil
}

// Start begins listening for datagrams and blocks until the context is
// cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := r.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	r.sockMu.Lock()
	r.sock = sock
	r.sockMu.Unlock()
	defer sock.Close()

	if r.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(r.cfg.RcvBuf); err != nil {
			monitoring.Logf("ingest: failed to set UDP receive buffer to %d: %v", r.cfg.RcvBuf, err)
		}
	}
	monitoring.Logf("ingest: listening on %s", sock.LocalAddr())

	go r.ackLoop(ctx)
	go r.statsLoop(ctx)

	buffer := make([]byte, wire.MaxDatagramSize+64)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("ingest: stopping due to context cancellation")
			return ctx.Err()
		default:
			sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, src, err := sock.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("ingest: UDP read error: %v", err)
				continue
			}
			r.handleDatagram(buffer[:n], src)
		}
	}
}

// handleDatagram decodes one frame and dispatches it by type.
func (r *Receiver) handleDatagram(buf []byte, src *net.UDPAddr) {
	r.stats.AddFrame(len(buf))

	frameType, err := wire.PeekType(buf)
	if err != nil {
		r.stats.AddDecodeError()
		return
	}

	switch frameType {
	case wire.TypeHello:
		h, err := wire.DecodeHello(buf)
		if err != nil {
			r.stats.AddDecodeError()
			return
		}
		if _, ok := r.cfg.Registry.RegisterOrRefresh(h, src); !ok {
			monitoring.Logf("ingest: registry full, rejecting node %s", h.ClientID)
			r.stats.AddDiscarded()
		}

	case wire.TypeData:
		d, err := wire.DecodeData(buf)
		if err != nil {
			r.stats.AddDecodeError()
			return
		}
		r.handleData(d, src)

	case wire.TypeAck:
		a, err := wire.DecodeCommandAck(buf)
		if err != nil {
			r.stats.AddDecodeError()
			return
		}
		r.deliverAck(a)

	default:
		// CMD and DATA_ACK travel server->node; receiving one here means a
		// confused or hostile sender.
		r.stats.AddDiscarded()
	}
}

func (r *Receiver) handleData(d wire.DataFrame, src *net.UDPAddr) {
	slot, accept := r.cfg.Registry.Touch(d.ClientID, d.Seq, src)
	if !accept {
		if _, known := r.cfg.Registry.Lookup(d.ClientID); !known {
			r.stats.AddUnknownData()
		} else {
			r.stats.AddDiscarded()
		}
		return
	}

	rate := r.cfg.DefaultSampleRateHz
	if rec, ok := r.cfg.Registry.Lookup(d.ClientID); ok && rec.SampleRateHz > 0 {
		rate = int(rec.SampleRateHz)
	}
	// Rates like 1024 Hz have a fractional microsecond spacing, so the
	// offset is rounded per sample rather than accumulated from a
	// truncated step.
	usPerSample := 1e6 / float64(rate)

	ring := r.cfg.Arena.Ring(slot)
	for i, s := range d.Samples {
		ring.Push(samplebuf.Sample{
			TimestampMicros: d.T0Micros + uint64(math.Round(float64(i)*usPerSample)),
			X:               s.X,
			Y:               s.Y,
			Z:               s.Z,
		})
	}
	r.stats.AddSamples(len(d.Samples))
}

// ackLoop periodically tells every live node the highest seq received so
// the node can retire frames from its retransmission queue.
func (r *Receiver) ackLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.sendDataAcks()
		}
	}
}

func (r *Receiver) sendDataAcks() {
	sock := r.socket()
	if sock == nil {
		return
	}
	for _, rec := range r.cfg.Registry.Snapshot(r.clock.Now()) {
		if rec.Addr == nil || rec.FramesReceived == 0 {
			continue
		}
		ack := wire.DataAck{ClientID: rec.ClientID, LastSeq: rec.LastSeq}
		buf, err := ack.Encode()
		if err != nil {
			continue
		}
		if _, err := sock.WriteToUDP(buf, controlAddr(rec)); err != nil {
			monitoring.Logf("ingest: failed to send DATA_ACK to %s: %v", rec.ClientID, err)
		}
	}
}

// controlAddr is where the node listens for server frames: the source IP
// of its traffic at the control port it declared in HELLO.
func controlAddr(rec registry.ClientRecord) *net.UDPAddr {
	addr := *rec.Addr
	if rec.ControlPort > 0 {
		addr.Port = int(rec.ControlPort)
	}
	return &addr
}

func (r *Receiver) statsLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		r.stats.LogStats()
	}

	ticker := time.NewTicker(r.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.stats.LogStats()
		}
	}
}

func (r *Receiver) socket() UDPSocket {
	r.sockMu.Lock()
	defer r.sockMu.Unlock()
	return r.sock
}

func (r *Receiver) deliverAck(a wire.CommandAck) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	w, ok := r.waiters[a.CmdSeq]
	if !ok {
		// Late ack after the wait gave up, or a seq we never sent.
		r.stats.AddDiscarded()
		return
	}
	select {
	case w.ch <- a:
	default:
	}
}

// CancelPending aborts every in-flight command wait for the given client.
// Called on client removal so waits fail immediately instead of running
// out their timeouts.
func (r *Receiver) CancelPending(id wire.ClientID) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	for seq, w := range r.waiters {
		if w.client == id {
			close(w.ch)
			delete(r.waiters, seq)
		}
	}
}

// SendCommand sends one command frame to a node and waits for its ACK
// within CommandTimeout. A timeout surfaces as ErrNoAck; retry policy
// belongs to the caller.
func (r *Receiver) SendCommand(ctx context.Context, id wire.ClientID, cmdID uint8, body []byte) (wire.CommandAck, error) {
	rec, ok := r.cfg.Registry.Lookup(id)
	if !ok || rec.Addr == nil {
		return wire.CommandAck{}, ErrUnknownClient
	}
	sock := r.socket()
	if sock == nil {
		return wire.CommandAck{}, errors.New("ingest: receiver not started")
	}

	r.cmdMu.Lock()
	r.cmdSeq++
	seq := r.cmdSeq
	w := &cmdWaiter{client: id, ch: make(chan wire.CommandAck, 1)}
	r.waiters[seq] = w
	r.cmdMu.Unlock()
	defer func() {
		r.cmdMu.Lock()
		delete(r.waiters, seq)
		r.cmdMu.Unlock()
	}()

	cmd := wire.Command{ClientID: id, CmdID: cmdID, CmdSeq: seq, Body: body}
	buf, err := cmd.Encode()
	if err != nil {
		return wire.CommandAck{}, err
	}
	if _, err := sock.WriteToUDP(buf, controlAddr(rec)); err != nil {
		return wire.CommandAck{}, fmt.Errorf("ingest: command send failed: %w", err)
	}

	timer := time.NewTimer(r.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case ack, open := <-w.ch:
		if !open {
			return wire.CommandAck{}, fmt.Errorf("%w: removed while awaiting ack", ErrUnknownClient)
		}
		return ack, nil
	case <-ctx.Done():
		return wire.CommandAck{}, ctx.Err()
	case <-timer.C:
		return wire.CommandAck{}, fmt.Errorf("%w within %v", ErrNoAck, r.cfg.CommandTimeout)
	}
}
