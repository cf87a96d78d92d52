package rtsp

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"

	"h264relay/internal/annexb"
	"h264relay/internal/h264"
	"h264relay/internal/sink"
)

const (
	payloadType    = 96
	payloadMaxSize = 1200
	clockRate      = 90000
)

// packetWriter is satisfied by *gortsplib.ServerStream.
type packetWriter interface {
	WritePacketRTP(medi *description.Media, pkt *rtp.Packet) error
}

// Publisher packetizes access units into RTP and writes them to one
// RTSP path. Sessions write through the Output returned by Attach.
//
// Between sessions the publisher holds the path open: every keepalive
// interval it re-sends the last keyframe so connected players keep a
// still picture instead of timing out.
type Publisher struct {
	Name string
	log  *slog.Logger

	keepalive time.Duration

	mu        sync.Mutex
	stream    packetWriter
	desc      *description.Session
	forma     *format.H264
	enc       *rtph264.Encoder
	live      int // configured outputs
	published int

	lastKey  []byte
	lastTS   uint32
	held     int
	stopHold chan struct{}
}

// Output is the sink.Sink of one session writing to a Publisher. The
// publisher stays configured until every configured output has ended.
type Output struct {
	p          *Publisher
	configured bool
	published  int
	drained    int
}

var _ sink.Sink = (*Output)(nil)

// NewPublisher creates a publisher with a single H.264 video media. A
// non-positive keepalive disables keyframe repetition between sessions.
func NewPublisher(name string, keepalive time.Duration) *Publisher {
	forma := &format.H264{PayloadTyp: payloadType, PacketizationMode: 1}
	return &Publisher{
		Name:      name,
		log:       slog.With("component", "rtsp", "path", "/"+name),
		keepalive: keepalive,
		forma:     forma,
		desc: &description.Session{
			Medias: []*description.Media{{
				Type:    description.MediaTypeVideo,
				Formats: []format.Format{forma},
			}},
		},
	}
}

// Attach returns a new output for one session.
func (p *Publisher) Attach() *Output {
	return &Output{p: p}
}

// Description returns the session description served on DESCRIBE.
func (p *Publisher) Description() *description.Session {
	return p.desc
}

// SetStream binds the output stream.
func (p *Publisher) SetStream(stream packetWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = stream
}

// Configure stores the parameter sets in the SDP and resets the RTP encoder.
func (o *Output) Configure(cfg sink.Config) error {
	p := o.p
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopHoldover()
	enc := &rtph264.Encoder{
		PayloadType:       payloadType,
		PayloadMaxSize:    payloadMaxSize,
		PacketizationMode: 1,
	}
	if err := enc.Init(); err != nil {
		return fmt.Errorf("h264 RTP encoder init: %w", err)
	}
	p.enc = enc
	if len(cfg.SPS) > 0 && len(cfg.PPS) > 0 {
		p.forma.SafeSetParams(cfg.SPS, cfg.PPS)
	}
	if !o.configured {
		o.configured = true
		p.live++
	}

	p.log.Info("publisher configured",
		"width", cfg.Width, "height", cfg.Height, "rotation", cfg.Rotation, "outputs", p.live)
	return nil
}

// Submit packetizes au and writes its packets. The RTP timestamp is the
// access unit PTS on the 90 kHz clock.
func (o *Output) Submit(au h264.AccessUnit) error {
	p := o.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if !o.configured {
		return errors.New("publisher not configured")
	}

	nalus := annexb.Split(au.Data)
	if len(nalus) == 0 {
		return nil
	}
	pkts, err := p.enc.Encode(nalus)
	if err != nil {
		p.log.Warn("RTP encode failed", "error", err, "pts", au.PTS)
		return nil
	}

	ts := uint32(au.PTS * clockRate / 1_000_000)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
		p.writePacket(pkt)
	}
	o.published++
	p.published++
	p.lastTS = ts
	if au.Keyframe {
		p.lastKey = append(p.lastKey[:0], au.Data...)
	}
	return nil
}

func (p *Publisher) writePacket(pkt *rtp.Packet) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic writing RTP packet",
				"error", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if p.stream == nil {
		return
	}
	if err := p.stream.WritePacketRTP(p.desc.Medias[0], pkt); err != nil {
		p.log.Debug("write RTP packet", "error", err)
	}
}

func (o *Output) DrainOutput() int {
	o.p.mu.Lock()
	defer o.p.mu.Unlock()

	n := o.published - o.drained
	o.drained = o.published
	return n
}

// EndOfStream detaches the output. When it was the last configured
// output the publisher becomes unconfigured and starts repeating the
// last keyframe; the RTSP path stays open for the next session.
func (o *Output) EndOfStream() error {
	p := o.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if !o.configured {
		return nil
	}
	o.configured = false
	p.live--
	if p.live > 0 {
		p.log.Info("session output ended", "access_units", o.published, "outputs", p.live)
		return nil
	}
	p.log.Info("publisher stream ended", "access_units", p.published)

	if p.keepalive > 0 && p.enc != nil && len(p.lastKey) > 0 && p.stopHold == nil {
		p.stopHold = make(chan struct{})
		go p.holdover(p.stopHold)
		p.log.Info("holding last keyframe", "interval", p.keepalive)
	}
	return nil
}

// Configured reports whether any output is live.
func (p *Publisher) Configured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live > 0
}

// Held returns the number of keyframe repetitions sent between sessions.
func (p *Publisher) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Close stops keyframe repetition.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopHoldover()
}

// stopHoldover must be called with p.mu held.
func (p *Publisher) stopHoldover() {
	if p.stopHold != nil {
		close(p.stopHold)
		p.stopHold = nil
	}
}

func (p *Publisher) holdover(stop <-chan struct{}) {
	ticker := time.NewTicker(p.keepalive)
	defer ticker.Stop()
	step := uint32(p.keepalive.Seconds() * clockRate)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		select {
		case <-stop:
			p.mu.Unlock()
			return
		default:
		}
		pkts, err := p.enc.Encode(annexb.Split(p.lastKey))
		if err == nil {
			p.lastTS += step
			for _, pkt := range pkts {
				pkt.Timestamp = p.lastTS
				p.writePacket(pkt)
			}
			p.held++
		}
		p.mu.Unlock()
	}
}
