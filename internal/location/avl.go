package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"track-agent/internal/codec"
	"track-agent/internal/codec/fmxxx"
	"track-agent/internal/observability"
)

const (
	ProviderAVL = "avl"

	// UERE aproximado para convertir HDOP a metros.
	uereMeters = 5.0
)

type avlSub struct {
	ch       chan Fix
	fastest  time.Duration
	lastSent time.Time
}

// AVLSource accepts Teltonika trackers over TCP and turns their AVL records
// into fixes. Every connected device feeds the same stream.
type AVLSource struct {
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[string]net.Conn
	subs     map[int]*avlSub
	nextSub  int
	last     Fix
	haveLast bool
	gnss     uint64
	haveGnss bool
}

func NewAVLSource(addr string, logger *slog.Logger) *AVLSource {
	return &AVLSource{
		addr:   addr,
		logger: logger.With("component", "avl"),
		conns:  make(map[string]net.Conn),
		subs:   make(map[int]*avlSub),
	}
}

// Start opens the listener and accepts devices until ctx is done or Close is called.
func (s *AVLSource) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("error starting AVL listener: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("AVL listener started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (s *AVLSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *AVLSource) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := s.conns
	s.conns = make(map[string]net.Conn)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *AVLSource) RequestUpdates(ctx context.Context, p Policy) (<-chan Fix, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil || s.gnssOffLocked() {
		return nil, ErrDisabled
	}

	s.nextSub++
	id := s.nextSub
	sub := &avlSub{ch: make(chan Fix, 16), fastest: p.FastestInterval}
	s.subs[id] = sub

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *AVLSource) LastFix(ctx context.Context) (Fix, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil || s.gnssOffLocked() {
		return Fix{}, ResultUnavailable
	}
	if !s.haveLast {
		return Fix{}, ResultNotReady
	}
	return s.last, ResultOK
}

func (s *AVLSource) gnssOffLocked() bool {
	return s.haveGnss && (s.gnss == fmxxx.GnssOff || s.gnss == fmxxx.GnssSleep)
}

func (s *AVLSource) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *AVLSource) handleConnection(conn net.Conn) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	imei, err := codec.ReadIMEI(conn)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "err", err)
		_, _ = conn.Write([]byte{0x00})
		return
	}
	if _, err := conn.Write([]byte{0x01}); err != nil {
		return
	}
	s.track(imei, conn)
	defer s.untrack(imei, conn)
	s.logger.Info("device connected", "imei", imei, "remote", conn.RemoteAddr().String())

	for {
		frame, err := codec.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read error", "imei", imei, "err", err)
			}
			s.logger.Info("device disconnected", "imei", imei)
			return
		}
		observability.AVLFrames.Inc()

		pkt, err := codec.ParseAVL(frame)
		if err != nil {
			// sin ACK: el equipo reenvía la trama
			observability.AVLParseErrors.Inc()
			s.logger.Warn("parse error", "imei", imei, "err", err)
			continue
		}
		for _, rec := range pkt.Records {
			s.ingest(imei, rec)
		}
		if _, err := conn.Write(pkt.Ack()); err != nil {
			s.logger.Warn("ack write failed", "imei", imei, "err", err)
			return
		}
	}
}

func (s *AVLSource) track(imei string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.conns[imei]; ok && old != conn {
		_ = old.Close()
	}
	s.conns[imei] = conn
}

func (s *AVLSource) untrack(imei string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[imei] == conn {
		delete(s.conns, imei)
	}
}

func (s *AVLSource) ingest(imei string, rec codec.AVLRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := rec.IOValue(fmxxx.GnssStatus); ok {
		s.gnss = v
		s.haveGnss = true
		if s.gnssOffLocked() {
			s.haveLast = false
			return
		}
	}

	fix, ok := fixFromRecord(imei, rec)
	if !ok {
		return
	}
	if s.haveLast && fix.Timestamp.Before(s.last.Timestamp) {
		// registros del buffer del equipo: se reportan pero no pisan el último
		s.publishLocked(fix)
		return
	}
	s.last = fix
	s.haveLast = true
	s.publishLocked(fix)
}

func (s *AVLSource) publishLocked(fix Fix) {
	for _, sub := range s.subs {
		if sub.fastest > 0 && !sub.lastSent.IsZero() && fix.Timestamp.Sub(sub.lastSent) < sub.fastest {
			continue
		}
		select {
		case sub.ch <- fix:
			sub.lastSent = fix.Timestamp
		default:
			s.logger.Warn("subscriber lagging, fix dropped", "provider", fix.Provider)
		}
	}
}

// fixFromRecord convierte un registro AVL; sin fix si hay <= 3 satélites o coordenadas inválidas.
func fixFromRecord(imei string, rec codec.AVLRecord) (Fix, bool) {
	if !rec.GPS.HasFix() {
		return Fix{}, false
	}
	accuracy := 10.0
	if hdop, ok := rec.IOValue(fmxxx.GnssHDOP); ok && hdop > 0 {
		accuracy = float64(hdop) / 10 * uereMeters
	}
	return Fix{
		Latitude:  rec.GPS.Latitude,
		Longitude: rec.GPS.Longitude,
		Accuracy:  accuracy,
		Altitude:  float64(rec.GPS.Altitude),
		Speed:     float64(rec.GPS.Speed),
		Bearing:   float64(rec.GPS.Angle),
		Timestamp: rec.Timestamp,
		Provider:  ProviderAVL + ":" + imei,
	}, true
}
