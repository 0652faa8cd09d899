package link

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPDialer opens a plain socket and writes one JSON record per line (NDJSON).
type TCPDialer struct {
	Logger *slog.Logger
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := c.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tc := &tcpConn{conn: c, logger: logger.With("component", "link"), done: make(chan struct{})}
	go tc.readLoop()
	return tc, nil
}

type tcpConn struct {
	conn   net.Conn
	logger *slog.Logger

	wmu      sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func (t *tcpConn) Write(ctx context.Context, rec Record) error {
	b, err := rec.Marshal()
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err = t.conn.Write(append(b, '\n'))
	return err
}

func (t *tcpConn) Done() <-chan struct{} { return t.done }

func (t *tcpConn) Close() error {
	err := t.conn.Close()
	t.doneOnce.Do(func() { close(t.done) })
	return err
}

// -------------------------------------------------------------------
//                           LECTURA
// -------------------------------------------------------------------

// readLoop detecta la caída del servidor; por ahora sólo loguea lo que llega.
func (t *tcpConn) readLoop() {
	defer t.doneOnce.Do(func() { close(t.done) })
	r := bufio.NewScanner(t.conn)
	for r.Scan() {
		t.logger.Debug("link: incoming line", "line", r.Text())
	}
	if err := r.Err(); err != nil && err != io.EOF {
		t.logger.Debug("link: read error", "err", err)
	}
}
