package ircconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultPingTimeout matches heisenbridge's default (300s); the liveness
// probe runs every ping_timeout/3 seconds.
const DefaultPingTimeout = 300 * time.Second

// Handler processes one parsed inbound message. A handler may be registered
// for a specific command/numeric, or for CommandAny to see every message.
type Handler func(msg *Message)

const CommandAny = "*"

// DialOptions configures one connection attempt.
type DialOptions struct {
	Address     string
	Port        int
	TLS         bool
	TLSInsecure bool
	ProxyURL    string // optional SOCKS proxy, e.g. "socks5://127.0.0.1:9050"

	Nick     string
	Username string
	Ircname  string
	Password string

	PingTimeout time.Duration
}

// Conn is one live (or connecting) IRC socket, including the outbound
// pacer and liveness probe described in §4.F.
type Conn struct {
	opts DialOptions

	netConn net.Conn
	writer  *bufio.Writer

	mu         sync.Mutex
	handlers   map[string][]Handler
	closed     bool
	serverName string

	sendCh chan string

	pingTimeout   time.Duration
	lastDataMu    sync.Mutex
	lastData      time.Time
	lastSend      time.Time
	penalty       int

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Dial opens a TCP (or TLS) connection per opts, sends the initial
// PASS/NICK/USER handshake, and starts the pacer, liveness probe, and read
// loop goroutines. The caller must register handlers before traffic of
// interest arrives (handlers registered after Dial still see all messages
// from the point of registration onward).
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	address := fmt.Sprintf("%s:%d", opts.Address, opts.Port)

	var rawConn net.Conn
	var err error

	if opts.ProxyURL != "" {
		dialer, derr := proxyDialer(opts.ProxyURL)
		if derr != nil {
			return nil, fmt.Errorf("configure proxy: %w", derr)
		}
		rawConn, err = dialer.Dial("tcp", address)
	} else {
		d := net.Dialer{Timeout: 30 * time.Second}
		rawConn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if opts.TLS {
		tlsConn := tls.Client(rawConn, &tls.Config{
			ServerName:         opts.Address,
			InsecureSkipVerify: opts.TLSInsecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		rawConn = tlsConn
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}

	c := &Conn{
		opts:        opts,
		netConn:     rawConn,
		writer:      bufio.NewWriter(rawConn),
		handlers:    map[string][]Handler{},
		sendCh:      make(chan string, 256),
		pingTimeout: pingTimeout,
		lastData:    time.Now(),
		doneCh:      make(chan struct{}),
	}

	go c.pacerLoop()
	go c.readLoop()
	go c.livenessLoop()

	if opts.Password != "" {
		c.SendRaw(FormatLine("PASS", opts.Password))
	}
	c.SendRaw(FormatLine("NICK", opts.Nick))
	c.SendRaw(FormatLine("USER", opts.Username, "0", "*", opts.Ircname))

	return c, nil
}

func proxyDialer(proxyURL string) (proxy.Dialer, error) {
	u, err := parseProxyURL(proxyURL)
	if err != nil {
		return nil, err
	}
	return proxy.FromURL(u, proxy.Direct)
}

// On registers handler for command (an IRC command name or numeric, or
// CommandAny for all messages), in registration order — matching the
// bridge's own irc_register/on_irc_event dispatch contract (§9).
func (c *Conn) On(command string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToUpper(command)] = append(c.handlers[strings.ToUpper(command)], handler)
}

func (c *Conn) dispatch(msg *Message) {
	c.mu.Lock()
	specific := append([]Handler(nil), c.handlers[msg.Command]...)
	anyHandlers := append([]Handler(nil), c.handlers[CommandAny]...)
	c.mu.Unlock()

	for _, h := range specific {
		h(msg)
	}
	for _, h := range anyHandlers {
		h(msg)
	}
}

// SetServerName records the server's self-reported name (from the welcome
// prefix), used as the liveness probe's PING target instead of the dialed
// address (§4.F "PING <real_server_name>").
func (c *Conn) SetServerName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverName = name
}

func (c *Conn) pingTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverName != "" {
		return c.serverName
	}
	return c.opts.Address
}

// Connected reports whether the underlying socket is still open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// LocalPort and RemotePort support the ident responder's (srcport,dstport)
// lookup (§4.I).
func (c *Conn) LocalPort() int  { return portOf(c.netConn.LocalAddr()) }
func (c *Conn) RemotePort() int { return portOf(c.netConn.RemoteAddr()) }

func portOf(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// SendRaw enqueues line for transmission through the outbound pacer.
func (c *Conn) SendRaw(line string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.sendCh <- line:
	case <-c.doneCh:
	}
}

// Disconnect closes the socket, optionally sending a QUIT reason first.
func (c *Conn) Disconnect(reason string) {
	if reason != "" {
		c.trySend(FormatLine("QUIT", reason))
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.doneCh)
		c.netConn.Close()
	})
}

func (c *Conn) trySend(line string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.writer.WriteString(line + "\r\n")
	c.writer.Flush()
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 8192), 8192)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		c.lastDataMu.Lock()
		c.lastData = time.Now()
		c.lastDataMu.Unlock()

		msg := ParseMessage(line)
		if msg.Command == "PING" {
			c.SendRaw(FormatLine("PONG", msg.Trailing()))
		}
		c.dispatch(msg)
	}
	c.Disconnect("")
}

// pacerLoop implements §4.F's outbound pacing algorithm: a penalty counter
// that grows when lines are sent within the same wall-clock second, and a
// per-line sleep derived from line length, so long bursts throttle down
// while ordinary traffic passes through with no added latency.
func (c *Conn) pacerLoop() {
	for {
		select {
		case line, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.paceSend(line)
		case <-c.doneCh:
			return
		}
	}
}

func (c *Conn) paceSend(line string) {
	now := time.Now()

	c.lastDataMu.Lock()
	last := c.lastSend
	c.lastDataMu.Unlock()

	if !last.IsZero() {
		diff := int(now.Sub(last).Seconds())
		if diff == 0 {
			c.penalty++
		} else {
			c.penalty -= diff
			if c.penalty < 0 {
				c.penalty = 0
			}
		}
	}

	c.trySend(line)

	sleep := float64(len(line)) / 512 * 6
	if sleep < 1.5 {
		sleep = 1.5
	}

	if c.penalty > 5 || sleep > 1.5 {
		time.Sleep(time.Duration(sleep * float64(time.Second)))
		c.lastDataMu.Lock()
		c.lastSend = time.Now()
		c.lastDataMu.Unlock()
	} else {
		c.lastDataMu.Lock()
		c.lastSend = now
		c.lastDataMu.Unlock()
	}
}

// livenessLoop implements §4.F's PING-based liveness probe.
func (c *Conn) livenessLoop() {
	interval := c.pingTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.lastDataMu.Lock()
			elapsed := time.Since(c.lastData)
			c.lastDataMu.Unlock()

			if elapsed >= c.pingTimeout {
				log.Printf("[irc] no data received in %s, disconnecting", c.pingTimeout)
				c.Disconnect("No data received.")
				return
			}
			if elapsed >= interval {
				c.SendRaw(FormatLine("PING", c.pingTarget()))
			}
		case <-c.doneCh:
			return
		}
	}
}
