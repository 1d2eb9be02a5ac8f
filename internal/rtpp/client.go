// Package rtpp implements a client for the RTPProxy control protocol:
// newline-terminated ASCII commands over an unreliable datagram socket,
// matched to replies by a per-command cookie.
package rtpp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBackendUnavailable is returned when a command got no reply after all
// retries. The relay is assumed down or unreachable.
var ErrBackendUnavailable = fmt.Errorf("rtpproxy: backend unavailable")

// CommandError is an explicit error reply from the relay (an "E<code>" result).
type CommandError struct {
	Code int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("rtpproxy: command failed with E%d", e.Code)
}

const (
	defaultTimeout = time.Second
	defaultRetries = 3
	maxDatagram    = 2048
)

// Client issues commands to a single RTPProxy control socket. The write side
// is shared; concurrent commands are demultiplexed by cookie on the read side.
type Client struct {
	logger  *slog.Logger
	conn    net.Conn
	timeout time.Duration
	retries int

	mu      sync.Mutex
	waiters map[string]chan string

	failures atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the RTPProxy control socket. network is "udp" or "unix"
// (a UNIX datagram socket).
func Dial(network, addr string, logger *slog.Logger) (*Client, error) {
	if network == "unix" {
		network = "unixgram"
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing rtpproxy control socket: %w", err)
	}
	c := &Client{
		logger:  logger.With("component", "rtpp"),
		conn:    conn,
		timeout: defaultTimeout,
		retries: defaultRetries,
		waiters: make(map[string]chan string),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close shuts down the client and its socket. In-flight commands fail with
// ErrBackendUnavailable.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// FailedCommands returns how many commands have failed since the client was
// created, counting timeouts and explicit E replies. Used by metrics.
func (c *Client) FailedCommands() uint64 {
	return c.failures.Load()
}

// portReply parses a port allocation reply, counting failures.
func (c *Client) portReply(reply string) (int, error) {
	port, err := parsePortReply(reply)
	if err != nil {
		c.failures.Add(1)
	}
	return port, err
}

// Offer creates the first-leg relay session for a call and returns the RTP
// port allocated for it.
func (c *Client) Offer(ctx context.Context, callID, fromTag string) (int, error) {
	reply, err := c.do(ctx, "V", sanitizeToken(callID), sanitizeToken(fromTag))
	if err != nil {
		return 0, err
	}
	return c.portReply(reply)
}

// Answer completes the session for the second leg and returns its RTP port.
func (c *Client) Answer(ctx context.Context, callID, fromTag, toTag string) (int, error) {
	reply, err := c.do(ctx, "V", sanitizeToken(callID), sanitizeToken(fromTag), sanitizeToken(toTag))
	if err != nil {
		return 0, err
	}
	return c.portReply(reply)
}

// Update renegotiates an existing session, passing the peer address learned
// from signalling. Returns the (possibly unchanged) relay port.
func (c *Client) Update(ctx context.Context, callID, fromTag, toTag, addr string, port int) (int, error) {
	reply, err := c.do(ctx, "U",
		sanitizeToken(callID), sanitizeToken(fromTag), sanitizeToken(toTag),
		net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	return c.portReply(reply)
}

// Delete tears down a session. An E reply is returned as a CommandError but
// callers treat deletion as best-effort.
func (c *Client) Delete(ctx context.Context, callID, fromTag, toTag string) error {
	reply, err := c.do(ctx, "D", sanitizeToken(callID), sanitizeToken(fromTag), sanitizeToken(toTag))
	if err != nil {
		return err
	}
	if code, ok := parseErrorReply(reply); ok {
		c.failures.Add(1)
		return &CommandError{Code: code}
	}
	return nil
}

// Probe asks the relay for its implementation info. Used at startup to
// verify the control socket is answering.
func (c *Client) Probe(ctx context.Context) (string, error) {
	reply, err := c.do(ctx, "I")
	if err != nil {
		return "", err
	}
	if code, ok := parseErrorReply(reply); ok {
		c.failures.Add(1)
		return "", &CommandError{Code: code}
	}
	return reply, nil
}

// do sends one command with retries and waits for the cookie-matched reply.
// The returned string is the result with the cookie already stripped.
func (c *Client) do(ctx context.Context, verb string, args ...string) (string, error) {
	for attempt := 0; attempt < c.retries; attempt++ {
		cookie := c.newCookie()
		ch := make(chan string, 1)

		c.mu.Lock()
		c.waiters[cookie] = ch
		c.mu.Unlock()

		cmd := verb + cookie
		if len(args) > 0 {
			cmd += " " + strings.Join(args, " ")
		}
		cmd += "\n"

		_, err := c.conn.Write([]byte(cmd))
		if err != nil {
			c.removeWaiter(cookie)
			c.logger.Warn("rtpproxy write failed", "attempt", attempt+1, "error", err)
			continue
		}

		timer := time.NewTimer(c.timeout)
		select {
		case reply := <-ch:
			timer.Stop()
			c.removeWaiter(cookie)
			return reply, nil
		case <-timer.C:
			c.removeWaiter(cookie)
			c.logger.Warn("rtpproxy command timed out", "verb", verb, "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			c.removeWaiter(cookie)
			return "", ctx.Err()
		case <-c.done:
			timer.Stop()
			c.removeWaiter(cookie)
			c.failures.Add(1)
			return "", ErrBackendUnavailable
		}
	}
	c.failures.Add(1)
	return "", ErrBackendUnavailable
}

// readLoop receives datagrams and routes each reply to the waiter whose
// cookie it echoes. Unmatched replies (late retransmits) are discarded.
func (c *Client) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Error("rtpproxy control socket read failed", "error", err)
			}
			return
		}
		line := strings.TrimRight(string(buf[:n]), "\r\n")
		cookie, result, ok := strings.Cut(line, " ")
		if !ok {
			// A bare cookie with no result is not a valid reply.
			continue
		}

		c.mu.Lock()
		ch, found := c.waiters[cookie]
		c.mu.Unlock()
		if !found {
			c.logger.Debug("rtpproxy reply with unknown cookie", "cookie", cookie)
			continue
		}
		select {
		case ch <- result:
		default:
		}
	}
}

func (c *Client) removeWaiter(cookie string) {
	c.mu.Lock()
	delete(c.waiters, cookie)
	c.mu.Unlock()
}

// newCookie generates a short random token, retrying on the unlikely
// collision with an in-flight command.
func (c *Client) newCookie() string {
	for {
		b := make([]byte, 4)
		rand.Read(b)
		cookie := hex.EncodeToString(b)

		c.mu.Lock()
		_, taken := c.waiters[cookie]
		c.mu.Unlock()
		if !taken {
			return cookie
		}
	}
}

// sanitizeToken replaces whitespace and control characters with underscores
// so call-IDs and tags cannot break the space-delimited wire format.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, s)
}

// parsePortReply extracts the allocated port from a success reply. Long-form
// replies carry the learned address after the port; only the port is used.
func parsePortReply(reply string) (int, error) {
	if code, ok := parseErrorReply(reply); ok {
		return 0, &CommandError{Code: code}
	}
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return 0, fmt.Errorf("rtpproxy: empty reply")
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("rtpproxy: malformed port in reply %q", reply)
	}
	return port, nil
}

// parseErrorReply reports whether the reply is an E<code> error.
func parseErrorReply(reply string) (int, bool) {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "E") {
		return 0, false
	}
	code, err := strconv.Atoi(reply[1:])
	if err != nil {
		return 0, false
	}
	return code, true
}
