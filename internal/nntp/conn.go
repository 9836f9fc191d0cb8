// Package nntp implements a single authenticated NNTP transport: the
// greeting/AUTHINFO handshake, GROUP/BODY/STAT, and the pipelined batch
// operation the fetch scheduler depends on for throughput.
package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/nzbcore/gonzb/internal/yenc"
)

// Config describes one upstream server.
type Config struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	Username           string
	Password           string
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeouts holds every per-operation deadline the connection enforces.
type Timeouts struct {
	Connect      time.Duration
	TLSHandshake time.Duration
	StatusLine   time.Duration
	Body         time.Duration
	Recycle      time.Duration
	Quit         time.Duration
}

// DefaultTimeouts returns the connection's out-of-the-box deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:      30 * time.Second,
		TLSHandshake: 30 * time.Second,
		StatusLine:   10 * time.Second,
		Body:         30 * time.Second,
		Recycle:      5 * time.Second,
		Quit:         2 * time.Second,
	}
}

// readerBufferSize is a contract, not a detail: pipelining depends on being
// able to absorb several article bodies without blocking the writer.
const readerBufferSize = 256 * 1024

// Conn is one authenticated transport to the server. It is not safe for
// concurrent use -- exactly one task may read/write it at a time, which is
// the reason connections live in a pool rather than being shared directly.
type Conn struct {
	raw      net.Conn
	tp       *textproto.Conn
	group    string
	broken   bool
	timeouts Timeouts
}

// Dial opens a new connection, performs the TLS handshake (if configured)
// against the pool's shared connector, reads the greeting, and
// authenticates. tlsConfig is expected to be the single, pool-wide
// connector -- callers should not construct a fresh *tls.Config per
// connection.
func Dial(ctx context.Context, cfg Config, tlsConfig *tls.Config, timeouts Timeouts) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeouts.Connect}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("nntp: dial %s: %w", cfg.addr(), err)
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	raw := nc
	if cfg.TLS {
		_ = nc.SetDeadline(time.Now().Add(timeouts.TLSHandshake))
		tlsConn := tls.Client(nc, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("nntp: tls handshake: %w", err)
		}
		_ = nc.SetDeadline(time.Time{})
		raw = tlsConn
	}

	r := textproto.NewReader(bufio.NewReaderSize(raw, readerBufferSize))
	w := textproto.NewWriter(bufio.NewWriter(raw))
	c := &Conn{
		raw:      raw,
		tp:       &textproto.Conn{Reader: *r, Writer: *w},
		timeouts: timeouts,
	}

	if err := c.greet(); err != nil {
		raw.Close()
		return nil, err
	}
	if cfg.Username != "" {
		if err := c.authenticate(cfg); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) greet() error {
	_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
	code, msg, err := c.tp.ReadCodeLine(0)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: greeting: %v", ErrProtocol, err)
	}
	if code != 200 && code != 201 {
		c.broken = true
		return fmt.Errorf("%w: greeting returned %d %s", ErrProtocol, code, msg)
	}
	return nil
}

func (c *Conn) authenticate(cfg Config) error {
	id, err := c.tp.Cmd("AUTHINFO USER %s", cfg.Username)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: sending AUTHINFO USER: %v", ErrAuthFailed, err)
	}
	c.tp.StartResponse(id)
	_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
	code, _, err := c.tp.ReadCodeLine(0)
	c.tp.EndResponse(id)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: reading AUTHINFO USER response: %v", ErrAuthFailed, err)
	}

	if code == 281 {
		return nil
	}
	if code != 381 {
		// Sanitised: only the numeric code is propagated, never credentials.
		return fmt.Errorf("%w: server returned %d to AUTHINFO USER", ErrAuthFailed, code)
	}

	id, err = c.tp.Cmd("AUTHINFO PASS %s", cfg.Password)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: sending AUTHINFO PASS: %v", ErrAuthFailed, err)
	}
	c.tp.StartResponse(id)
	_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
	code, _, err = c.tp.ReadCodeLine(0)
	c.tp.EndResponse(id)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: reading AUTHINFO PASS response: %v", ErrAuthFailed, err)
	}
	if code != 281 {
		return fmt.Errorf("%w: server returned %d to AUTHINFO PASS", ErrAuthFailed, code)
	}
	return nil
}

// Broken reports whether the connection desynchronised (any operation
// failed to fully consume its own response) and must be discarded rather
// than returned to the pool.
func (c *Conn) Broken() bool { return c.broken }

// DownloadSegment fetches and decodes a single article. It is implemented
// in terms of DownloadSegmentsPipelined with a one-element batch, so the
// single-segment and pipelined paths always share one contract.
func (c *Conn) DownloadSegment(ctx context.Context, messageID, group string) ([]byte, error) {
	results, err := c.DownloadSegmentsPipelined(ctx, group, []SegmentRequest{{MessageID: messageID}})
	if err != nil {
		return nil, err
	}
	if results[0].Data == nil {
		if results[0].ArticleMissing {
			return nil, ErrArticleNotFound
		}
		if c.broken {
			return nil, ErrConnBroken
		}
		return nil, fmt.Errorf("%w: BODY %s returned no data", ErrProtocol, formatMessageID(messageID))
	}
	return results[0].Data, nil
}

// SegmentRequest is one BODY request inside a pipelined batch.
type SegmentRequest struct {
	SegmentNumber int
	MessageID     string
}

// SegmentResult is the outcome of one request in a pipelined batch. A nil
// Data means the fetch failed for this segment. ArticleMissing
// distinguishes a definitive "this server doesn't have it" (430/423) from
// every other failure (decode error, transport failure, connection
// desync): a caller retrying across multiple servers should treat the
// former as a reason to move on to the next server immediately, and the
// latter as worth retrying against the same server first.
type SegmentResult struct {
	SegmentNumber  int
	Data           []byte
	ArticleMissing bool
}

// DownloadSegmentsPipelined selects the group once if needed, writes
// every BODY command before reading any response, then consumes
// responses strictly in request order.
func (c *Conn) DownloadSegmentsPipelined(ctx context.Context, group string, reqs []SegmentRequest) ([]SegmentResult, error) {
	if c.broken {
		return nil, ErrConnBroken
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	if err := c.selectGroup(group); err != nil {
		results := make([]SegmentResult, len(reqs))
		for i, r := range reqs {
			results[i] = SegmentResult{SegmentNumber: r.SegmentNumber}
		}
		return results, nil
	}

	ids := make([]uint, len(reqs))
	for i, r := range reqs {
		formattedID := formatMessageID(r.MessageID)
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.timeouts.StatusLine))
		id, err := c.tp.Cmd("BODY %s", formattedID)
		if err != nil {
			c.broken = true
			return failResults(reqs), nil
		}
		ids[i] = id
	}

	results := make([]SegmentResult, len(reqs))
	for i, r := range reqs {
		results[i].SegmentNumber = r.SegmentNumber

		if ctx.Err() != nil {
			c.broken = true
			for j := i; j < len(reqs); j++ {
				results[j].SegmentNumber = reqs[j].SegmentNumber
			}
			return results, nil
		}

		c.tp.StartResponse(ids[i])
		_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
		code, _, err := c.tp.ReadCodeLine(0)
		if err != nil {
			c.tp.EndResponse(ids[i])
			c.broken = true
			remaining := failResults(reqs)
			copy(results[i:], remaining[i:])
			return results, nil
		}

		switch code {
		case 222:
			_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.Body))
			data, derr := c.readAndDecodeBody()
			c.tp.EndResponse(ids[i])
			if derr != nil {
				// Body read failed to drain cleanly: the stream is
				// desynchronised from here on.
				c.broken = true
				remaining := failResults(reqs)
				copy(results[i+1:], remaining[i+1:])
				return results, nil
			}
			results[i].Data = data
		case 430, 423:
			// No body is sent for a missing article -- do not attempt a
			// read here, or the stream will desynchronise.
			results[i].ArticleMissing = true
			c.tp.EndResponse(ids[i])
		default:
			// Unexpected code: drain a body if one follows, to keep the
			// stream framed for the next response.
			_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.Body))
			_, derr := io.Copy(io.Discard, c.tp.DotReader())
			c.tp.EndResponse(ids[i])
			if derr != nil {
				// The drain itself failed, so the stream position is
				// unknown from here on.
				c.broken = true
				remaining := failResults(reqs)
				copy(results[i+1:], remaining[i+1:])
				return results, nil
			}
		}
	}

	return results, nil
}

// failResults builds an all-failed result set for a batch, used when a
// transport error means no further response can be trusted.
func failResults(reqs []SegmentRequest) []SegmentResult {
	results := make([]SegmentResult, len(reqs))
	for i, r := range reqs {
		results[i].SegmentNumber = r.SegmentNumber
	}
	return results
}

func (c *Conn) selectGroup(group string) error {
	if group == "" || c.group == group {
		return nil
	}
	id, err := c.tp.Cmd("GROUP %s", group)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: sending GROUP: %v", ErrProtocol, err)
	}
	c.tp.StartResponse(id)
	_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
	code, _, err := c.tp.ReadCodeLine(0)
	c.tp.EndResponse(id)
	if err != nil {
		c.broken = true
		return fmt.Errorf("%w: reading GROUP response: %v", ErrProtocol, err)
	}
	if code != 211 {
		return fmt.Errorf("%w: group %s", ErrGroupNotFound, group)
	}
	c.group = group
	return nil
}

func (c *Conn) readAndDecodeBody() ([]byte, error) {
	dr := c.tp.DotReader()
	res, err := yenc.Decode(dr)
	if err != nil {
		// Drain whatever's left so a decode failure doesn't desync the
		// stream for a response that otherwise terminated cleanly.
		_, _ = io.Copy(io.Discard, dr)
		return nil, err
	}
	return res.Data, nil
}

// ExistRequest is one STAT lookup.
type ExistRequest struct {
	MessageID string
}

// ExistResult reports whether the server has the given article.
type ExistResult struct {
	MessageID string
	Exists    bool
}

// CheckArticlesExist runs a pipelined STAT using the message-ID form, so
// no GROUP selection is needed.
func (c *Conn) CheckArticlesExist(ctx context.Context, reqs []ExistRequest) ([]ExistResult, error) {
	if c.broken {
		return nil, ErrConnBroken
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(reqs))
	for i, r := range reqs {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.timeouts.StatusLine))
		id, err := c.tp.Cmd("STAT %s", formatMessageID(r.MessageID))
		if err != nil {
			c.broken = true
			return nil, nil
		}
		ids[i] = id
	}

	// On a mid-batch failure only the outcomes actually read are
	// returned; the caller treats the shortfall as unknown.
	results := make([]ExistResult, len(reqs))
	for i, r := range reqs {
		results[i].MessageID = r.MessageID

		if ctx.Err() != nil {
			c.broken = true
			return results[:i], nil
		}

		c.tp.StartResponse(ids[i])
		_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.StatusLine))
		code, _, err := c.tp.ReadCodeLine(0)
		c.tp.EndResponse(ids[i])
		if err != nil {
			c.broken = true
			return results[:i], nil
		}
		results[i].Exists = code == 223
	}
	return results, nil
}

// IsHealthy sends NOOP and expects 200 within the recycle timeout. Used by
// the pool to decide whether a returned connection can be reused.
func (c *Conn) IsHealthy() bool {
	if c.broken {
		return false
	}
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.timeouts.Recycle))
	id, err := c.tp.Cmd("NOOP")
	if err != nil {
		c.broken = true
		return false
	}
	c.tp.StartResponse(id)
	_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.Recycle))
	code, _, err := c.tp.ReadCodeLine(0)
	c.tp.EndResponse(id)
	if err != nil {
		c.broken = true
		return false
	}
	if code != 200 {
		c.broken = true
		return false
	}
	return true
}

// Close sends a best-effort QUIT and closes the transport. It waits at
// most the Quit timeout for the server's response, and closes the
// transport whether or not one arrives.
func (c *Conn) Close() error {
	id, err := c.tp.Cmd("QUIT")
	if err == nil {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.timeouts.Quit))
		c.tp.StartResponse(id)
		_, _, _ = c.tp.ReadCodeLine(0)
		c.tp.EndResponse(id)
	}
	return c.raw.Close()
}

func formatMessageID(id string) string {
	if len(id) > 0 && id[0] == '<' {
		return id
	}
	return "<" + id + ">"
}
