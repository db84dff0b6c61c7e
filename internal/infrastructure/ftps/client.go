package ftps

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/nerrad567/printbridge/internal/infrastructure/config"
)

const (
	defaultTimeout = 30 * time.Second

	// tlsSessionCacheSize bounds cached sessions. The printer only accepts a
	// data connection that resumes the control connection's TLS session.
	tlsSessionCacheSize = 4
)

// knownDirs are folders the printer creates on its storage. NLST does not say
// which names are folders, and SIZE on some of these succeeds with 0.
var knownDirs = map[string]bool{
	"cache":     true,
	"image":     true,
	"ipcam":     true,
	"logger":    true,
	"model":     true,
	"timelapse": true,
	"verify":    true,
}

// Entry is one item in a remote directory.
type Entry struct {
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified,omitzero"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// conn is the subset of *ftp.ServerConn the client uses.
type conn interface {
	Login(user, password string) error
	List(path string) ([]*ftp.Entry, error)
	NameList(path string) ([]string, error)
	FileSize(path string) (int64, error)
	Stor(path string, r io.Reader) error
	MakeDir(path string) error
	Delete(path string) error
	NoOp() error
	Quit() error
}

type dialFunc func(ctx context.Context, addr string, tlsConfig *tls.Config, timeout time.Duration) (conn, error)

func dialServer(ctx context.Context, addr string, tlsConfig *tls.Config, timeout time.Duration) (conn, error) {
	sc, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
		ftp.DialWithTLS(tlsConfig),
		// The printer only answers PASV.
		ftp.DialWithDisabledEPSV(true),
	)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// withDialer replaces the network dialer. Used by tests.
func withDialer(d dialFunc) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// Client is an implicit-TLS FTP client for the printer's storage.
//
// The control connection is dialled on first use and reused. Every call holds
// the connection for its whole duration, so calls are serialized. A
// connection that fails at the network level is dropped and re-dialled by the
// next call.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	addr     string
	username string
	password string
	timeout  time.Duration
	tls      *tls.Config
	dial     dialFunc
	logger   Logger

	mu     sync.Mutex
	conn   conn
	closed bool
}

// New creates a client. It does not connect; the first call does.
func New(printer config.PrinterConfig, cfg config.FTPSConfig, opts ...Option) (*Client, error) {
	if printer.Host == "" {
		return nil, fmt.Errorf("%w: printer host is required", ErrDial)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		addr:     net.JoinHostPort(printer.Host, strconv.Itoa(cfg.Port)),
		username: cfg.Username,
		password: printer.AccessCode,
		timeout:  timeout,
		tls: &tls.Config{
			ServerName: printer.Host,
			// #nosec G402 -- printers present a self-signed certificate
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			ClientSessionCache: tls.NewLRUClientSessionCache(tlsSessionCacheSize),
			MinVersion:         tls.VersionTLS12,
		},
		dial:   dialServer,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List returns the entries of dir, without "." and "..".
//
// LIST is tried first. Some firmware answers LIST with an error or an
// unparsable listing; then the names come from NLST and each one is probed
// with SIZE, where a failing SIZE marks a folder.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := checkPath(dir); err != nil {
		return nil, err
	}

	var out []Entry
	err := c.do(ctx, "list", func(cn conn) error {
		entries, err := cn.List(dir)
		if err == nil {
			out = fromListing(entries)
			return nil
		}
		if isNetwork(err) {
			return err
		}
		c.logger.Debug("LIST failed, falling back to NLST", "dir", dir, "error", err)

		names, err := cn.NameList(dir)
		if err != nil {
			return err
		}
		out = make([]Entry, 0, len(names))
		for _, name := range names {
			base := path.Base(name)
			if base == "." || base == ".." || base == "/" {
				continue
			}
			e := Entry{Name: base}
			if knownDirs[strings.ToLower(base)] {
				e.Dir = true
			} else if size, err := cn.FileSize(path.Join(dir, base)); err != nil {
				if !isReply(err) {
					return err
				}
				e.Dir = true
			} else {
				e.Size = size
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fromListing(entries []*ftp.Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Name == "." || e.Name == ".." {
			continue
		}
		entry := Entry{
			Name:    e.Name,
			Dir:     e.Type == ftp.EntryTypeFolder || knownDirs[strings.ToLower(e.Name)],
			ModTime: e.Time,
		}
		if !entry.Dir {
			// #nosec G115 -- file sizes on printer storage fit in int64
			entry.Size = int64(e.Size)
		}
		out = append(out, entry)
	}
	return out
}

// Upload stores r at the remote path, replacing any existing file.
//
// The printer sometimes holds the data connection open after the last byte
// until the transfer times out. A timeout at that point means the file was
// written; the upload counts as successful and the control connection is
// replaced on the next call.
func (c *Client) Upload(ctx context.Context, remote string, r io.Reader) error {
	if err := checkPath(remote); err != nil {
		return err
	}
	return c.do(ctx, "upload", func(cn conn) error {
		err := cn.Stor(remote, r)
		if err != nil && isTimeout(err) {
			c.logger.Warn("upload close timed out, treating as complete", "path", remote, "error", err)
			c.dropLocked()
			return nil
		}
		return err
	})
}

// MakeDirAll creates dir and any missing parents. Existing folders are not
// an error.
func (c *Client) MakeDirAll(ctx context.Context, dir string) error {
	if err := checkPath(dir); err != nil {
		return err
	}
	return c.do(ctx, "mkdir", func(cn conn) error {
		current := "/"
		for _, part := range strings.Split(strings.Trim(path.Clean(dir), "/"), "/") {
			if part == "" {
				continue
			}
			current = path.Join(current, part)
			if err := cn.MakeDir(current); err != nil && !isReply(err) {
				return err
			}
		}
		return nil
	})
}

// Delete removes a remote file.
func (c *Client) Delete(ctx context.Context, remote string) error {
	if err := checkPath(remote); err != nil {
		return err
	}
	return c.do(ctx, "delete", func(cn conn) error {
		return cn.Delete(remote)
	})
}

// HealthCheck verifies the control connection with NOOP, dialling if needed.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "noop", func(cn conn) error {
		return cn.NoOp()
	})
}

// Close ends the control connection. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}

// do runs fn on the control connection while holding it exclusively.
func (c *Client) do(ctx context.Context, op string, fn func(conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		cn, err := c.connectLocked(ctx)
		if err != nil {
			return err
		}
		c.conn = cn
	}

	err := fn(c.conn)
	if err == nil {
		return nil
	}
	if !isReply(err) {
		c.logger.Warn("ftps connection failed, will reconnect", "op", op, "error", err)
		c.dropLocked()
	}
	return fmt.Errorf("ftps %s: %w", op, err)
}

func (c *Client) connectLocked(ctx context.Context) (conn, error) {
	cn, err := c.dial(ctx, c.addr, c.tls, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, c.addr, err)
	}
	if err := cn.Login(c.username, c.password); err != nil {
		_ = cn.Quit()
		return nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}
	c.logger.Debug("ftps connected", "addr", c.addr)
	return cn, nil
}

func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	// The connection is already unusable; QUIT is best effort.
	_ = c.conn.Quit()
	c.conn = nil
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

// isReply reports whether err is an FTP reply from the server, which leaves
// the control connection usable.
func isReply(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr)
}

// isNetwork reports whether err came from the connection rather than the
// server's answer.
func isNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
