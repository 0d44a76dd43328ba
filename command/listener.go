package command

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Controller is the kernel surface the listener dispatches commands to.
type Controller interface {
	// WaitForReady blocks until the kernel is ready or has failed to launch.
	WaitForReady(ctx context.Context) bool
	// ShutdownFramework requests an asynchronous stop.
	ShutdownFramework()
	// ForceStop marks the stop as forced and requests it.
	ForceStop()
	// WaitForShutdown blocks until the kernel has stopped.
	WaitForShutdown(ctx context.Context) error
	// Introspect writes an introspection report named name.
	Introspect(ctx context.Context, name string, actions []string) error
	// Dump writes the requested runtime profiles.
	Dump(ctx context.Context, actions []string) error
	// PauseListeners pauses every pausable component, or the named ones when
	// targets is non-nil.
	PauseListeners(ctx context.Context, targets *string) ReturnCode
	// ResumeListeners is the resume counterpart of PauseListeners.
	ResumeListeners(ctx context.Context, targets *string) ReturnCode
}

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Host must be a loopback address. Defaults to 127.0.0.1.
	Host string
	// Port to bind, 0 for an ephemeral port.
	Port int
	// IdentityFile receives the listener's port and process id.
	IdentityFile string
	// ChallengeDir is recreated empty and owner-only on Start.
	ChallengeDir string
	// WriteTimeout bounds each reply write. Defaults to 5s.
	WriteTimeout time.Duration
	// ProcessID is presented by clients. A random id is generated when empty.
	ProcessID string
}

// Listener is the server side of the command channel. Connections are
// accepted and handled one at a time. Commands that wait on the kernel reply
// from a single asynchronous responder; a newer waiting command replaces the
// older one, whose connection is closed without a reply.
type Listener struct {
	cfg        ListenerConfig
	controller Controller
	logger     Logger
	processID  string

	ln           net.Listener
	acceptDone   chan struct{}
	challengeSeq int

	mu        sync.Mutex
	started   bool
	closed    bool
	current   net.Conn
	responder *responder
	wg        sync.WaitGroup
}

// NewListener creates a listener dispatching to controller.
func NewListener(cfg ListenerConfig, controller Controller, logger Logger) *Listener {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Listener{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		processID:  cfg.ProcessID,
		acceptDone: make(chan struct{}),
	}
}

// ProcessID returns the random process identifier clients must present.
func (l *Listener) ProcessID() string {
	return l.processID
}

// Port returns the bound port, or 0 before Start.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return 0
	}
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Start binds the socket, prepares the challenge directory, publishes the
// identity file and begins accepting. The identity file is complete before
// the first connection is accepted.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.started {
		return ErrAlreadyStarted
	}
	if !isLoopback(l.cfg.Host) {
		return fmt.Errorf("%w: %s", ErrNotLoopback, l.cfg.Host)
	}

	if err := os.RemoveAll(l.cfg.ChallengeDir); err != nil {
		return fmt.Errorf("clearing challenge directory: %w", err)
	}
	if err := os.MkdirAll(l.cfg.ChallengeDir, 0o700); err != nil {
		return fmt.Errorf("creating challenge directory: %w", err)
	}
	// MkdirAll is subject to the umask.
	if err := os.Chmod(l.cfg.ChallengeDir, 0o700); err != nil {
		return fmt.Errorf("restricting challenge directory: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding command listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := writeIdentity(l.cfg.IdentityFile, Identity{Port: port, ProcessID: l.processID}); err != nil {
		_ = ln.Close()
		return err
	}

	l.ln = ln
	l.started = true
	go l.acceptLoop(ln)
	l.logger.Info("Command listener started", "address", ln.Addr().String(), "identityFile", l.cfg.IdentityFile)
	return nil
}

// Close stops accepting, cancels any waiting responder and returns once it
// has exited. No reply is written after Close returns. The identity file is
// removed.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	current := l.current
	r := l.responder
	l.responder = nil
	l.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	// Unblock a handshake stuck on a silent client.
	if current != nil {
		_ = current.Close()
	}
	var err error
	if ln != nil {
		err = ln.Close()
		<-l.acceptDone
	}
	l.wg.Wait()

	if rmErr := os.Remove(l.cfg.IdentityFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		l.logger.Warn("Failed to remove identity file", "path", l.cfg.IdentityFile, "error", rmErr)
	}
	if ln != nil {
		l.logger.Info("Command listener closed")
	}
	return err
}

// Drain waits for the outstanding asynchronous responder, if any, to reply
// on its own. It gives a stop request the chance to be answered before Close
// cancels it.
func (l *Listener) Drain(ctx context.Context) {
	l.mu.Lock()
	r := l.responder
	l.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer close(l.acceptDone)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.isClosed() {
				return
			}
			l.logger.Warn("Command listener accept failed", "error", err)
			continue
		}
		if !l.handle(conn) {
			_ = conn.Close()
		}
	}
}

// handle processes one connection. It reports whether the connection was
// handed to an asynchronous responder, which then owns it.
func (l *Listener) handle(conn net.Conn) bool {
	if !l.track(conn) {
		return false
	}
	defer l.track(nil)
	lines := newLineReader(conn)

	line, err := lines.ReadLine()
	if err != nil {
		l.logger.Debug("Command connection closed before request", "error", err)
		recordRejection("read")
		return false
	}
	req, err := ParseRequest(line)
	if err != nil {
		l.logger.Warn("Malformed command request")
		recordRejection("malformed")
		return false
	}
	if !l.validIdentity(req.ProcessID) {
		l.logger.Warn("Command request with invalid identity", "remote", conn.RemoteAddr().String())
		recordRejection("identity")
		return false
	}
	if !l.challenge(conn, lines) {
		l.logger.Warn("Command challenge failed", "remote", conn.RemoteAddr().String())
		recordRejection("challenge")
		return false
	}

	l.logger.Debug("Command accepted", "command", req.Command)
	return l.dispatch(conn, req)
}

// track records the connection being handled so Close can interrupt it. It
// reports false once the listener is closed.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.current = conn
	return true
}

// validIdentity proves the caller could read the owner-only identity file by
// comparing what it sent with the file's current content.
func (l *Listener) validIdentity(presented string) bool {
	id, err := ReadIdentity(l.cfg.IdentityFile)
	if err != nil {
		l.logger.Error("Failed to read own identity file", "error", err)
		return false
	}
	if id.ProcessID != l.processID {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(id.ProcessID)) == 1
}

// challenge proves the caller can write to the owner-only challenge
// directory: it must delete the file the server creates there and echo its
// name back.
func (l *Listener) challenge(conn net.Conn, lines *lineReader) bool {
	l.challengeSeq++
	id := fmt.Sprintf("auth%06d", l.challengeSeq)
	path := filepath.Join(l.cfg.ChallengeDir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		l.logger.Error("Failed to create challenge file", "path", path, "error", err)
		return false
	}
	_ = f.Close()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to remove challenge file", "path", path, "error", err)
		}
	}()

	if err := l.write(conn, id); err != nil {
		return false
	}
	echo, err := lines.ReadLine()
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(echo), []byte(id)) != 1 {
		return false
	}
	_, statErr := os.Stat(path)
	return errors.Is(statErr, os.ErrNotExist)
}

func (l *Listener) dispatch(conn net.Conn, req Request) bool {
	ctx := context.Background()
	switch req.Command {
	case CmdStatusStart:
		recordRequest(req.Command)
		l.async(conn, nil, func(ctx context.Context) (string, bool) {
			if !l.controller.WaitForReady(ctx) {
				if ctx.Err() != nil {
					return "", false
				}
				code := ReturnLaunchFailed
				return formatReply(l.processID, &code), true
			}
			return formatReply(l.processID, nil), true
		})
		return true

	case CmdStop, CmdStopForce:
		recordRequest(req.Command)
		stop := l.controller.ShutdownFramework
		if req.Command == CmdStopForce {
			stop = l.controller.ForceStop
		}
		// The responder is registered before the stop is requested so a
		// kernel that stops quickly drains it instead of closing it.
		l.async(conn, stop, func(ctx context.Context) (string, bool) {
			if err := l.controller.WaitForShutdown(ctx); err != nil {
				return "", false
			}
			return formatReply(l.processID, nil), true
		})
		return true

	case CmdIntrospect:
		recordRequest(req.Command)
		name, actions := splitIntrospectArgs(req.Args)
		if err := l.controller.Introspect(ctx, name, actions); err != nil {
			l.logger.Error("Introspection failed", "error", err)
			return false
		}
		_ = l.write(conn, formatReply(l.processID, nil))
		return false

	case CmdDump, CmdJavaDump:
		recordRequest(req.Command)
		if err := l.controller.Dump(ctx, splitList(req.Args)); err != nil {
			l.logger.Error("Dump failed", "error", err)
			return false
		}
		_ = l.write(conn, formatReply(l.processID, nil))
		return false

	case CmdPause, CmdResume:
		recordRequest(req.Command)
		targets := targetsArg(req.Args)
		var code ReturnCode
		if req.Command == CmdPause {
			code = l.controller.PauseListeners(ctx, targets)
		} else {
			code = l.controller.ResumeListeners(ctx, targets)
		}
		_ = l.write(conn, formatReply(l.processID, &code))
		return false

	default:
		l.logger.Warn("Unrecognized command", "command", req.Command)
		recordRejection("unknown")
		return false
	}
}

// async hands conn to a new responder, cancelling the previous one. When
// before is set it runs once the responder is registered and waiting.
func (l *Listener) async(conn net.Conn, before func(), fn func(ctx context.Context) (string, bool)) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	r := &responder{conn: conn, cancelCtx: cancelCtx, done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancelCtx()
		_ = conn.Close()
		if before != nil {
			before()
		}
		return
	}
	prev := l.responder
	l.responder = r
	// The responder owns conn from here; Close reaches it through r.
	if l.current == conn {
		l.current = nil
	}
	l.wg.Add(1)
	l.mu.Unlock()

	if prev != nil {
		l.logger.Debug("Replacing waiting command responder")
		prev.cancel()
	}

	commandResponders.Inc()
	go func() {
		defer l.wg.Done()
		defer close(r.done)
		defer commandResponders.Dec()
		defer func() { _ = conn.Close() }()
		defer func() {
			l.mu.Lock()
			if l.responder == r {
				l.responder = nil
			}
			l.mu.Unlock()
		}()

		reply, ok := fn(ctx)
		if !ok {
			return
		}
		r.reply(func() error { return l.write(conn, reply) })
	}()

	if before != nil {
		before()
	}
}

func (l *Listener) write(conn net.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := writeLine(conn, line); err != nil {
		l.logger.Debug("Command reply failed", "error", err)
		return err
	}
	return nil
}

// responder is the single outstanding asynchronous reply. Once cancel
// returns, the responder will never write to its connection.
type responder struct {
	conn      net.Conn
	cancelCtx context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	canceled bool
}

func (r *responder) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
	r.cancelCtx()
}

func (r *responder) reply(write func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return
	}
	_ = write()
}

// splitIntrospectArgs splits "name,action,..." where name may be empty.
func splitIntrospectArgs(args string) (string, []string) {
	name, actions, _ := strings.Cut(args, ",")
	return strings.TrimSpace(name), splitList(actions)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// targetsArg returns nil for "all components". Arguments that are not a
// target list yield an empty, and therefore invalid, target list.
func targetsArg(args string) *string {
	if args == "" {
		return nil
	}
	targets := strings.TrimPrefix(args, TargetPrefix)
	if targets == args {
		targets = ""
	}
	return &targets
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
