package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Client sends commands to a running listener. It must run with the same
// filesystem access as the server process.
type Client struct {
	IdentityFile string
	ChallengeDir string
	// Host defaults to 127.0.0.1.
	Host   string
	Dialer net.Dialer
}

// Send performs the handshake and sends one command. Commands that only
// reply once the kernel reaches a state (status.start, stop) block until it
// does or ctx is done.
func (c *Client) Send(ctx context.Context, command, args string) (Reply, error) {
	id, err := ReadIdentity(c.IdentityFile)
	if err != nil {
		return Reply{}, fmt.Errorf("reading command identity: %w", err)
	}

	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	conn, err := c.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(id.Port)))
	if err != nil {
		return Reply{}, fmt.Errorf("connecting to command listener: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	lines := newLineReader(conn)
	req := Request{ProcessID: id.ProcessID, Command: command, Args: args}
	if err := writeLine(conn, req.String()); err != nil {
		return Reply{}, c.wrap(ctx, fmt.Errorf("sending request: %w", err))
	}

	challenge, err := lines.ReadLine()
	if err != nil {
		return Reply{}, c.wrap(ctx, fmt.Errorf("%w: %w", ErrNoReply, err))
	}
	if err := c.answer(challenge); err != nil {
		return Reply{}, err
	}
	if err := writeLine(conn, challenge); err != nil {
		return Reply{}, c.wrap(ctx, fmt.Errorf("answering challenge: %w", err))
	}

	line, err := lines.ReadLine()
	if err != nil {
		return Reply{}, c.wrap(ctx, fmt.Errorf("%w: %w", ErrNoReply, err))
	}
	reply, err := ParseReply(line)
	if err != nil {
		return Reply{}, err
	}
	if reply.ProcessID != id.ProcessID {
		return Reply{}, ErrProcessMismatch
	}
	return reply, nil
}

// answer deletes the challenge file, proving write access to the
// challenge directory.
func (c *Client) answer(challenge string) error {
	if !strings.HasPrefix(challenge, "auth") || filepath.Base(challenge) != challenge {
		return fmt.Errorf("%w: %q", ErrChallengeMismatch, challenge)
	}
	if err := os.Remove(filepath.Join(c.ChallengeDir, challenge)); err != nil {
		return fmt.Errorf("removing challenge file: %w", err)
	}
	return nil
}

func (c *Client) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Status waits until the kernel has launched. The reply carries
// ReturnLaunchFailed when launch failed.
func (c *Client) Status(ctx context.Context) (Reply, error) {
	return c.Send(ctx, CmdStatusStart, "")
}

// Stop requests a stop and waits for it to complete.
func (c *Client) Stop(ctx context.Context, force bool) error {
	cmd := CmdStop
	if force {
		cmd = CmdStopForce
	}
	_, err := c.Send(ctx, cmd, "")
	return err
}

// Pause pauses all components, or those in the comma-separated targets.
func (c *Client) Pause(ctx context.Context, targets *string) (ReturnCode, error) {
	return c.pauseCommand(ctx, CmdPause, targets)
}

// Resume resumes all components, or those in the comma-separated targets.
func (c *Client) Resume(ctx context.Context, targets *string) (ReturnCode, error) {
	return c.pauseCommand(ctx, CmdResume, targets)
}

func (c *Client) pauseCommand(ctx context.Context, cmd string, targets *string) (ReturnCode, error) {
	args := ""
	if targets != nil {
		args = TargetPrefix + *targets
	}
	reply, err := c.Send(ctx, cmd, args)
	if err != nil {
		return 0, err
	}
	return reply.Code, nil
}

// Introspect asks for an introspection report under name.
func (c *Client) Introspect(ctx context.Context, name string, actions ...string) error {
	args := strings.Join(append([]string{name}, actions...), ",")
	_, err := c.Send(ctx, CmdIntrospect, args)
	return err
}

// Dump asks for the given runtime profiles.
func (c *Client) Dump(ctx context.Context, actions ...string) error {
	_, err := c.Send(ctx, CmdJavaDump, strings.Join(actions, ","))
	return err
}

// WaitForIdentity blocks until a valid identity file exists at path.
func WaitForIdentity(ctx context.Context, path string) (Identity, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Identity{}, fmt.Errorf("creating identity watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return Identity{}, fmt.Errorf("watching %s: %w", dir, err)
	}

	// The file may have been published before the watch was in place.
	if id, err := ReadIdentity(path); err == nil {
		return id, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Identity{}, ErrListenerClosed
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			id, err := ReadIdentity(path)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrMalformedIdentity) {
				return Identity{}, err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Identity{}, ErrListenerClosed
			}
			return Identity{}, fmt.Errorf("watching identity file: %w", err)
		}
	}
}
