// Package command implements the kernel's local command channel: a loopback
// listener that authenticates clients through the filesystem before
// dispatching a single text command per connection, and the client used by
// tooling to talk to it.
//
// A request is one line, "<processId>#<command>[#<args>]". Before the command
// is dispatched the server proves the client shares its filesystem trust
// boundary: the client must know the process id, which is only published in
// an owner-only identity file, and it must delete a challenge file the server
// creates in an owner-only directory.
package command

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Command names on the wire.
const (
	CmdStatusStart = "status.start"
	CmdStop        = "stop"
	CmdStopForce   = "stop.force"
	CmdIntrospect  = "introspect"
	CmdDump        = "dump"
	CmdJavaDump    = "javadump"
	CmdPause       = "pause"
	CmdResume      = "resume"
)

// TargetPrefix introduces the target list of pause and resume.
const TargetPrefix = "target="

const (
	separator     = "#"
	maxLineLength = 4096
)

// ReturnCode is the numeric outcome carried by some replies.
type ReturnCode int

const (
	ReturnOK           ReturnCode = 0
	ReturnPartial      ReturnCode = 1
	ReturnPauseFailed  ReturnCode = 2
	ReturnLaunchFailed ReturnCode = 22
)

func (c ReturnCode) String() string {
	switch c {
	case ReturnOK:
		return "ok"
	case ReturnPartial:
		return "partial"
	case ReturnPauseFailed:
		return "pause failed"
	case ReturnLaunchFailed:
		return "launch failed"
	default:
		return "rc=" + strconv.Itoa(int(c))
	}
}

// Request is a parsed command line.
type Request struct {
	ProcessID string
	Command   string
	Args      string
}

func (r Request) String() string {
	s := r.ProcessID + separator + r.Command
	if r.Args != "" {
		s += separator + r.Args
	}
	return s
}

// ParseRequest splits a request line. Arguments may themselves contain '#'.
func ParseRequest(line string) (Request, error) {
	parts := strings.SplitN(line, separator, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Request{}, ErrMalformedRequest
	}
	req := Request{ProcessID: parts[0], Command: parts[1]}
	if len(parts) == 3 {
		req.Args = parts[2]
	}
	return req, nil
}

// Reply is a parsed server reply.
type Reply struct {
	ProcessID string
	Code      ReturnCode
	HasCode   bool
}

// ParseReply parses "<processId>" or "<processId>#<code>".
func ParseReply(line string) (Reply, error) {
	id, code, found := strings.Cut(line, separator)
	if id == "" {
		return Reply{}, ErrMalformedReply
	}
	if !found {
		return Reply{ProcessID: id}, nil
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	return Reply{ProcessID: id, Code: ReturnCode(n), HasCode: true}, nil
}

func formatReply(processID string, code *ReturnCode) string {
	if code == nil {
		return processID
	}
	return processID + separator + strconv.Itoa(int(*code))
}

// Identity locates and authenticates a running command listener.
type Identity struct {
	Port      int
	ProcessID string
}

func (id Identity) String() string {
	return strconv.Itoa(id.Port) + "\n" + id.ProcessID + "\n"
}

// ReadIdentity reads the identity file at path.
func ReadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	return parseIdentity(string(data))
}

func parseIdentity(content string) (Identity, error) {
	fields := strings.Fields(content)
	if len(fields) != 2 {
		return Identity{}, ErrMalformedIdentity
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil || port <= 0 || port > 65535 {
		return Identity{}, fmt.Errorf("%w: bad port %q", ErrMalformedIdentity, fields[0])
	}
	return Identity{Port: port, ProcessID: fields[1]}, nil
}

// writeIdentity publishes id at path. The content is written to an
// owner-only temp file in the same directory and renamed into place, so
// readers never see a partial file.
func writeIdentity(path string, id Identity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("restricting identity file: %w", err)
	}
	if _, err := io.WriteString(tmp, id.String()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("publishing identity file: %w", err)
	}
	return nil
}

// lineReader reads newline-terminated lines of bounded length.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256), maxLineLength)
	return &lineReader{scanner: s}
}

func (lr *lineReader) ReadLine() (string, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(lr.scanner.Text(), "\r"), nil
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}
