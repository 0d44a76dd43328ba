package command

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	ready    chan struct{}
	readyOK  atomic.Bool
	stopped  chan struct{}
	canceled atomic.Int32
	waits    atomic.Int32

	mu             sync.Mutex
	shutdownCalls  int
	forceCalls     int
	introspectName string
	actions        []string
	pauseTargets   []*string
	resumeTargets  []*string
	pauseCode      ReturnCode
}

func newFakeController() *fakeController {
	return &fakeController{ready: make(chan struct{}), stopped: make(chan struct{})}
}

func (f *fakeController) WaitForReady(ctx context.Context) bool {
	f.waits.Add(1)
	select {
	case <-f.ready:
		return f.readyOK.Load()
	case <-ctx.Done():
		f.canceled.Add(1)
		return false
	}
}

func (f *fakeController) ShutdownFramework() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
}

func (f *fakeController) ForceStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCalls++
}

func (f *fakeController) WaitForShutdown(ctx context.Context) error {
	select {
	case <-f.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeController) Introspect(_ context.Context, name string, actions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspectName = name
	f.actions = actions
	return nil
}

func (f *fakeController) Dump(_ context.Context, actions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = actions
	return nil
}

func (f *fakeController) PauseListeners(_ context.Context, targets *string) ReturnCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseTargets = append(f.pauseTargets, targets)
	return f.pauseCode
}

func (f *fakeController) ResumeListeners(_ context.Context, targets *string) ReturnCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeTargets = append(f.resumeTargets, targets)
	return ReturnOK
}

func newTestListener(t *testing.T, ctrl Controller) (*Listener, *Client) {
	t.Helper()
	dir := t.TempDir()
	cfg := ListenerConfig{
		IdentityFile: filepath.Join(dir, "command.id"),
		ChallengeDir: filepath.Join(dir, "auth"),
	}
	l := NewListener(cfg, ctrl, nil)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return l, &Client{IdentityFile: cfg.IdentityFile, ChallengeDir: cfg.ChallengeDir}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// dialRaw sends a request line and returns the connection and its reader,
// leaving the handshake to the caller.
func dialRaw(t *testing.T, l *Listener, line string) (net.Conn, *lineReader) {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, writeLine(conn, line))
	return conn, newLineReader(conn)
}

func TestListenerPublishesIdentity(t *testing.T) {
	l, client := newTestListener(t, newFakeController())

	info, err := os.Stat(client.IdentityFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	id, err := ReadIdentity(client.IdentityFile)
	require.NoError(t, err)
	assert.Equal(t, l.Port(), id.Port)
	assert.Equal(t, l.ProcessID(), id.ProcessID)

	dirInfo, err := os.Stat(client.ChallengeDir)
	require.NoError(t, err)
	assert.True(t, dirInfo.IsDir())
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestListenerRecreatesChallengeDir(t *testing.T) {
	dir := t.TempDir()
	challengeDir := filepath.Join(dir, "auth")
	require.NoError(t, os.MkdirAll(challengeDir, 0o755))
	stale := filepath.Join(challengeDir, "auth000042")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	l := NewListener(ListenerConfig{IdentityFile: filepath.Join(dir, "command.id"), ChallengeDir: challengeDir}, newFakeController(), nil)
	require.NoError(t, l.Start())
	defer l.Close()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestListenerRejectsNonLoopback(t *testing.T) {
	dir := t.TempDir()
	l := NewListener(ListenerConfig{Host: "0.0.0.0", IdentityFile: filepath.Join(dir, "id"), ChallengeDir: filepath.Join(dir, "auth")}, newFakeController(), nil)
	require.ErrorIs(t, l.Start(), ErrNotLoopback)
}

func TestStatusStartRepliesWhenReady(t *testing.T) {
	ctrl := newFakeController()
	ctrl.readyOK.Store(true)
	close(ctrl.ready)
	l, client := newTestListener(t, ctrl)

	reply, err := client.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, l.ProcessID(), reply.ProcessID)
	assert.False(t, reply.HasCode)
}

func TestStatusStartReportsLaunchFailure(t *testing.T) {
	ctrl := newFakeController()
	close(ctrl.ready)
	_, client := newTestListener(t, ctrl)

	reply, err := client.Status(testContext(t))
	require.NoError(t, err)
	assert.True(t, reply.HasCode)
	assert.Equal(t, ReturnLaunchFailed, reply.Code)
}

func TestHandshakeRejectsWrongProcessID(t *testing.T) {
	l, _ := newTestListener(t, newFakeController())

	_, lines := dialRaw(t, l, "not-the-id#"+CmdPause)
	_, err := lines.ReadLine()
	require.Error(t, err, "no challenge is offered to an unauthenticated client")
}

func TestHandshakeRequiresChallengeDeletion(t *testing.T) {
	ctrl := newFakeController()
	l, client := newTestListener(t, ctrl)

	conn, lines := dialRaw(t, l, l.ProcessID()+"#"+CmdPause)
	challenge, err := lines.ReadLine()
	require.NoError(t, err)
	assert.Regexp(t, `^auth\d{6}$`, challenge)
	_, err = os.Stat(filepath.Join(client.ChallengeDir, challenge))
	require.NoError(t, err, "challenge file exists while in flight")

	// Echo without deleting the file.
	require.NoError(t, writeLine(conn, challenge))
	_, err = lines.ReadLine()
	require.Error(t, err)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.pauseTargets, "command must not be dispatched")
}

func TestHandshakeRequiresMatchingEcho(t *testing.T) {
	ctrl := newFakeController()
	l, client := newTestListener(t, ctrl)

	conn, lines := dialRaw(t, l, l.ProcessID()+"#"+CmdPause)
	challenge, err := lines.ReadLine()
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(client.ChallengeDir, challenge)))

	require.NoError(t, writeLine(conn, "auth999999"))
	_, err = lines.ReadLine()
	require.Error(t, err)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.pauseTargets)
}

func TestChallengeIDsIncrement(t *testing.T) {
	l, client := newTestListener(t, newFakeController())

	var seen []string
	for i := 0; i < 2; i++ {
		conn, lines := dialRaw(t, l, l.ProcessID()+"#"+CmdResume)
		challenge, err := lines.ReadLine()
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(client.ChallengeDir, challenge)))
		require.NoError(t, writeLine(conn, challenge))
		_, err = lines.ReadLine()
		require.NoError(t, err)
		seen = append(seen, challenge)
	}
	assert.Equal(t, []string{"auth000001", "auth000002"}, seen)
}

func TestPauseAndResumeDispatch(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pauseCode = ReturnPartial
	_, client := newTestListener(t, ctrl)
	ctx := testContext(t)

	code, err := client.Pause(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ReturnPartial, code)

	targets := "A,Z"
	_, err = client.Pause(ctx, &targets)
	require.NoError(t, err)

	code, err = client.Resume(ctx, &targets)
	require.NoError(t, err)
	assert.Equal(t, ReturnOK, code)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.pauseTargets, 2)
	assert.Nil(t, ctrl.pauseTargets[0])
	require.NotNil(t, ctrl.pauseTargets[1])
	assert.Equal(t, "A,Z", *ctrl.pauseTargets[1])
	require.Len(t, ctrl.resumeTargets, 1)
	assert.Equal(t, "A,Z", *ctrl.resumeTargets[0])
}

func TestIntrospectAndDumpDispatch(t *testing.T) {
	ctrl := newFakeController()
	_, client := newTestListener(t, ctrl)
	ctx := testContext(t)

	require.NoError(t, client.Introspect(ctx, "20261019-101500", "goroutine", "heap"))
	ctrl.mu.Lock()
	assert.Equal(t, "20261019-101500", ctrl.introspectName)
	assert.Equal(t, []string{"goroutine", "heap"}, ctrl.actions)
	ctrl.mu.Unlock()

	require.NoError(t, client.Introspect(ctx, "", "heap"))
	ctrl.mu.Lock()
	assert.Empty(t, ctrl.introspectName)
	assert.Equal(t, []string{"heap"}, ctrl.actions)
	ctrl.mu.Unlock()

	require.NoError(t, client.Dump(ctx, "mutex"))
	ctrl.mu.Lock()
	assert.Equal(t, []string{"mutex"}, ctrl.actions)
	ctrl.mu.Unlock()
}

func TestUnknownCommandClosesWithoutReply(t *testing.T) {
	_, client := newTestListener(t, newFakeController())

	_, err := client.Send(testContext(t), "reboot", "")
	require.ErrorIs(t, err, ErrNoReply)
}

func TestStopWaitsForShutdown(t *testing.T) {
	ctrl := newFakeController()
	_, client := newTestListener(t, ctrl)

	done := make(chan error, 1)
	go func() { done <- client.Stop(testContext(t), true) }()

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.forceCalls == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("stop returned before shutdown completed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(ctrl.stopped)
	require.NoError(t, <-done)
}

// stoppingController finishes stopping inside ShutdownFramework and tears
// the listener down the way the kernel does once stopped.
type stoppingController struct {
	*fakeController
	listener atomic.Pointer[Listener]
	closed   chan struct{}
}

func (s *stoppingController) ShutdownFramework() {
	s.fakeController.ShutdownFramework()
	close(s.stopped)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l := s.listener.Load()
		l.Drain(ctx)
		_ = l.Close()
		close(s.closed)
	}()
	// Give the teardown a head start on the accept loop.
	time.Sleep(50 * time.Millisecond)
}

func TestStopRepliesWhenKernelStopsImmediately(t *testing.T) {
	ctrl := &stoppingController{fakeController: newFakeController(), closed: make(chan struct{})}
	l, client := newTestListener(t, ctrl)
	ctrl.listener.Store(l)

	require.NoError(t, client.Stop(testContext(t), false))

	select {
	case <-ctrl.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("listener was not closed after stop")
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, 1, ctrl.shutdownCalls)
}

func TestNewerAsyncCommandReplacesWaitingResponder(t *testing.T) {
	ctrl := newFakeController()
	ctrl.readyOK.Store(true)
	l, client := newTestListener(t, ctrl)
	ctx := testContext(t)

	first := make(chan error, 1)
	go func() {
		_, err := client.Status(ctx)
		first <- err
	}()
	require.Eventually(t, func() bool { return ctrl.waits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	type result struct {
		reply Reply
		err   error
	}
	second := make(chan result, 1)
	go func() {
		reply, err := client.Status(ctx)
		second <- result{reply, err}
	}()
	require.Eventually(t, func() bool { return ctrl.waits.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrNoReply, "the replaced responder closes without replying")
	case <-time.After(5 * time.Second):
		t.Fatal("first status request was not released")
	}
	assert.Equal(t, int32(1), ctrl.canceled.Load())

	close(ctrl.ready)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, l.ProcessID(), res.reply.ProcessID)
}

func TestCloseJoinsWaitingResponder(t *testing.T) {
	ctrl := newFakeController()
	l, client := newTestListener(t, ctrl)

	done := make(chan error, 1)
	go func() {
		_, err := client.Status(testContext(t))
		done <- err
	}()
	require.Eventually(t, func() bool { return ctrl.waits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())
	assert.Equal(t, int32(1), ctrl.canceled.Load(), "responder finished before Close returned")

	// Becoming ready after Close must not produce a reply.
	ctrl.readyOK.Store(true)
	close(ctrl.ready)
	require.ErrorIs(t, <-done, ErrNoReply)

	_, err := os.Stat(client.IdentityFile)
	assert.True(t, os.IsNotExist(err), "identity file removed on close")
}

func TestCloseInterruptsSilentClient(t *testing.T) {
	l, _ := newTestListener(t, newFakeController())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
	require.NoError(t, err)
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a silent connection")
	}
}

func TestWaitForIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := ListenerConfig{IdentityFile: filepath.Join(dir, "state", "command.id"), ChallengeDir: filepath.Join(dir, "state", "auth")}

	type result struct {
		id  Identity
		err error
	}
	got := make(chan result, 1)
	go func() {
		id, err := WaitForIdentity(testContext(t), cfg.IdentityFile)
		got <- result{id, err}
	}()

	l := NewListener(cfg, newFakeController(), nil)
	require.NoError(t, l.Start())
	defer l.Close()

	res := <-got
	require.NoError(t, res.err)
	assert.Equal(t, l.ProcessID(), res.id.ProcessID)
	assert.Equal(t, l.Port(), res.id.Port)
}

func TestWaitForIdentityHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := WaitForIdentity(ctx, filepath.Join(t.TempDir(), "command.id"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
