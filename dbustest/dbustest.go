// Package dbustest runs an isolated bus instance for tests.
package dbustest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danderson/dbusrt"
	"github.com/rs/zerolog"
)

//go:embed dbus.config
var dbusConfig string

// busConfig returns the bus configuration, listening on addr.
func busConfig(addr string) string {
	return strings.Replace(dbusConfig, "__LISTEN__", addr, -1)
}

// Available reports whether the binaries needed to run a test bus
// are installed.
func Available() bool {
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		return false
	}
	_, err := exec.LookPath("dbus-monitor")
	return err == nil
}

// Bus is an isolated bus instance for tests.
type Bus struct {
	t    *testing.T
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	sock string

	stop       chan struct{}
	busStopped chan struct{}
	monStopped chan struct{}
}

// New launches a bus dedicated to the calling test. The bus is
// stopped when the test completes.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, every message that crosses the bus is
// logged with t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	ret := &Bus{
		t:          t,
		sock:       filepath.Join(tmp, "bus.sock"),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(busConfig(ret.Address())), 0600); err != nil {
		t.Fatal(err)
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.busStopped)
		err := ret.bus.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("bus stopped prematurely: %w", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if !logMonitor {
		close(ret.monStopped)
		return ret
	}

	ret.lw = newLogWriter(t)
	ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
	ret.mon.Stdout = ret.lw
	ret.mon.Stderr = ret.lw
	if err := ret.mon.Start(); err != nil {
		t.Fatalf("starting monitor: %v", err)
	}
	go func() {
		defer close(ret.monStopped)
		err := ret.mon.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("dbus-monitor stopped prematurely: %w", err))
		}
		ret.lw.Flush()
	}()
	if err := ret.lw.WaitForFirstLine(ctx); err != nil {
		t.Fatalf("waiting for monitor: %v", err)
	}
	return ret
}

func waitForSocket(ctx context.Context, path string) error {
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Bus) close() {
	close(b.stop)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-b.busStopped:
	case <-timeout:
		b.t.Log("timed out waiting for bus to stop")
	}
	select {
	case <-b.monStopped:
	case <-timeout:
		b.t.Log("timed out waiting for dbus-monitor to stop")
	}
}

// Address returns the bus's address, in the form accepted by
// [dbusrt.Dial].
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// MustConn returns a connection to the bus that has completed the
// Hello exchange. It causes an immediate test failure with t.Fatal
// if it is unable to connect. The connection is closed when the test
// completes.
func (b *Bus) MustConn(t *testing.T) *dbusrt.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := dbusrt.DefaultOptions()
	if testing.Verbose() {
		logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
		opts.Logger = &logger
	}
	ret, err := dbusrt.Dial(ctx, b.Address(), opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	if _, err := ret.Hello(ctx); err != nil {
		t.Fatalf("registering with test bus: %v", err)
	}
	return ret
}

// logWriter forwards dbus-monitor output to a test log, one message
// per log line.
type logWriter struct {
	output chan struct{}
	t      *testing.T
	buf    bytes.Buffer
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		t:      t,
	}
}

func (l *logWriter) Flush() {
	l.flushComplete()
	if l.buf.Len() > 0 {
		l.t.Log(l.buf.String())
	}
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

// flushComplete logs every buffered monitor record that is followed
// by the start of another record.
func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		l.t.Log(string(l.buf.Next(total)))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
