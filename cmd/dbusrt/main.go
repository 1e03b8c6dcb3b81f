// Command dbusrt is a small tool for poking at DBus buses.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/dbusrt"
	"github.com/danderson/dbusrt/fragments"
	"github.com/rs/zerolog"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Names         string        `flag:"names,Comma-separated list of bus names to claim"`
	Timeout       time.Duration `flag:"timeout,default=25s,Timeout for method calls"`
	LogLevel      string        `flag:"log-level,default=warn,Connection log level (trace, debug, info, warn, error)"`
}

func newLogger() (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(globalArgs.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level: %w", err)
	}
	out := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func busConn(ctx context.Context) (*dbusrt.Conn, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	opts := dbusrt.DefaultOptions()
	opts.Logger = &logger
	opts.DefaultTimeout = globalArgs.Timeout

	mk := dbusrt.SystemBus
	if globalArgs.UseSessionBus {
		mk = dbusrt.SessionBus
	}
	conn, err := mk(ctx, opts)
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		primary, err := conn.RequestName(ctx, n, dbusrt.NameRequestNoQueue)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		if primary {
			fmt.Printf("acquired name %s\n", n)
		}
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbusrt",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "names",
				Usage: "names [regexp]",
				Help:  "List names on the bus, with the owners of well-known names.",
				Run:   runNames,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "call",
				Usage: "call peer path interface.method [args...]",
				Help: `Call a method and print the reply.

Arguments are parsed according to --sig, which may only contain basic
types. For example:

  dbusrt call --sig=s org.freedesktop.DBus /org/freedesktop/DBus \
    org.freedesktop.DBus.GetNameOwner org.freedesktop.DBus
`,
				SetFlags: command.Flags(flax.MustBind, &callArgs),
				Run:      command.Adapt(runCall),
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Listen to bus signals.",
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:  "serve-peer",
				Usage: "serve-peer",
				Help: `Serve the org.freedesktop.DBus.Peer interface.

The interface is implemented on all objects.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				Run: command.Adapt(runServePeer),
			},
			{
				Name:     "encode",
				Usage:    "encode destination path interface.method [args...]",
				Help:     "Print the wire encoding of a method call, in hex.",
				SetFlags: command.Flags(flax.MustBind, &encodeArgs),
				Run:      command.Adapt(runEncode),
			},
			{
				Name:  "decode",
				Usage: "decode [hex]",
				Help:  "Decode hex encoded messages, from the argument or stdin, and print them.",
				Run:   runDecode,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runNames(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("names takes at most one argument")
	}
	filter := ".*"
	if len(env.Args) == 1 {
		filter = env.Args[0]
	}
	f, err := regexp.Compile(filter)
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	names = slices.Collect(slice.Select(names, f.MatchString))
	slices.Sort(names)

	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			fmt.Println(n)
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("%s (owner: %v)\n", n, err)
			continue
		}
		fmt.Printf("%s (%s)\n", n, owner)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ping := dbusrt.NewMethodCall(peer, "/", "org.freedesktop.DBus.Peer", "Ping")
	start := time.Now()
	if _, err := conn.SendWithReplyAndBlock(env.Context(), ping, dbusrt.UseDefaultTimeout); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("reply from %s in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

var callArgs struct {
	Signature string `flag:"sig,Signature of the method arguments"`
	NoReply   bool   `flag:"no-reply,Do not ask for or wait for a reply"`
}

func buildCall(dest, path, method, sig string, args []string) (*dbusrt.Message, error) {
	iface, member, err := splitMember(method)
	if err != nil {
		return nil, err
	}
	vals, err := parseArgs(sig, args)
	if err != nil {
		return nil, err
	}
	m := dbusrt.NewMethodCall(dest, dbusrt.ObjectPath(path), iface, member)
	it, err := m.Append()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if err := it.AppendBasic(v); err != nil {
			return nil, err
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return m, m.Valid()
}

func runCall(env *command.Env, peer, path, method string, args ...string) error {
	m, err := buildCall(peer, path, method, callArgs.Signature, args)
	if err != nil {
		return err
	}
	m.SetNoReply(callArgs.NoReply)

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if callArgs.NoReply {
		if _, err := conn.Send(m); err != nil {
			return err
		}
		return conn.Flush()
	}

	reply, err := conn.SendWithReplyAndBlock(env.Context(), m, dbusrt.UseDefaultTimeout)
	if reply != nil {
		printMessage(&indenter{}, reply)
	}
	return err
}

var listenArgs struct {
	Sender    string `flag:"sender,Only show signals from this sender"`
	Interface string `flag:"interface,Only show signals on this interface"`
	Member    string `flag:"member,Only show signals with this name"`
	Path      string `flag:"path,Only show signals from objects under this path"`
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	m := dbusrt.MatchSignal(listenArgs.Interface, listenArgs.Member)
	if listenArgs.Sender != "" {
		m.Sender(listenArgs.Sender)
	}
	if listenArgs.Path != "" {
		m.ObjectPrefix(dbusrt.ObjectPath(listenArgs.Path))
	}
	if err := conn.AddMatch(env.Context(), m); err != nil {
		return fmt.Errorf("adding match %s: %w", m, err)
	}

	// The bus delivers the union of all matches, plus messages
	// addressed to us directly, so filter again locally.
	w := &indenter{}
	conn.AddFilter(m.Filter(func(_ *dbusrt.Conn, sig *dbusrt.Message) {
		printMessage(w, sig)
		fmt.Println()
	}), nil, nil)

	fmt.Println("Listening for signals...")
	for env.Context().Err() == nil {
		if _, err := conn.ReadWriteDispatch(100 * time.Millisecond); err != nil {
			return err
		}
		for conn.PopMessage() != nil {
		}
	}
	return nil
}

func runServePeer(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	pings := dbusrt.NewMatch().Type(dbusrt.MsgMethodCall).Interface("org.freedesktop.DBus.Peer").Member("Ping")
	conn.AddFilter(func(_ *dbusrt.Conn, m *dbusrt.Message, _ any) dbusrt.FilterResult {
		if pings.Matches(m) {
			fmt.Printf("Got ping on %s from %s\n", m.Path(), m.Sender())
		}
		return dbusrt.FilterNotYetHandled
	}, nil, nil)
	conn.ServePeer()

	fmt.Printf("Serving peer interface as %s\n", conn.UniqueName())
	for env.Context().Err() == nil {
		if _, err := conn.ReadWriteDispatch(100 * time.Millisecond); err != nil {
			return err
		}
		for conn.PopMessage() != nil {
		}
	}
	fmt.Println("shutdown")
	return nil
}

var encodeArgs struct {
	Signature string `flag:"sig,Signature of the method arguments"`
	BigEndian bool   `flag:"big-endian,Encode in big-endian byte order"`
}

func runEncode(env *command.Env, dest, path, method string, args ...string) error {
	m, err := buildCall(dest, path, method, encodeArgs.Signature, args)
	if err != nil {
		return err
	}
	m.SetSerial(1)
	ord := fragments.LittleEndian
	if encodeArgs.BigEndian {
		ord = fragments.BigEndian
	}
	bs, err := dbusrt.MarshalOrder(m, ord)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(bs))
	return nil
}

func runDecode(env *command.Env) error {
	var in string
	switch len(env.Args) {
	case 0:
		bs, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		in = string(bs)
	case 1:
		in = env.Args[0]
	default:
		return env.Usagef("decode takes at most one argument")
	}

	bs, err := hex.DecodeString(strings.Join(strings.Fields(in), ""))
	if err != nil {
		return fmt.Errorf("decoding hex: %w", err)
	}
	w := &indenter{}
	for off := 0; off < len(bs); {
		m, n, err := dbusrt.Unmarshal(bs[off:])
		if err != nil {
			return fmt.Errorf("decoding message at offset %d: %w", off, err)
		}
		printMessage(w, m)
		off += n
	}
	return nil
}
