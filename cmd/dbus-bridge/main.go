package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbusbridge/bridge"
	"github.com/danderson/dbusbridge/bridge/bridgetest"
	"github.com/danderson/dbusbridge/dbus"
	"github.com/danderson/dbusbridge/internal/config"
	"github.com/danderson/dbusbridge/internal/logging"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Config        string        `flag:"config,Bridge configuration file"`
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Bus           string        `flag:"bus,Bus address, overriding the configuration"`
	LogLevel      string        `flag:"log-level,Log level, overriding the configuration"`
	Timeout       time.Duration `flag:"timeout,Method call timeout, overriding the configuration"`
}

// setup loads the configuration, applies command-line overrides, and
// installs the configured logger.
func setup() (*config.Config, *log.Logger, error) {
	cfg := config.Default()
	if globalArgs.Config != "" {
		var err error
		cfg, err = config.LoadFile(globalArgs.Config)
		if err != nil {
			return nil, nil, err
		}
	}
	if globalArgs.UseSessionBus {
		cfg.Bus = config.SessionBus
	}
	if globalArgs.Bus != "" {
		cfg.Bus = globalArgs.Bus
	}
	if globalArgs.LogLevel != "" {
		cfg.LogLevel = globalArgs.LogLevel
	}
	if globalArgs.Timeout != 0 {
		cfg.CallTimeout = globalArgs.Timeout.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logging.Install(logger)
	return cfg, logger, nil
}

// busBridge connects to the configured bus and returns a bridge over
// it.
func busBridge(ctx context.Context) (*dbus.Conn, *bridge.Bridge, *config.Config, *log.Logger, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	conn, err := cfg.Dial(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connecting to bus: %w", err)
	}
	b := bridge.New(bridge.NewBusRegistrar(conn), cfg.BridgeOptions(logger))
	return conn, b, cfg, logger, nil
}

func main() {
	root := &command.C{
		Name:     "dbus-bridge",
		Usage:    "command args...",
		Help:     "Bridge DBus objects to a management client.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "serve",
				Help: `Run the bridge for the objects listed in the configuration.

Signals from every configured object are logged. If the configuration
sets event_log, events are also appended to that file in CBOR.`,
				Run: command.Adapt(runServe),
			},
			{
				Name:  "call",
				Usage: "call dest path interface method [arg...]",
				Help: `Call a method on a bridged object.

Each argument is a YAML scalar or flow collection, and is converted to
the method's declared argument type. For example:

  call org.matahariproject.Test /org/matahariproject/Test \
    org.matahariproject.Test testSimpleStruct '[10, test]'

Quote strings that YAML would read as another type: '"123"'.

An empty interface searches all of the object's interfaces.`,
				Run: command.Adapt(runCall),
			},
			{
				Name:  "listen",
				Usage: "listen dest path",
				Help:  "Bridge one object and print its signals.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "describe",
				Usage: "describe [peer] [object] [interface]",
				Help: `Describe bus interfaces.

Arguments are regular expressions that filter the listed peers, objects
and interfaces. With no arguments, enumerates all discoverable
interfaces on named bus services. Unique bus names (like ":1.234") are
skipped unless explicitly asked for, because many of them do not
respond correctly to introspection.`,
				Run: runDescribe,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "signature",
				Usage: "signature sig",
				Help:  "Parse a DBus type signature and print its type tree.",
				Run:   command.Adapt(runSignature),
			},
			{
				Name:  "serve-test",
				Usage: "serve-test",
				Help: fmt.Sprintf(`Serve the test object.

Exports %s at %s, and claims the bus name %s.`, bridgetest.Interface, bridgetest.Path, bridgetest.Name),
				Run: command.Adapt(runServeTest),
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

func runServe(env *command.Env) error {
	ctx := env.Context()
	conn, b, cfg, logger, err := busBridge(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close()

	g := taskgroup.New(nil)

	all := b.Events().Subscribe(bridge.AllEvents)
	defer all.Close()
	g.Go(func() error {
		for {
			ev, err := all.Next(ctx)
			if errors.Is(err, bridge.Timeout) && ctx.Err() == nil {
				continue
			} else if errors.Is(err, bridge.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			} else if err != nil {
				return err
			}
			logger.Info("event", "origin", ev.Origin, "signal", ev.Member(), "args", ev.NamedArgs(), "overflow", ev.Overflow)
		}
	})

	if cfg.EventLog != "" {
		f, err := os.OpenFile(cfg.EventLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer f.Close()
		sub := b.Events().Subscribe(bridge.AllEvents)
		defer sub.Close()
		elog := bridge.NewEventLog(f)
		g.Go(func() error {
			if err := elog.Record(ctx, sub); err != nil {
				return fmt.Errorf("writing event log: %w", err)
			}
			return nil
		})
	}

	for _, o := range cfg.Objects {
		if _, err := b.AddObject(ctx, o.Name, dbus.ObjectPath(o.Path)); err != nil {
			logger.Error("adding object", "origin", bridge.Origin{Name: o.Name, Path: dbus.ObjectPath(o.Path)}, "err", err)
		}
	}
	logger.Info("bridge running", "bus", cfg.Bus, "objects", len(b.Objects()))

	<-ctx.Done()
	logger.Info("shutting down")
	b.Close()
	return g.Wait()
}

func runCall(env *command.Env, dest, path, iface, method string, rest ...string) error {
	ctx := env.Context()
	args, err := parseArgs(rest)
	if err != nil {
		return env.Usagef("%v", err)
	}
	if err := dbus.ObjectPath(path).Valid(); err != nil {
		return env.Usagef("invalid object path: %v", err)
	}

	conn, b, _, _, err := busBridge(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close()

	ret, err := b.Call(ctx, bridge.CallEnvelope{
		Destination: dest,
		Path:        dbus.ObjectPath(path),
		Interface:   iface,
		Method:      method,
		Args:        args,
	})
	if err != nil {
		return err
	}
	for _, v := range ret {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runListen(env *command.Env, dest, path string) error {
	ctx := env.Context()
	if err := dbus.ObjectPath(path).Valid(); err != nil {
		return env.Usagef("invalid object path: %v", err)
	}
	conn, b, _, _, err := busBridge(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close()

	obj, err := b.AddObject(ctx, dest, dbus.ObjectPath(path))
	if err != nil {
		return err
	}
	sub := b.Events().Subscribe(bridge.FromOrigin(obj.Origin))
	defer sub.Close()

	fmt.Printf("Listening for signals from %s...\n", obj.Origin)
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, bridge.Timeout) && ctx.Err() == nil {
			continue
		} else if errors.Is(err, bridge.ErrSubscriptionClosed) || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}
		printEvent(os.Stdout, ev)
	}
}

func runDescribe(env *command.Env) error {
	if len(env.Args) > 3 {
		return env.Usagef("too many arguments")
	}
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	conn, err := cfg.Dial(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName, err := conn.GetNameOwner(ctx, p.Name())
		if err != nil {
			ownerName = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (dbus.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	conn, err := cfg.Dial(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runSignature(env *command.Env, sig string) error {
	s, err := dbus.ParseSignature(sig)
	if err != nil {
		return err
	}
	for i, t := range s.Types() {
		fmt.Printf("%d: %s\n", i, t)
		out := indenter{indentNext: true}
		out.indent(1)
		fmt.Fprint(&out, t.Describe())
	}
	return nil
}

func runServeTest(env *command.Env) error {
	ctx := env.Context()
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	conn, err := cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := bridgetest.Export(conn); err != nil {
		return err
	}
	claim, err := conn.Claim(ctx, bridgetest.Name, dbus.ClaimOptions{})
	if err != nil {
		return fmt.Errorf("claiming name %q: %w", bridgetest.Name, err)
	}
	defer claim.Close()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown")
			return nil
		case isOwner := <-claim.Chan():
			if isOwner {
				logger.Info("acquired name", "name", bridgetest.Name)
			} else {
				logger.Warn("lost name", "name", bridgetest.Name)
			}
		}
	}
}
