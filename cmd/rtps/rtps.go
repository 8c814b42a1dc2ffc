// Program rtps is a command-line utility for publishing, subscribing to, and
// inspecting RTPS traffic.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/channel"
	"github.com/creachadair/rtps/config"
	"github.com/creachadair/rtps/peers"
	"github.com/creachadair/rtps/promexport"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
	"github.com/creachadair/rtps/stream"
	"github.com/creachadair/taskgroup"
)

var flags = struct {
	Config    string `flag:"config,Participant and topic profile (YAML)"`
	Domain    int    `flag:"domain,Domain ID, if no profile is given"`
	Listen    string `flag:"listen,Unicast UDP address"`
	Multicast string `flag:"multicast,Multicast group address (empty to disable)"`
	Interface string `flag:"iface,Network interface for multicast"`
	Peers     string `flag:"peers,Comma-separated initial peer locators"`
	Metrics   string `flag:"metrics,Serve Prometheus metrics at this address"`
	Verbose   bool   `flag:"v,Enable debug logging"`
	Trace     bool   `flag:"trace,Log every message sent and received"`
}{
	Listen:    ":0",
	Multicast: "239.255.0.1:7400",
}

var pubFlags = struct {
	Type    string        `flag:"type,Type name for topics not in the profile"`
	Wait    int           `flag:"wait,Wait for this many matched readers before writing"`
	Timeout time.Duration `flag:"timeout,Time limit for matching and acknowledgement"`
}{Type: "string", Wait: 1, Timeout: 10 * time.Second}

var subFlags = struct {
	Type     string `flag:"type,Type name for topics not in the profile"`
	Count    int    `flag:"count,Exit after this many samples (0 means no limit)"`
	Reliable bool   `flag:"reliable,Subscribe reliably to topics not in the profile"`
}{Type: "string"}

var decodeFlags struct {
	Hex bool `flag:"hex,Input is hex-encoded"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "[options] command [args...]\nhelp [command]",
		Help:     "Utilities for publishing, subscribing to, and inspecting RTPS traffic.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "pub",
				Usage: "<topic> <value>...",
				Help: `Publish values to a topic.

Each value is written as one sample. If the topic is defined by the
profile, the writer uses its settings; otherwise it uses the default
writer QoS. By default, pub waits for a reader to match before writing,
and for all matched readers to acknowledge before exiting.`,
				SetFlags: command.Flags(flax.MustBind, &pubFlags),
				Run:      runPub,
			},
			{
				Name:  "sub",
				Usage: "<topic>",
				Help: `Subscribe to a topic and print its samples.

Samples are printed one per line until the program is interrupted, or
until the number of samples given by --count has been printed.`,
				SetFlags: command.Flags(flax.MustBind, &subFlags),
				Run:      runSub,
			},
			{
				Name:  "decode",
				Usage: "[file]",
				Help: `Decode an RTPS message and print its contents.

The message is read from the named file, or from stdin if no file is
given. With --hex, whitespace in the input is ignored and the rest must
be hex digits.`,
				SetFlags: command.Flags(flax.MustBind, &decodeFlags),
				Run:      runDecode,
			},
			packCommand,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runPub(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing topic or values")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	err = s.publish(ctx, env.Args[0], env.Args[1:])
	return errors.Join(err, s.close())
}

func (s *session) publish(ctx context.Context, topic string, vals []string) error {
	opts := rtps.WriterOptions{Topic: topic, Type: pubFlags.Type}
	if _, ok := s.prof.Topics[topic]; ok {
		var err error
		opts, err = s.prof.WriterOptions(topic)
		if err != nil {
			return err
		}
	}
	w, err := s.p.NewWriter(opts)
	if err != nil {
		return err
	}
	defer w.Close()

	tctx, cancel := context.WithTimeout(ctx, pubFlags.Timeout)
	defer cancel()
	if pubFlags.Wait > 0 {
		if err := w.WaitMatched(tctx, pubFlags.Wait); err != nil {
			return fmt.Errorf("waiting for readers: %w", err)
		}
	}
	n, err := stream.Publish(tctx, w, byteValues(vals))
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if pubFlags.Wait > 0 {
		if err := w.WaitForAllAcked(tctx); err != nil {
			return fmt.Errorf("waiting for acknowledgement: %w", err)
		}
	}
	fmt.Fprintf(os.Stderr, "published %d samples to %q (%d readers)\n", n, topic, w.MatchedReaders())
	return nil
}

func byteValues(vals []string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, v := range vals {
			if !yield([]byte(v), nil) {
				return
			}
		}
	}
}

func runSub(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing topic")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	err = s.subscribe(ctx, env.Args[0])
	return errors.Join(err, s.close())
}

func (s *session) subscribe(ctx context.Context, topic string) error {
	opts := rtps.ReaderOptions{Topic: topic, Type: subFlags.Type}
	if _, ok := s.prof.Topics[topic]; ok {
		var err error
		opts, err = s.prof.ReaderOptions(topic)
		if err != nil {
			return err
		}
	} else if subFlags.Reliable {
		q := qos.DefaultReader()
		q.Reliability = qos.Reliable
		opts.QoS = &q
	}
	r, err := s.p.NewReader(opts)
	if err != nil {
		return err
	}
	defer r.Close()

	var n int
	for smp, err := range stream.Samples(ctx, r) {
		if errors.Is(err, context.Canceled) {
			break
		} else if err != nil {
			return err
		}
		printSample(os.Stdout, smp)
		n++
		if subFlags.Count > 0 && n >= subFlags.Count {
			break
		}
	}
	return nil
}

func printSample(w io.Writer, s rtps.Sample) {
	ts := s.Info.SourceTimestamp.Format(time.RFC3339Nano)
	if s.Info.Kind != proto.Alive {
		fmt.Fprintf(w, "%s %v#%d %v %v\n", ts, s.Info.Writer, s.Info.Seq, s.Info.Kind, s.Info.Instance)
		return
	}
	fmt.Fprintf(w, "%s %v#%d %q\n", ts, s.Info.Writer, s.Info.Seq, s.Data)
}

func runDecode(env *command.Env) error {
	var data []byte
	var err error
	switch len(env.Args) {
	case 0:
		data, err = io.ReadAll(os.Stdin)
	case 1:
		data, err = os.ReadFile(env.Args[0])
	default:
		return env.Usagef("extra arguments: %q", env.Args[1:])
	}
	if err != nil {
		return err
	}
	if decodeFlags.Hex {
		data, err = hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			return fmt.Errorf("invalid hex input: %w", err)
		}
	}
	var msg proto.Message
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	fmt.Printf("prefix %v version %d.%d vendor %x\n", msg.Prefix, msg.Version[0], msg.Version[1], msg.Vendor)
	for i, sm := range msg.Submessages {
		fmt.Printf("%3d %v\n", i+1, sm)
	}
	return nil
}

// A session is a participant running on a UDP transport, with the profile
// that configured it.
type session struct {
	prof  *config.Profile
	p     *rtps.Participant
	close func() error
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openSession(ctx context.Context) (*session, error) {
	prof := &config.Profile{Domain: uint32(flags.Domain)}
	if flags.Config != "" {
		var err error
		prof, err = config.Load(flags.Config)
		if err != nil {
			return nil, err
		}
	}
	log := newLogger()
	opts, err := prof.ParticipantOptions(log)
	if err != nil {
		return nil, err
	}
	for _, s := range strings.Split(flags.Peers, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		loc, err := rtps.ParseLocator(s)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", s, err)
		}
		opts.InitialPeers = append(opts.InitialPeers, loc)
	}

	tr, err := channel.ListenUDP(channel.UDPOptions{
		Unicast:   flags.Listen,
		Multicast: flags.Multicast,
		Interface: flags.Interface,
	})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	p := rtps.NewRegistry(prof.Domain).Create(opts)
	if flags.Trace {
		p.LogMessages(func(m rtps.MessageInfo) { log.Info("trace", "msg", m.String()) })
	}

	sctx, cancel := context.WithCancel(ctx)
	g := taskgroup.New(nil)
	g.Go(func() error { return peers.Serve(sctx, p, tr) })
	if flags.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promexport.Handler(promexport.ForParticipant(p)))
		srv := &http.Server{Addr: flags.Metrics, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error { <-sctx.Done(); return srv.Close() })
	}
	uc, _ := tr.Locators()
	log.Info("participant started", "prefix", p.GUIDPrefix(), "domain", prof.Domain, "unicast", uc)

	return &session{
		prof:  prof,
		p:     p,
		close: func() error { cancel(); return g.Wait() },
	}, nil
}
