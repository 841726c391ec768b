// Command talonlance runs one peer of a rollback-netcode session: it binds a
// UDP socket, dials any configured direct peers and/or a relay server, and
// drives the session/orchestrator loop at a fixed 60Hz tick rate, exposing
// Prometheus metrics over HTTP.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/fixture"
	"github.com/kokokino/talonlance/internal/orchestrator"
	"github.com/kokokino/talonlance/internal/rollback"
	"github.com/kokokino/talonlance/internal/telemetry"
	"github.com/kokokino/talonlance/internal/transport"
)

// config holds the flags needed to wire up a session. Constructed straight
// off the CLI layer, no env vars or config file.
type config struct {
	listen      netip.AddrPort
	slot        core.PeerSlot
	peers       map[core.PeerSlot]netip.AddrPort
	relayAddr   string
	relayPeers  map[core.PeerSlot]transport.RelayPeerID
	metricsAddr string
	inputDelay  core.Frame
}

func main() {
	app := &cli.App{
		Name:  "talonlance",
		Usage: "run one peer of a rollback-netcode session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "UDP address to bind for direct peer traffic", Value: ":9000"},
			&cli.IntFlag{Name: "slot", Usage: "local peer slot (0-3)", Required: true},
			&cli.StringSliceFlag{Name: "connect", Usage: "direct peer as slot=host:port, repeatable"},
			&cli.StringFlag{Name: "relay", Usage: "relay server address (UDP), enables the relay fallback path"},
			&cli.StringSliceFlag{Name: "relay-peer", Usage: "relay-routed peer as slot=hexid, repeatable"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "HTTP address to serve /metrics on", Value: ":9100"},
			&cli.IntFlag{Name: "input-delay", Usage: "frames of local input delay", Value: int(core.DefaultInputDelay)},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Int("slot", int(cfg.slot)).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := rollback.New(cfg.slot, log)
	session.SetInputDelay(cfg.inputDelay)

	g := fixture.New()
	router := transport.NewRouter(log)
	orch := orchestrator.New(session, g, router, log)
	metrics := telemetry.New(cfg.slot)
	orch.SetMetrics(metrics)

	p2p, err := transport.NewP2PTransport(cfg.listen, orch, log)
	if err != nil {
		return fmt.Errorf("bind p2p socket: %w", err)
	}
	defer p2p.Close()

	for slot, addr := range cfg.peers {
		link := p2p.AddPeer(slot, addr)
		router.SetP2PLink(slot, link)
		orch.HandlePeerUp(slot)
	}

	var relay *transport.RelayTransport
	if cfg.relayAddr != "" {
		relay, err = transport.NewRelayTransport(cfg.relayAddr, orch, log)
		if err != nil {
			return fmt.Errorf("dial relay: %w", err)
		}
		defer relay.Close()

		for slot, id := range cfg.relayPeers {
			link := relay.AddPeer(slot, id)
			router.SetRelayLink(slot, link)
			if _, ok := cfg.peers[slot]; !ok {
				orch.HandlePeerUp(slot)
			}
		}
	}

	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error { return p2p.Serve(gctx) })
	if relay != nil {
		g2.Go(func() error { return relay.Serve(gctx) })
	}
	g2.Go(func() error { return serveMetrics(gctx, cfg.metricsAddr, metrics) })
	g2.Go(func() error { return runLoop(gctx, orch, log) })

	if err := g2.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseConfig(c *cli.Context) (config, error) {
	var cfg config

	listen, err := netip.ParseAddrPort(padLoopback(c.String("listen")))
	if err != nil {
		return cfg, fmt.Errorf("parsing --listen: %w", err)
	}
	cfg.listen = listen

	slot := c.Int("slot")
	if slot < 0 || slot >= core.PlayerCapacity {
		return cfg, fmt.Errorf("--slot must be in [0, %d)", core.PlayerCapacity)
	}
	cfg.slot = core.PeerSlot(slot)

	cfg.peers = make(map[core.PeerSlot]netip.AddrPort)
	for _, raw := range c.StringSlice("connect") {
		slot, addr, ok := strings.Cut(raw, "=")
		if !ok {
			return cfg, fmt.Errorf("--connect %q: expected slot=host:port", raw)
		}
		s, err := parseSlot(slot)
		if err != nil {
			return cfg, fmt.Errorf("--connect %q: %w", raw, err)
		}
		ap, err := netip.ParseAddrPort(padLoopback(addr))
		if err != nil {
			return cfg, fmt.Errorf("--connect %q: %w", raw, err)
		}
		cfg.peers[s] = ap
	}

	cfg.relayAddr = c.String("relay")
	cfg.relayPeers = make(map[core.PeerSlot]transport.RelayPeerID)
	for _, raw := range c.StringSlice("relay-peer") {
		slot, hexID, ok := strings.Cut(raw, "=")
		if !ok {
			return cfg, fmt.Errorf("--relay-peer %q: expected slot=hexid", raw)
		}
		s, err := parseSlot(slot)
		if err != nil {
			return cfg, fmt.Errorf("--relay-peer %q: %w", raw, err)
		}
		id, err := parseRelayID(hexID)
		if err != nil {
			return cfg, fmt.Errorf("--relay-peer %q: %w", raw, err)
		}
		cfg.relayPeers[s] = id
	}
	if len(cfg.relayPeers) > 0 && cfg.relayAddr == "" {
		return cfg, errors.New("--relay-peer requires --relay")
	}

	cfg.metricsAddr = c.String("metrics-addr")
	cfg.inputDelay = core.Frame(c.Int("input-delay"))

	return cfg, nil
}

func parseSlot(s string) (core.PeerSlot, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= core.PlayerCapacity {
		return 0, fmt.Errorf("slot %d out of range [0, %d)", n, core.PlayerCapacity)
	}
	return core.PeerSlot(n), nil
}

func parseRelayID(s string) (transport.RelayPeerID, error) {
	var id transport.RelayPeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != core.RelayPeerIDLen {
		return id, fmt.Errorf("relay id must be %d bytes hex-encoded", core.RelayPeerIDLen)
	}
	copy(id[:], raw)
	return id, nil
}

// padLoopback expands a bare ":port" shorthand to "0.0.0.0:port" so
// netip.ParseAddrPort accepts it.
func padLoopback(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	return addr
}

func serveMetrics(ctx context.Context, addr string, metrics *telemetry.Metrics) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close() //nolint:errcheck
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runLoop drives RunFrame at a steady 60Hz, sampling local input from stdin
// keystrokes (w = flap, a = left, d = right) collected on a background
// goroutine in place of a window toolkit's input poll.
func runLoop(ctx context.Context, orch *orchestrator.Orchestrator, log zerolog.Logger) error {
	var pending atomic.Uint32
	go readKeys(ctx, &pending)

	ticker := time.NewTicker(core.TickPeriod)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			in := core.Input(pending.Swap(0))
			orch.RunFrame(dt, in, now)

			for _, ev := range orch.PollEvents() {
				logEvent(log, ev)
			}
		}
	}
}

func readKeys(ctx context.Context, pending *atomic.Uint32) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		var in core.Input
		for _, r := range line {
			switch r {
			case 'a', 'A':
				in |= core.InputLeft
			case 'd', 'D':
				in |= core.InputRight
			case 'w', 'W':
				in |= core.InputFlap
			}
		}
		pending.Store(uint32(in))
	}
}

func logEvent(log zerolog.Logger, ev rollback.Event) {
	switch e := ev.(type) {
	case rollback.DesyncDetected:
		log.Warn().Int("peer", int(e.Peer)).Int64("frame", int64(e.Frame)).
			Uint32("local", e.Local).Uint32("remote", e.Remote).Msg("desync detected")
	case rollback.Disconnected:
		log.Info().Int("peer", int(e.Peer)).Msg("peer disconnected")
	case rollback.WaitRecommendation:
		log.Debug().Int64("frames", int64(e.Frames)).Msg("throttling to let a peer catch up")
	default:
		log.Debug().Msg("unhandled session event")
	}
}
