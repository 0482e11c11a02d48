// Command tapdump decodes a captured client/server session and writes a
// readable dump of each direction.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"

	"github.com/Zereker/tapproxy"
	"github.com/Zereker/tapproxy/dump"
	"github.com/Zereker/tapproxy/internal/config"
	"github.com/Zereker/tapproxy/internal/logx"
	"github.com/Zereker/tapproxy/logic"
)

func main() {
	var cfg config.Config
	cfg.BindFlags(flag.CommandLine)
	if err := cfg.Parse(flag.CommandLine, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Msg("parse config")
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("pre-flight check")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, os.Stdout, logx.Log); err != nil {
		logx.Log.Error().Err(err).Msg("session failed")
		stop()
		os.Exit(1)
	}
}

// run replays the captures in cfg.WorkingDir. cfg must be validated.
// Tapped messages are written to out.
func run(ctx context.Context, cfg *config.Config, out io.Writer, log zerolog.Logger) error {
	reg, err := loadRegistry(cfg.Definitions)
	if err != nil {
		return err
	}
	codec := tapproxy.NewCodec(reg, tapproxy.MaxInflatedSize(cfg.MaxInflated))
	log.Debug().Int("messages", reg.Len()).Msg("definitions loaded")

	var game *logic.Logic
	if cfg.Logic != "" {
		if game, err = logic.Load(cfg.Logic, logic.DefaultTypeIndex()); err != nil {
			return err
		}
		log.Debug().Str("path", cfg.Logic).Msg("logic loaded")
	}

	shared, err := tapChain(tapproxy.NewMessageLogger(out, codec), cfg.Taps)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	metrics, err := tapproxy.NewMetrics(promReg)
	if err != nil {
		return err
	}

	clientOut, err := createDump(cfg.Path(config.ClientDump))
	if err != nil {
		return err
	}
	defer clientOut.Close()
	serverOut, err := createDump(cfg.Path(config.ServerDump))
	if err != nil {
		return err
	}
	defer serverOut.Close()

	adapter := logx.NewAdapter(log)
	connOpts := []tapproxy.ConnOption{tapproxy.LoggerOption(adapter)}
	if cfg.Key != "" {
		streams, err := tapproxy.RC4([]byte(cfg.Key), []byte(cfg.Nonce))
		if err != nil {
			return err
		}
		connOpts = append(connOpts, tapproxy.CipherOption(streams))
	}

	// Replayed captures have nowhere to forward to.
	client, err := tapproxy.OpenFileConn(tapproxy.Client, cfg.Path(config.ClientStream), nil, connOpts...)
	if err != nil {
		return err
	}
	server, err := tapproxy.OpenFileConn(tapproxy.Server, cfg.Path(config.ServerStream), nil, connOpts...)
	if err != nil {
		client.Close()
		return err
	}

	modes := dump.Modes{Hex: cfg.Hex, JSON: cfg.JSON}
	session := tapproxy.NewSession(client, server, codec,
		tapproxy.ClientTapOption(dump.New(tapproxy.Client, clientOut, codec, modes)),
		tapproxy.ServerTapOption(dump.New(tapproxy.Server, serverOut, codec, modes)),
		tapproxy.SharedTapOption(shared),
		tapproxy.SessionLoggerOption(adapter),
		tapproxy.MetricsOption(metrics),
		tapproxy.OnCompleteOption(func(s tapproxy.Summary) {
			logSummary(log, s)
			if game != nil {
				logVillage(log, game, s.History)
			}
		}),
	)

	_, runErr := session.Run(ctx)
	if cfg.Metrics != "" {
		if err := writeMetrics(cfg.Metrics, out, promReg); err != nil {
			log.Warn().Err(err).Msg("write metrics")
		}
	}
	return runErr
}

func loadRegistry(source string) (*tapproxy.Registry, error) {
	if source == "" {
		return tapproxy.DefaultRegistry()
	}
	return tapproxy.LoadRegistry(source)
}

// dumpFile flushes its buffer before closing.
type dumpFile struct {
	*bufio.Writer
	f *os.File
}

func createDump(path string) (*dumpFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create dump")
	}
	return &dumpFile{Writer: bufio.NewWriter(f), f: f}, nil
}

func (d *dumpFile) Close() error {
	if err := d.Flush(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// tapChain builds the shared tap from the configured message selections.
// A selection is a message name or a numeric id.
func tapChain(ml *tapproxy.MessageLogger, specs []config.TapSpec) (tapproxy.Tap, error) {
	chain := make(tapproxy.Chain, 0, len(specs))
	for _, spec := range specs {
		if id, err := strconv.ParseUint(spec.Message, 10, 16); err == nil {
			chain = append(chain, ml.FilterFor(uint16(id), spec.Field))
			continue
		}
		tap, err := ml.FilterForName(spec.Message, spec.Field)
		if err != nil {
			return nil, errors.Wrapf(err, "tap %s", spec)
		}
		chain = append(chain, tap)
	}
	return chain, nil
}

func logSummary(log zerolog.Logger, s tapproxy.Summary) {
	counts := make(map[string]int)
	for _, r := range s.History {
		name := r.Decoded.Name
		if !r.Registered {
			name = strconv.Itoa(int(r.Message.ID()))
		}
		counts[name]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	dict := zerolog.Dict()
	for _, name := range names {
		dict = dict.Int(name, counts[name])
	}
	log.Info().
		Str("session", s.SessionID).
		Int("client", s.Stats.Client.Read).
		Int("server", s.Stats.Server.Read).
		Dict("messages", dict).
		Msg("session summary")
}

func writeMetrics(path string, stdout io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	w := stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
