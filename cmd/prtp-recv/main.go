// Command prtp-recv receives a file from a prtp-send peer over UDP with
// optional impairment injection.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/soypat/prtp"
	"github.com/soypat/prtp/faultnet"
	"github.com/soypat/prtp/internal"
	"github.com/soypat/prtp/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "prtp-recv:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		localIP     = flag.String("local-ip", "0.0.0.0", "local bind address")
		localPort   = flag.Int("local-port", 9000, "local bind port")
		output      = flag.String("output", "", "path to write the received file to")
		lossRate    = flag.Float64("loss-rate", 0, "datagram loss probability in [0,1]")
		corruptRate = flag.Float64("corruption-rate", 0, "single-bit corruption probability in [0,1]")
		minDelay    = flag.Float64("min-delay", 0, "minimum artificial delay in seconds")
		maxDelay    = flag.Float64("max-delay", 0, "maximum artificial delay in seconds")
		impair      = flag.String("impair", "", "YAML impairment profile; explicit flags override its values")
		seed        = flag.Uint("seed", 0, "impairment RNG seed, 0 derives from time")
		logLevel    = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address while transferring")
	)
	flag.Parse()
	if *output == "" {
		return fmt.Errorf("missing required flag -output")
	}
	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	id := xid.New()
	logger = logger.With(slog.String("transfer", id.String()))

	prof, err := resolveProfile(*impair, *lossRate, *corruptRate, *minDelay, *maxDelay)
	if err != nil {
		return err
	}

	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	local := &net.UDPAddr{IP: net.ParseIP(*localIP), Port: *localPort}
	tp, err := faultnet.Listen(local, prof, uint32(*seed), logger)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer tp.Close()
	logger.Info("listening", slog.String("addr", tp.LocalAddr().String()))

	conn := prtp.NewConn(tp, logger)
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, conn, id.String(), logger)
	}

	start := time.Now()
	if err := conn.Listen(); err != nil {
		return fmt.Errorf("accept connection: %w", err)
	}
	logger.Info("connection established")

	bar := progressbar.DefaultBytes(-1, "receiving")
	conn.Progress = func(total int64) { bar.Set64(total) }
	digest, _ := blake2b.New256(nil)
	n, err := conn.Recv(io.MultiWriter(f, digest))
	bar.Close()
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	stats := conn.Stats()
	logger.Info("transfer complete",
		slog.Int64("bytes", n),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("blake2b", hex.EncodeToString(digest.Sum(nil))),
		slog.Uint64("acks", stats.SegmentsSent),
	)
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level == "trace" {
		lvl = internal.LevelTrace
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// resolveProfile merges the YAML profile (if any) with explicit flags;
// a flag set on the command line wins over the profile value.
func resolveProfile(path string, loss, corrupt, minDelay, maxDelay float64) (faultnet.Profile, error) {
	prof := faultnet.Profile{LossRate: loss, CorruptionRate: corrupt, MinDelay: minDelay, MaxDelay: maxDelay}
	if path != "" {
		loaded, err := faultnet.LoadProfile(path)
		if err != nil {
			return faultnet.Profile{}, err
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["loss-rate"] {
			prof.LossRate = loaded.LossRate
		}
		if !set["corruption-rate"] {
			prof.CorruptionRate = loaded.CorruptionRate
		}
		if !set["min-delay"] {
			prof.MinDelay = loaded.MinDelay
		}
		if !set["max-delay"] {
			prof.MaxDelay = loaded.MaxDelay
		}
	}
	return prof, prof.Validate()
}

func serveMetrics(addr string, conn *prtp.Conn, transferID string, logger *slog.Logger) {
	collector := metrics.NewConnCollector("prtp", []string{"role"}, prometheus.Labels{"transfer": transferID})
	collector.Add(conn, []string{"receiver"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	go func() {
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Error("metrics server", slog.String("err", err.Error()))
		}
	}()
}
