// Command prtp-send transfers a file to a prtp-recv peer over UDP with
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
		fmt.Fprintln(os.Stderr, "prtp-send:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		localIP     = flag.String("local-ip", "0.0.0.0", "local bind address")
		localPort   = flag.Int("local-port", 0, "local bind port (0 picks a free port)")
		remoteIP    = flag.String("remote-ip", "127.0.0.1", "receiver address")
		remotePort  = flag.Int("remote-port", 9000, "receiver port")
		file        = flag.String("file", "", "path of the file to send")
		lossRate    = flag.Float64("loss-rate", 0, "datagram loss probability in [0,1]")
		corruptRate = flag.Float64("corruption-rate", 0, "single-bit corruption probability in [0,1]")
		minDelay    = flag.Float64("min-delay", 0, "minimum artificial delay in seconds")
		maxDelay    = flag.Float64("max-delay", 0, "maximum artificial delay in seconds")
		window      = flag.Float64("window", 1, "initial congestion window in segments")
		impair      = flag.String("impair", "", "YAML impairment profile; explicit flags override its values")
		seed        = flag.Uint("seed", 0, "impairment RNG seed, 0 derives from time")
		logLevel    = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address while transferring")
	)
	flag.Parse()
	if *file == "" {
		return fmt.Errorf("missing required flag -file")
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

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	local := &net.UDPAddr{IP: net.ParseIP(*localIP), Port: *localPort}
	remote := &net.UDPAddr{IP: net.ParseIP(*remoteIP), Port: *remotePort}
	tp, err := faultnet.Dial(local, remote, prof, uint32(*seed), logger)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer tp.Close()

	conn := prtp.NewConn(tp, logger)
	conn.SetInitialWindow(*window)
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, conn, id.String(), logger)
	}

	start := time.Now()
	if err := conn.Open(); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	logger.Info("connection established", slog.String("peer", remote.String()))

	bar := progressbar.DefaultBytes(fi.Size(), "sending")
	conn.Progress = func(total int64) { bar.Set64(total) }
	digest, _ := blake2b.New256(nil)
	n, err := conn.Send(io.TeeReader(f, digest))
	bar.Close()
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	stats := conn.Stats()
	logger.Info("transfer complete",
		slog.Int64("bytes", n),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("blake2b", hex.EncodeToString(digest.Sum(nil))),
		slog.Uint64("segments", stats.SegmentsSent),
		slog.Uint64("retransmits", stats.Retransmits),
		slog.Uint64("timeouts", stats.TimeoutEvents),
		slog.Float64("cwnd", stats.Cwnd),
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
	collector.Add(conn, []string{"sender"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	go func() {
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Error("metrics server", slog.String("err", err.Error()))
		}
	}()
}
