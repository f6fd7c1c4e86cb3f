package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Adis-cmd/CrptApi/pkg/api"
	"github.com/Adis-cmd/CrptApi/pkg/conf"
	"github.com/Adis-cmd/CrptApi/pkg/document"
	"github.com/Adis-cmd/CrptApi/pkg/metrics"
	"github.com/facebookgo/pidfile"
	"github.com/pkg/errors"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var version string

func main() {
	cfgPath, validateConfig, versionInfo := parseFlags()

	if versionInfo {
		fmt.Println(version)
		return
	}

	cfg, err := readConfig(cfgPath)
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	if validateConfig {
		return
	}

	if cfg.PidFilePath != "" {
		pidfile.SetPidfilePath(cfg.PidFilePath)
		err = pidfile.Write()
		if err != nil {
			log.Fatalf("error writing pidfile: %v", err)
		}
	}

	lg, err := buildLogger(&cfg)
	if err != nil {
		log.Fatalf("error building logger config: %v", err)
	}

	ms := metrics.New()
	metrics.Register(ms)
	ms.Version.WithLabelValues(version).Inc()

	if cfg.PprofPort != -1 {
		go func() {
			l, err := reuseport.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(cfg.PprofPort)))
			if err != nil {
				lg.Error("opening TCP port for pprof failed", zap.Error(err))
			}

			err = http.Serve(l, nil)
			if err != nil {
				lg.Error("pprof server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		l, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", cfg.PromPort))
		if err != nil {
			lg.Error("opening TCP port for Prometheus failed", zap.Error(err))
		}
		err = http.Serve(l, http.AllowQuerySemicolons(promhttp.Handler()))
		if err != nil {
			lg.Error("Prometheus server failed", zap.Error(err))
		}
	}()

	window := time.Duration(cfg.LimiterWindowMs) * time.Millisecond
	client, err := api.New(window, cfg.LimiterRequestLimit, cfg.Endpoint, lg, ms)
	if err != nil {
		log.Fatalf("error building client: %v", err)
	}
	client.HTTPClient.Timeout = time.Duration(cfg.SendTimeoutSec) * time.Second

	// SIGINT/SIGTERM cancel the context; the cancellation propagates into
	// submitters blocked in the rate limiter.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Probe(ctx); err != nil {
		lg.Warn("endpoint probe failed, submissions will likely fail too", zap.Error(err))
	}

	var pace ratelimit.Limiter
	if cfg.OfferedRatePerSec > 0 {
		pace = ratelimit.New(cfg.OfferedRatePerSec)
	} else {
		pace = ratelimit.NewUnlimited()
	}

	total := int(cfg.Submitters) * cfg.DocsPerSubmitter
	lg.Info("starting submitters",
		zap.Uint16("submitters", cfg.Submitters),
		zap.Int("docs_per_submitter", cfg.DocsPerSubmitter),
		zap.Int("request_limit", cfg.LimiterRequestLimit),
		zap.Duration("window", window))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < int(cfg.Submitters); s++ {
		id := s
		g.Go(func() error {
			return runSubmitter(gctx, id, cfg.DocsPerSubmitter, client, pace, lg)
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		lg.Fatal("run aborted", zap.Error(err))
	}

	// Informal rate-limit assertion on wall time: the first batch of N goes
	// out immediately, every further batch of N costs one window.
	windowsNeeded := math.Ceil(float64(total)/float64(cfg.LimiterRequestLimit)) - 1
	floor := time.Duration(windowsNeeded) * window
	lg.Info("all documents submitted",
		zap.Int("total", total),
		zap.Duration("elapsed", elapsed),
		zap.Duration("rate_limit_floor", floor))
	if elapsed < floor {
		lg.Error("elapsed time is below the rate-limit floor, the quota was exceeded",
			zap.Duration("elapsed", elapsed),
			zap.Duration("floor", floor))
	}
}

func runSubmitter(ctx context.Context, id int, count int, client *api.Client, pace ratelimit.Limiter, lg *zap.Logger) error {
	for i := 0; i < count; i++ {
		pace.Take()

		signature := fmt.Sprintf("sig_%d_%d", id, i)
		res, err := client.Submit(ctx, sampleDocument(id, i), signature)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			lg.Warn("submission failed", zap.Int("submitter", id), zap.Int("seq", i), zap.Error(err))
			continue
		}
		lg.Info("document submitted",
			zap.Int("submitter", id),
			zap.Int("seq", i),
			zap.Int("status", res.StatusCode))
	}
	return nil
}

func sampleDocument(submitter int, seq int) *document.Document {
	productionDate := document.NewDate(2024, time.October, 1)
	regDate := document.NewDate(2024, time.October, 4)
	certDate := document.NewDate(2024, time.September, 15)
	importRequest := false

	return &document.Document{
		Description:    &document.Description{ParticipantInn: "0987654321"},
		DocID:          fmt.Sprintf("doc_%d_%d", submitter, seq),
		DocStatus:      "NEW",
		DocType:        document.DocTypeIntroduceGoods,
		ImportRequest:  &importRequest,
		OwnerInn:       "1234567890",
		ParticipantInn: "0987654321",
		ProducerInn:    "1122334455",
		ProductionDate: &productionDate,
		ProductionType: "OWN_PRODUCTION",
		RegDate:        &regDate,
		RegNumber:      fmt.Sprintf("REG-2024-%03d", submitter*1000+seq),
		Products: []document.Product{
			{
				CertificateDocument:       "CERT_DOC_001",
				CertificateDocumentDate:   &certDate,
				CertificateDocumentNumber: "CERT-001-2024",
				OwnerInn:                  "1234567890",
				ProducerInn:               "1122334455",
				ProductionDate:            &productionDate,
				TnvedCode:                 "0101210000",
				UitCode:                   "01234567890123",
				UituCode:                  "98765432109876",
			},
		},
	}
}

func parseFlags() (string, bool, bool) {
	cfgPath := flag.String("config", "", "Path to config file.")
	testConfig := flag.Bool("validate", false, "Validate configuration file.")
	versionInfo := flag.Bool("version", false, "Print version info.")

	flag.Parse()

	// if --version is specified, only print the version, nothing else matters
	if *versionInfo {
		return *cfgPath, *testConfig, true
	}

	if cfgPath == nil || *cfgPath == "" {
		log.Fatal("config file path not specified")
	}

	return *cfgPath, *testConfig, false
}

func buildLogger(cfg *conf.Main) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}

	config.Sampling = nil // make sure there is no sampler since we will add one by ourselves
	return config.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Second*time.Duration(cfg.LogLimitWindowSec), cfg.LogLimitInitial, cfg.LogLimitThereafter)
	}))
}

func readConfig(cfgPath string) (conf.Main, error) {
	bs, err := os.ReadFile(cfgPath)
	if err != nil {
		return conf.Main{}, errors.Wrap(err, "error reading config file")
	}
	cfg, err := conf.ReadMain(bytes.NewReader(bs))
	if err != nil {
		return cfg, errors.Wrap(err, "error reading main config")
	}

	return cfg, nil
}
