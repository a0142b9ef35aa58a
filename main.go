package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yuki-scratch44/LineWeb/api"
	"github.com/yuki-scratch44/LineWeb/auth"
	"github.com/yuki-scratch44/LineWeb/metrics"
	"github.com/yuki-scratch44/LineWeb/outbox"
	"github.com/yuki-scratch44/LineWeb/store"
	"github.com/yuki-scratch44/LineWeb/ws"
)

const (
	eventPayloadMaxBytes = 16 << 10
	outboxQueueSize      = 4096
	shutdownTimeout      = 10 * time.Second
	minSecretBytes       = 32
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "lineweb.pid", "pid file")

	flagStore    = flag.String("store", "bolt", "history store: mysql or bolt")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/lineweb?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath = flag.String("bolt-path", "lineweb.db", "bolt database file")

	flagJWTSecret     = flag.String("jwt-secret", "", "HS256 secret of session credentials")
	flagJWTSecretFile = flag.String("jwt-secret-file", "", "file holding the HS256 secret, overrides --jwt-secret")
	flagJWTIssuer     = flag.String("jwt-issuer", "lineweb", "expected credential issuer, empty skips the check")
	flagDevAuth       = flag.Bool("dev-auth", false, "trust the x-uid cookie instead of credentials, local demos only")

	flagHistoryLimit    = flag.Int("history-limit", api.DefaultHistoryLimit, "messages in the history snapshot sent on join")
	flagHistoryMaxLimit = flag.Int("history-max-limit", api.DefaultHistoryMaxLimit, "max limit of GET /history")
	flagMaxFrameBytes   = flag.Int64("max-frame-bytes", 4096, "max size of an inbound frame")
	flagSendQueue       = flag.Int("send-queue", 256, "outbound queue length per session")
	flagRateLimit       = flag.Float64("rate-limit", 20, "inbound frames per second per session, 0 disables")
	flagRateBurst       = flag.Int("rate-burst", 40, "inbound frame burst per session")
	flagAllowedOrigins  = flag.String("allowed-origins", "", "comma separated browser origins allowed to connect, empty allows all")
	flagPresence        = flag.Bool("presence", false, "broadcast presence notices on join and leave")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty disables the event outbox")
	flagKafkaTopic   = flag.String("kafka-topic", "lineweb-events", "kafka topic of the event outbox")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
	flagEnableH2C      = flag.Bool("enable-h2c", false, "serve HTTP/2 over cleartext besides HTTP/1.1")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	authClient, err := newAuthClient()
	if err != nil {
		return errorf("auth: %v", err)
	}

	historyStore, err := openStore()
	if err != nil {
		return errorf("store: %v", err)
	}
	defer func() {
		if err := historyStore.Close(); err != nil {
			glog.Errorf("store close error: %v", err)
		}
	}()

	var (
		collector metrics.MetricsCollector = metrics.Nop{}
		gatherer  prometheus.Gatherer
	)
	if !*flagDisableMetrics {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		publisher outbox.Publisher = outbox.Nop{}
		outboxWg  sync.WaitGroup
	)
	if *flagKafkaBrokers != "" {
		kp := outbox.NewKafkaPublisher(
			outbox.NewKafkaWriter(splitList(*flagKafkaBrokers), *flagKafkaTopic),
			outboxQueueSize, eventPayloadMaxBytes)
		publisher = kp
		outboxWg.Add(1)
		go func() {
			defer outboxWg.Done()
			kp.Run(ctx)
		}()
	}

	hub := ws.NewHub(authClient, historyStore, publisher, collector, &ws.Config{
		HistoryLimit:   *flagHistoryLimit,
		MaxFrameBytes:  *flagMaxFrameBytes,
		SendQueueSize:  *flagSendQueue,
		RateLimit:      *flagRateLimit,
		RateBurst:      *flagRateBurst,
		AllowedOrigins: splitList(*flagAllowedOrigins),
		Presence:       *flagPresence,
	})

	var handler http.Handler = api.NewRouter(&api.RouterDeps{
		Hub:             hub,
		Store:           historyStore,
		Gatherer:        gatherer,
		HistoryLimit:    *flagHistoryLimit,
		HistoryMaxLimit: *flagHistoryMaxLimit,
	})
	if *flagEnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              *flagAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("http server: listening on %s", *flagAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	glog.Infof("lineweb server is starting")
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var prof *Profiler
	exitCode := 0

loop:
	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				exitCode = errorf("http server: %v", err)
			}
			break loop
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				break loop
			}
		}
	}

	if prof != nil {
		prof.Stop()
	}

	// sessions first, so peers see a going away close instead of a dropped connection.
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		glog.Errorf("hub shutdown: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown: %v", err)
	}

	cancel()
	outboxWg.Wait()

	glog.Info("lineweb server exited")
	return exitCode
}

func newAuthClient() (auth.Client, error) {
	if *flagDevAuth {
		glog.Warning("--dev-auth is on, identities are taken from the x-uid cookie")
		return &auth.MockClient{}, nil
	}

	secret := []byte(*flagJWTSecret)
	if *flagJWTSecretFile != "" {
		content, err := os.ReadFile(*flagJWTSecretFile)
		if err != nil {
			return nil, fmt.Errorf("read --jwt-secret-file: %w", err)
		}
		secret = []byte(strings.TrimSpace(string(content)))
	}
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("jwt secret must have at least %d bytes", minSecretBytes)
	}
	return auth.NewTokenClient(auth.NewJWTVerifier(secret, *flagJWTIssuer)), nil
}

func openStore() (store.IHistoryStore, error) {
	switch *flagStore {
	case "mysql":
		if err := store.Migrate(*flagMysqlDsn); err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %w", *flagMysqlDsn, err)
		}

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		return store.NewSQLStore(db), nil
	case "bolt":
		return store.OpenBolt(*flagBoltPath)
	}
	return nil, fmt.Errorf("unknown store `%s`", *flagStore)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required.")
		}
	default:
		return errorf("--store MUST be one of mysql, bolt")
	}

	if !*flagDevAuth && *flagJWTSecret == "" && *flagJWTSecretFile == "" {
		return errorf("--jwt-secret or --jwt-secret-file is required")
	}

	if *flagHistoryLimit < 0 {
		return errorf("--history-limit MUST not be negative")
	}
	if *flagHistoryMaxLimit < 1 {
		return errorf("--history-max-limit MUST be positive")
	}
	if *flagMaxFrameBytes < 256 {
		return errorf("--max-frame-bytes MUST be at least 256")
	}
	if *flagSendQueue < 1 {
		return errorf("--send-queue MUST be positive")
	}
	if *flagRateLimit < 0 {
		return errorf("--rate-limit MUST not be negative")
	}
	if *flagRateLimit > 0 && *flagRateBurst < 1 {
		return errorf("--rate-burst MUST be positive when --rate-limit is set")
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required.")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	if ips == "" {
		return nil
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback, private or unspecified address", ips)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, x := range strings.Split(s, ",") {
		if x = strings.TrimSpace(x); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
