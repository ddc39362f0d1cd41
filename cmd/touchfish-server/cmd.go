package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/alexcesaro/log"
	"github.com/alexcesaro/log/golog"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	touchfish "github.com/touchfish/touchfish-server"
	"github.com/touchfish/touchfish-server/tcpd"
)

// Version of the binary, assigned during build.
var Version string = "dev"

// Options contains the flag options
type Options struct {
	Verbose           []bool `short:"v" long:"verbose" description:"Show verbose logging."`
	Version           bool   `long:"version" description:"Print version and exit."`
	Config            string `short:"c" long:"config" description:"YAML config file, flags override it."`
	Host              string `long:"host" description:"Address to listen on. (default: 0.0.0.0)"`
	Port              int    `short:"p" long:"port" description:"Port to listen on. (default: 8080)"`
	MaxConnections    int    `long:"max-connections" description:"Maximum concurrent connections. (default: 100)"`
	KeepAliveIdle     int    `long:"keepalive-idle" description:"Idle seconds before keepalive probes start."`
	KeepAliveInterval int    `long:"keepalive-interval" description:"Seconds between keepalive probes."`
	Metrics           string `long:"metrics" description:"Serve Prometheus metrics on this address, e.g. localhost:9100."`
}

var logLevels = []log.Level{
	log.Warning,
	log.Info,
	log.Debug,
}

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	p, err := parser.Parse()
	if err != nil {
		if p == nil {
			fmt.Print(err)
		}
		return
	}

	if options.Version {
		fmt.Println(Version)
		return
	}

	// Figure out the log level
	numVerbose := len(options.Verbose)
	if numVerbose >= len(logLevels) {
		numVerbose = len(logLevels) - 1
	}

	logLevel := logLevels[numVerbose]
	logger := golog.New(os.Stderr, logLevel)
	touchfish.SetLogger(logger)

	if logLevel == log.Debug {
		// Enable logging from submodules
		tcpd.SetLogger(os.Stderr)
	}

	cfg, err := loadConfig(options)
	if err != nil {
		fail(2, "Failed to load config: %v\n", err)
	}

	var serverOpts []touchfish.Option
	if options.Metrics != "" {
		reg := prometheus.NewRegistry()
		metrics, err := touchfish.NewMetrics("touchfish", reg)
		if err != nil {
			fail(3, "Failed to register metrics: %v\n", err)
		}
		serverOpts = append(serverOpts, touchfish.WithMetrics(metrics))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			fmt.Fprintln(os.Stderr, http.ListenAndServe(options.Metrics, mux))
		}()
	}

	handler := &events{out: os.Stdout, notice: cfg.Notice}
	server := touchfish.NewServer(cfg, handler, serverOpts...)
	handler.server = server

	if err := server.Start(); err != nil {
		fail(4, "Failed to start server: %v\n", err)
	}
	fmt.Printf("Listening for connections on %v\n", server.Addr())
	fmt.Println(consoleHelp)

	done := make(chan error, 1)
	go func() {
		c := &console{relay: server, out: os.Stdout}
		done <- c.Run(os.Stdin)
	}()

	// Construct interrupt handler
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("Console: %v", err)
		}
	case <-sig:
		fmt.Fprintln(os.Stderr, "Interrupt signal detected, shutting down.")
	}

	server.Broadcast(cfg.Notice + shutdownNotice)
	if err := server.Stop(); err != nil {
		logger.Errorf("Failed to stop: %v", err)
	}
}

// loadConfig applies flags on top of the config file, or the defaults.
func loadConfig(options Options) (touchfish.Config, error) {
	cfg := touchfish.DefaultConfig()
	if options.Config != "" {
		var err error
		cfg, err = touchfish.LoadConfig(options.Config)
		if err != nil {
			return cfg, err
		}
	}

	if options.Host != "" {
		cfg.Host = options.Host
	}
	if options.Port != 0 {
		cfg.Port = options.Port
	}
	if options.MaxConnections != 0 {
		cfg.MaxConnections = options.MaxConnections
	}
	if options.KeepAliveIdle != 0 {
		cfg.KeepAliveIdle = options.KeepAliveIdle
	}
	if options.KeepAliveInterval != 0 {
		cfg.KeepAliveInterval = options.KeepAliveInterval
	}
	return cfg, nil
}
