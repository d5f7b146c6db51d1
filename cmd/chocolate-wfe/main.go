package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/letsencrypt/chocolate/cmd"
	"github.com/letsencrypt/chocolate/config"
	"github.com/letsencrypt/chocolate/csrutil"
	"github.com/letsencrypt/chocolate/engine"
	"github.com/letsencrypt/chocolate/goodkey"
	"github.com/letsencrypt/chocolate/policy"
	"github.com/letsencrypt/chocolate/sa"
	"github.com/letsencrypt/chocolate/wfe"
	"github.com/letsencrypt/chocolate/wire"
)

type Config struct {
	WFE struct {
		// ListenAddress is where the protocol endpoint listens.
		ListenAddress string `validate:"required,hostname_port"`

		// DebugAddr is the address to run the /metrics and /debug
		// handlers on. Leave empty to disable.
		DebugAddr string `validate:"omitempty,hostname_port"`

		// CAHostname is this CA's canonical hostname; signing requests
		// must name it as their recipient.
		CAHostname string `validate:"required,hostname"`

		// MaxSessionAge is how old a session may grow before its next
		// contact is refused. Defaults to 100s.
		MaxSessionAge config.Duration `validate:"-"`

		// MaxRequestAge is how stale a signing-request timestamp may
		// be. Defaults to 100s.
		MaxRequestAge config.Duration `validate:"-"`

		// PollDelay is the interval clients are told to wait between
		// polls. Defaults to 10s.
		PollDelay config.Duration `validate:"-"`

		// Redis is the session store.
		Redis sa.Config

		// BlockedNames configures the name policy's blocklist.
		BlockedNames struct {
			// Suffixes match the name itself and any subdomain.
			Suffixes []string
			// Exact match only the name itself.
			Exact []string
		}

		Syslog cmd.SyslogConfig
	}
}

func main() {
	listenAddr := flag.String("addr", "", "Listen address override")
	debugAddr := flag.String("debug-addr", "", "Debug server address override")
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	flag.Parse()

	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	if *listenAddr != "" {
		c.WFE.ListenAddress = *listenAddr
	}
	if *debugAddr != "" {
		c.WFE.DebugAddr = *debugAddr
	}
	if c.WFE.MaxSessionAge.Duration == 0 {
		c.WFE.MaxSessionAge.Duration = 100 * time.Second
	}
	if c.WFE.MaxRequestAge.Duration == 0 {
		c.WFE.MaxRequestAge.Duration = 100 * time.Second
	}
	if c.WFE.PollDelay.Duration == 0 {
		c.WFE.PollDelay.Duration = 10 * time.Second
	}
	storeTimeout := c.WFE.Redis.Timeout.Duration
	if storeTimeout == 0 {
		storeTimeout = 5 * time.Second
	}

	stats, logger := cmd.StatsAndLogging(c.WFE.Syslog, c.WFE.DebugAddr)
	logger.Info(cmd.VersionString())
	clk := cmd.Clock()

	rdb, err := c.WFE.Redis.NewClient()
	cmd.FailOnError(err, "Setting up redis client")

	ssa := sa.NewSessionStorageAuthority(rdb, storeTimeout, clk, stats)

	pa := policy.New()
	pa.SetBlockedNames(c.WFE.BlockedNames.Suffixes, c.WFE.BlockedNames.Exact)
	csrAuth := csrutil.New(goodkey.NewKeyPolicy(), pa)

	eng := engine.New(ssa, csrAuth, clk, logger, stats, engine.Config{
		CAHostname:    c.WFE.CAHostname,
		MaxSessionAge: c.WFE.MaxSessionAge.Duration,
		MaxRequestAge: c.WFE.MaxRequestAge.Duration,
		PollDelay:     int(c.WFE.PollDelay.Duration.Seconds()),
	})

	front := wfe.NewWebFrontEndImpl(eng, wire.JSON{}, clk, logger, stats)

	srv := &http.Server{
		Addr:        c.WFE.ListenAddress,
		Handler:     front.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	go cmd.CatchSignals(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	logger.Info(fmt.Sprintf("Server running, listening on %s...", c.WFE.ListenAddress))
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		cmd.FailOnError(err, "Running server")
	}
}
