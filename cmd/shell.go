// Package cmd provides the plumbing shared by the chocolate binaries:
// JSON config loading with validation, logging and metrics setup, and
// startup failure helpers. Each binary takes a -config flag naming a
// JSON file which is unmarshalled into that binary's Config struct.
package cmd

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	blog "github.com/letsencrypt/chocolate/log"
)

// BuildID is set by the compiler via
// -ldflags "-X github.com/letsencrypt/chocolate/cmd.BuildID=$(git rev-parse --short HEAD)".
var BuildID string

// VersionString produces the stamped version of the running binary.
func VersionString() string {
	name := os.Args[0]
	if BuildID == "" {
		return fmt.Sprintf("%s (unstamped build)", name)
	}
	return fmt.Sprintf("%s +%s", name, BuildID)
}

// Clock returns the wall clock the binaries run on. It exists so that
// call sites read the same as in tests, where a fake is injected
// instead.
func Clock() clock.Clock {
	return clock.New()
}

// Fail raises an error printing it in a visible way and exiting.
func Fail(msg string) {
	logger := blog.Get()
	logger.AuditErr(msg)
	os.Exit(1)
}

// FailOnError calls Fail if the provided error is non-nil.
func FailOnError(err error, msg string) {
	if err != nil {
		Fail(fmt.Sprintf("%s: %s", msg, err))
	}
}

// ReadConfigFile unmarshals the named JSON file into out and validates
// it against its struct tags.
func ReadConfigFile(filename string, out any) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	err = json.Unmarshal(configData, out)
	if err != nil {
		return fmt.Errorf("unmarshalling config %q: %w", filename, err)
	}
	err = validator.New().Struct(out)
	if err != nil {
		return fmt.Errorf("validating config %q: %w", filename, err)
	}
	return nil
}

// PasswordConfig contains a path to a file containing a password.
type PasswordConfig struct {
	PasswordFile string `validate:"required"`
}

// Pass reads the password from the file named in the config.
func (pc *PasswordConfig) Pass() (string, error) {
	if pc.PasswordFile == "" {
		return "", nil
	}
	contents, err := os.ReadFile(pc.PasswordFile)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(contents), "\n"), nil
}

// SyslogConfig controls how much ends up in syslog and on stdout.
// Levels are syslog priorities, 0 through 7; -1 means the default.
type SyslogConfig struct {
	StdoutLevel int `validate:"min=-1,max=7"`
	SyslogLevel int `validate:"min=-1,max=7"`
}

// StatsAndLogging sets up the process-wide logger and a prometheus
// registry, and starts the debug server (metrics and pprof) on
// debugAddr if it is non-empty. It returns the registry for components
// to register their metrics with.
func StatsAndLogging(logConf SyslogConfig, debugAddr string) (prometheus.Registerer, blog.Logger) {
	logger := newLogger(logConf)
	err := blog.Set(logger)
	FailOnError(err, "Setting up logging")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if debugAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
			err := http.ListenAndServe(debugAddr, mux)
			FailOnError(err, "Debug server failed")
		}()
	}

	return registry, logger
}

func newLogger(logConf SyslogConfig) blog.Logger {
	stdoutLevel := logConf.StdoutLevel
	if stdoutLevel == -1 || stdoutLevel == 0 {
		stdoutLevel = int(syslog.LOG_INFO)
	}

	if logConf.SyslogLevel == -1 {
		return blog.NewStdoutLogger(stdoutLevel)
	}

	syslogger, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, "chocolate")
	if err != nil {
		// No syslog available; stdout still works.
		return blog.NewStdoutLogger(stdoutLevel)
	}
	logger, err := blog.New(syslogger, stdoutLevel)
	FailOnError(err, "Setting up logging")
	return logger
}

// CatchSignals blocks until SIGTERM, SIGINT, or SIGHUP arrives, then
// runs the callback (if any) and exits cleanly.
func CatchSignals(callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	<-sigChan
	if callback != nil {
		callback()
	}
	os.Exit(0)
}
