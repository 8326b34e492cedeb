// Package outmta implements process-wide plumbing: the static configuration,
// shutdown contexts, correlation ids and a few small helpers used by most
// other packages.
package outmta

import (
	"fmt"
	"os"
	"time"

	"github.com/mjl-/sconf"

	"github.com/outmta/outmta/config"
	"github.com/outmta/outmta/mlog"
)

var pkglog = mlog.New("outmta")

// ConfigStaticPath is the path to the static configuration file. Set before
// calling MustLoadConfig, e.g. from the -config flag.
var ConfigStaticPath = "outmta.conf"

// Conf holds the active parsed configuration.
var Conf = Config{}

// Config is the parsed static configuration with a few derived fields.
type Config struct {
	Static config.Static

	LogLevels map[string]mlog.Level
}

// MustLoadConfig loads the configuration or exits the process.
func MustLoadConfig() {
	errs := LoadConfig()
	if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0], mlog.Field("configfile", ConfigStaticPath))
	} else if len(errs) > 0 {
		for _, err := range errs {
			pkglog.Errorx("config error", err, mlog.Field("configfile", ConfigStaticPath))
		}
		pkglog.Fatal("stopping after multiple config errors")
	}
}

// LoadConfig parses and validates the config file at ConfigStaticPath,
// installing it as Conf and applying log levels on success.
func LoadConfig() []error {
	var c Config
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return []error{fmt.Errorf("parsing %s: %v", ConfigStaticPath, err)}
	}

	if errs := prepareStatic(&c); len(errs) > 0 {
		return errs
	}

	Conf = c
	mlog.SetConfig(c.LogLevels)
	return nil
}

func prepareStatic(c *Config) (errs []error) {
	addErr := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	st := &c.Static

	if st.DataDir == "" {
		addErr("DataDir must be set")
	}
	if st.Hostname == "" {
		addErr("Hostname must be set")
	}

	level, ok := mlog.Levels[st.LogLevel]
	if !ok {
		addErr("invalid log level %q", st.LogLevel)
	} else {
		c.LogLevels = map[string]mlog.Level{"": level}
	}
	for pkg, s := range st.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			addErr("invalid log level %q for package %q", s, pkg)
		} else {
			c.LogLevels[pkg] = level
		}
	}

	if st.Pool.MaxConnections <= 0 {
		addErr("Pool.MaxConnections must be positive")
	}
	if st.Pool.MaxMessages <= 0 {
		addErr("Pool.MaxMessages must be positive")
	}
	if st.Pool.SessionDuration <= 0 || st.Pool.InactivityTimeout <= 0 || st.Pool.CleanupInterval <= 0 {
		addErr("Pool durations must be positive")
	}
	if st.Pool.SubmitPort == 0 {
		st.Pool.SubmitPort = 465
	}

	if st.Submission.MaxRecipients <= 0 {
		addErr("Submission.MaxRecipients must be positive")
	}
	if st.Submission.MaxMessageSize <= 0 {
		addErr("Submission.MaxMessageSize must be positive")
	}

	if st.Scheduler.BatchSize <= 0 {
		st.Scheduler.BatchSize = 500
	}
	if st.Scheduler.StaleTransferAge <= 0 {
		st.Scheduler.StaleTransferAge = 30 * time.Minute
	}
	if st.Scheduler.BreakerFailures <= 0 {
		st.Scheduler.BreakerFailures = 50
	}
	if st.Scheduler.BreakerFailureRatio <= 0 {
		st.Scheduler.BreakerFailureRatio = 1.0 / 3
	}

	if st.Fetch.Agent != "" {
		if st.Fetch.Port == 0 {
			st.Fetch.Port = 993
		}
		if st.Fetch.Mailbox == "" {
			st.Fetch.Mailbox = "INBOX"
		}
		if st.Fetch.Interval <= 0 {
			st.Fetch.Interval = 5 * time.Minute
		}
	}

	if st.CheckInterval <= 0 {
		st.CheckInterval = time.Minute
	}

	return errs
}

// WriteExampleConfig writes a commented example outmta.conf to w-like path.
func WriteExampleConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	static := config.Static{
		DataDir:  "data",
		LogLevel: "info",
		Hostname: "mta1.example.com",
		Pool: config.Pool{
			MaxConnections:    5,
			MaxMessages:       100,
			SessionDuration:   10 * time.Minute,
			InactivityTimeout: 2 * time.Minute,
			CleanupInterval:   time.Minute,
		},
		Submission: config.Submission{
			MaxRecipients:      100,
			MaxHeaders:         10,
			MaxAttachments:     10,
			MaxAttachmentSize:  25 * 1024 * 1024,
			MaxAttachmentsSize: 25 * 1024 * 1024,
			MaxMessageSize:     50 * 1024 * 1024,
		},
		Scheduler: config.Scheduler{
			BatchSize:           500,
			StaleTransferAge:    30 * time.Minute,
			BreakerFailures:     50,
			BreakerFailureRatio: 1.0 / 3,
		},
	}
	return sconf.Write(f, static)
}
