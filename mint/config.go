package mint

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/ibrahimsoriey1/quantummint-sub000/config"
	"github.com/ibrahimsoriey1/quantummint-sub000/dns"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

var pkglog = mlog.New("mint", nil)

// ConfigFile is the path to the active configuration file, used to resolve
// relative paths like the data directory.
var ConfigFile string

// Conf is the active parsed configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

// AccountDestination is the parsed destination for an accepted address:
// which account it belongs to and which configured destination matched.
type AccountDestination struct {
	Account     string
	Localpart   smtp.Localpart // Localpart of the matched address.
	Destination config.Destination
	ViaAlias    bool // Matched through Aliases instead of Destinations.
}

// Config holds the parsed configuration and lookup tables derived from it.
type Config struct {
	Static config.Config

	logMutex sync.Mutex // Protects Log.
	Log      map[string]slog.Level

	// Keys are canonical addresses: lower-cased localpart @ ASCII domain.
	accountDestinations map[string]AccountDestination
}

// LogLevels returns a copy of the current log levels, keyed by package ("" is
// the default level).
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// Domain returns whether d is a domain we accept mail for.
func (c *Config) Domain(d dns.Domain) bool {
	for _, dom := range c.Static.DomainsParsed {
		if dom == d {
			return true
		}
	}
	return false
}

// Account returns the configuration for an account, and whether it exists.
func (c *Config) Account(name string) (config.Account, bool) {
	acc, ok := c.Static.Accounts[name]
	return acc, ok
}

// AccountDestination looks up a canonical address. Callers typically go
// through LookupAddress which also handles postmaster and canonicalization.
func (c *Config) AccountDestination(addr string) (AccountDestination, bool) {
	ad, ok := c.accountDestinations[addr]
	return ad, ok
}

// DataDirPath returns the path to a file or directory in the data directory,
// resolving relative data directories against the config file location.
func DataDirPath(elems ...string) string {
	dir := Conf.Static.DataDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(ConfigFile), dir)
	}
	return filepath.Join(append([]string{dir}, elems...)...)
}

// MustLoadConfig loads the config file at ConfigFile, exiting the process on
// error.
func MustLoadConfig() {
	errs := LoadConfig()
	if len(errs) > 0 {
		for _, err := range errs {
			pkglog.Errorx("loading config file", err)
		}
		os.Exit(2)
	}
}

// LoadConfig parses and validates the config file at ConfigFile, replacing
// the active configuration on success.
func LoadConfig() []error {
	Shutdown, ShutdownCancel = context.WithCancel(Context)

	c, errs := ParseConfig(ConfigFile)
	if len(errs) > 0 {
		return errs
	}
	Conf.Static = c.Static
	Conf.accountDestinations = c.accountDestinations
	if err := initReceivedID(receivedIDKey()); err != nil {
		return []error{err}
	}

	level, ok := mlog.Levels[strings.ToLower(c.Static.LogLevel)]
	if c.Static.LogLevel == "" {
		level = slog.LevelInfo
		ok = true
	}
	if !ok {
		return []error{fmt.Errorf("unknown log level %q", c.Static.LogLevel)}
	}
	mlog.Init(level)
	Conf.Log[""] = level
	for pkg, s := range c.Static.PackageLogLevels {
		plevel, ok := mlog.Levels[strings.ToLower(s)]
		if !ok {
			return []error{fmt.Errorf("unknown log level %q for package %q", s, pkg)}
		}
		Conf.Log[pkg] = plevel
	}

	return nil
}

// ParseConfig reads and validates a configuration file, returning the parsed
// form with lookup tables filled in. It does not replace the active config.
func ParseConfig(path string) (*Config, []error) {
	c := &Config{Log: map[string]slog.Level{}}

	f, err := os.Open(path)
	if err != nil {
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s: %v", path, err)}
	}

	if errs := prepareConfig(c, path); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

func prepareConfig(c *Config, path string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	hostname, err := dns.ParseDomain(c.Static.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %v", err)
	} else if hostname.Name() != c.Static.Hostname {
		addErrorf("hostname must be in canonical form %q", hostname.Name())
	}
	c.Static.HostnameDomain = hostname

	if c.Static.DataDir == "" {
		addErrorf("data directory must be set")
	}

	for _, s := range c.Static.Domains {
		d, err := dns.ParseDomain(s)
		if err != nil {
			addErrorf("parsing domain %q: %v", s, err)
			continue
		}
		for _, o := range c.Static.DomainsParsed {
			if o == d {
				addErrorf("duplicate domain %q", s)
			}
		}
		c.Static.DomainsParsed = append(c.Static.DomainsParsed, d)
	}
	if len(c.Static.DomainsParsed) == 0 {
		addErrorf("at least one domain required")
	}

	for name, l := range c.Static.Listeners {
		if len(l.IPs) == 0 {
			addErrorf("listener %q: no IPs", name)
		}
		if l.TLS != nil {
			tlsconfig, err := loadTLSKeyCerts(path, name, l.TLS)
			if err != nil {
				addErrorf("listener %q: %v", name, err)
			} else {
				l.TLS.Config = tlsconfig
			}
		}
		needsTLS := l.SubmissionsTLS.Enabled || l.IMAPSTLS.Enabled || l.POP3STLS.Enabled
		if needsTLS && (l.TLS == nil || l.TLS.Config == nil) {
			addErrorf("listener %q: TLS config required for implicit-TLS services", name)
		}
		c.Static.Listeners[name] = l
	}

	if c.Static.Queue.MaxAttempts == 0 {
		c.Static.Queue.MaxAttempts = 8
	}
	if c.Static.Queue.LocalConcurrency == 0 {
		c.Static.Queue.LocalConcurrency = 20
	}
	if c.Static.Queue.RemoteConcurrency == 0 {
		c.Static.Queue.RemoteConcurrency = 10
	}
	if c.Static.Queue.RetentionDays == 0 {
		c.Static.Queue.RetentionDays = 14
	}

	c.accountDestinations = map[string]AccountDestination{}
	for accName, acc := range c.Static.Accounts {
		var domains []dns.Domain

		addAddress := func(s string, viaAlias bool, dest config.Destination) (config.Destination, bool) {
			var address smtp.Address
			if strings.Contains(s, "@") {
				addr, err := smtp.ParseAddress(s)
				if err != nil {
					addErrorf("account %q: parsing address %q: %v", accName, s, err)
					return dest, false
				}
				if !c.Domain(addr.Domain) {
					addErrorf("account %q: address %q: domain not configured", accName, s)
					return dest, false
				}
				address = addr
				c.addDestination(accName, address, viaAlias, dest, addErrorf)
				domains = appendDomain(domains, addr.Domain)
			} else {
				// Bare localpart, add for all configured domains.
				lp, err := smtp.ParseLocalpart(s)
				if err != nil {
					addErrorf("account %q: parsing localpart %q: %v", accName, s, err)
					return dest, false
				}
				for _, d := range c.Static.DomainsParsed {
					address = smtp.NewAddress(lp, d)
					c.addDestination(accName, address, viaAlias, dest, addErrorf)
					domains = appendDomain(domains, d)
				}
			}
			dest.Address = address
			return dest, true
		}

		for addrStr, dest := range acc.Destinations {
			if dest.Mailbox == "" {
				dest.Mailbox = "Inbox"
			}
			dest, ok := addAddress(addrStr, false, dest)
			if ok {
				acc.Destinations[addrStr] = dest
			}
		}
		if len(acc.Destinations) == 0 {
			addErrorf("account %q: needs at least one destination address", accName)
		}
		for _, alias := range acc.Aliases {
			addAddress(alias, true, config.Destination{Mailbox: "Inbox"})
		}

		if acc.HourlyLimit == 0 {
			acc.HourlyLimit = 200
		}
		if acc.DailyLimit == 0 {
			acc.DailyLimit = 1000
		}
		if acc.MaxRecipientsPerMessage == 0 {
			acc.MaxRecipientsPerMessage = 100
		}
		if acc.QuotaMessageSize == 0 {
			acc.QuotaMessageSize = c.Static.QuotaMessageSize
		}

		ar := acc.Autoresponder
		if ar.Enabled {
			if ar.Start != "" {
				t, err := time.Parse(time.RFC3339, ar.Start)
				if err != nil {
					addErrorf("account %q: autoresponder start: %v", accName, err)
				}
				ar.StartTime = t
			}
			if ar.End != "" {
				t, err := time.Parse(time.RFC3339, ar.End)
				if err != nil {
					addErrorf("account %q: autoresponder end: %v", accName, err)
				}
				ar.EndTime = t
			}
			if !ar.StartTime.IsZero() && !ar.EndTime.IsZero() && ar.EndTime.Before(ar.StartTime) {
				addErrorf("account %q: autoresponder end before start", accName)
			}
			acc.Autoresponder = ar
		}

		acc.DNSDomains = domains
		c.Static.Accounts[accName] = acc
	}

	return errs
}

func (c *Config) addDestination(accName string, address smtp.Address, viaAlias bool, dest config.Destination, addErrorf func(format string, args ...any)) {
	addr := CanonicalAddress(address.Localpart, address.Domain)
	if existing, ok := c.accountDestinations[addr]; ok {
		addErrorf("address %q for account %q already in use by account %q", addr, accName, existing.Account)
		return
	}
	c.accountDestinations[addr] = AccountDestination{accName, address.Localpart, dest, viaAlias}
}

func appendDomain(domains []dns.Domain, d dns.Domain) []dns.Domain {
	for _, o := range domains {
		if o == d {
			return domains
		}
	}
	return append(domains, d)
}

func loadTLSKeyCerts(configPath, listener string, t *config.TLS) (*tls.Config, error) {
	var certs []tls.Certificate
	for _, kc := range t.KeyCerts {
		certPath := configDirPath(configPath, kc.CertFile)
		keyPath := configDirPath(configPath, kc.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading keycert for listener %q: %v", listener, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("listener %q: TLS section without keycerts", listener)
	}
	return &tls.Config{Certificates: certs}, nil
}

// configDirPath returns the file path p relative to the directory of the
// config file, unless p is absolute.
func configDirPath(configFile, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configFile), p)
}

// receivedIDKey derives the AES key for opaque Received ids from the
// hostname, stable across restarts without extra configuration.
func receivedIDKey() []byte {
	sum := sha256.Sum256([]byte("received-id " + Conf.Static.Hostname))
	return sum[:16]
}
