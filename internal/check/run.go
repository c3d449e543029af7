// Package check implements the "check" command: it validates the
// configuration, prints what each printer resolves to and probes the printer
// MQTT ports.
package check

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zorkian/chibichonk/internal/certs"
	"github.com/zorkian/chibichonk/internal/config"
	"github.com/zorkian/chibichonk/pkg/types"
)

const redactedMarker = "REDACTED"

var webhookTokenPattern = regexp.MustCompile(`(/api/webhooks/\d+/)([A-Za-z0-9_\-\.]+)`)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Stdout    io.Writer
	Probe     func(ctx context.Context, addr string, tlsConfig *tls.Config) (certs.ProbeResult, error)
	TLSConfig func(caPath, serial string) (*tls.Config, error)
	CAExpiry  func(caPath string) (time.Time, error)
	Now       func() time.Time
}

// ErrProbeFailed is returned when at least one printer could not be reached.
var ErrProbeFailed = errors.New("one or more printers unreachable")

// Run executes the check workflow.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Probe == nil {
		deps.Probe = certs.Probe
	}
	if deps.TLSConfig == nil {
		deps.TLSConfig = certs.PrinterTLSConfig
	}
	if deps.CAExpiry == nil {
		deps.CAExpiry = certs.BundleExpiry
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(deps.Stdout)
	configPath := fs.String("config", "", "Path to configuration file (default: $CHIBICHONK_CONFIG, $CONFIG_PATH or ./config.yaml)")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-printer TLS probe timeout")
	skipProbe := fs.Bool("skip-probe", false, "Only validate the configuration")

	if err := fs.Parse(args); err != nil {
		return err
	}

	path := config.ResolvePath(*configPath)
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return err
	}

	out := deps.Stdout
	fmt.Fprintf(out, "config %s OK (%d printers)\n\n", path, len(cfg.Printers))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tSERIAL\tCADENCE\tPING\tWEBHOOK")
	for _, p := range cfg.Printers {
		ping := p.PingUserID
		if ping == "" {
			ping = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name,
			net.JoinHostPort(p.Address(), strconv.Itoa(p.MQTTPort())),
			p.Serial,
			describeCadence(cfg.Cadence(p)),
			ping,
			RedactWebhook(cfg.WebhookURL(p)),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *skipProbe {
		return nil
	}

	fmt.Fprintln(out)
	failed := 0
	for _, p := range cfg.Printers {
		addr := net.JoinHostPort(p.Address(), strconv.Itoa(p.MQTTPort()))
		tlsConfig, err := deps.TLSConfig(p.CAFile, p.Serial)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", p.Name, err)
			continue
		}
		if p.CAFile != "" {
			expiry, err := deps.CAExpiry(p.CAFile)
			if err == nil && expiry.Before(deps.Now()) {
				err = fmt.Errorf("ca_file %s expired on %s", p.CAFile, expiry.UTC().Format(time.DateOnly))
			}
			if err != nil {
				failed++
				fmt.Fprintf(out, "FAIL %s: %v\n", p.Name, err)
				continue
			}
		}
		probeCtx, cancel := context.WithTimeout(ctx, *timeout)
		res, err := deps.Probe(probeCtx, addr, tlsConfig)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", p.Name, err)
			continue
		}
		line := fmt.Sprintf("OK   %s: %s in %s, certificate %q", p.Name, tls.VersionName(res.Version), res.Elapsed.Round(time.Millisecond), res.PeerSubject)
		if !res.NotAfter.IsZero() && res.NotAfter.Before(deps.Now()) {
			line += " (expired)"
		}
		fmt.Fprintln(out, line)
	}
	if failed > 0 {
		return fmt.Errorf("%w (%d of %d)", ErrProbeFailed, failed, len(cfg.Printers))
	}
	return nil
}

func describeCadence(c types.Cadence) string {
	parts := make([]string, 0, 2)
	if c.TimeInterval > 0 {
		parts = append(parts, "every "+c.TimeInterval.String())
	}
	if c.PercentInterval > 0 {
		parts = append(parts, fmt.Sprintf("every %d%%", c.PercentInterval))
	}
	if len(parts) == 0 {
		return "status only"
	}
	return strings.Join(parts, ", ")
}

// RedactWebhook hides the secret token portion of a Discord webhook URL.
func RedactWebhook(raw string) string {
	if raw == "" {
		return "-"
	}
	return webhookTokenPattern.ReplaceAllString(raw, "${1}"+redactedMarker)
}
