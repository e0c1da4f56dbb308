package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"golang.org/x/term"

	"github.com/yolkispalkis/proxypilot/pkg/config"
	"github.com/yolkispalkis/proxypilot/pkg/creds"
	"github.com/yolkispalkis/proxypilot/pkg/envdetect"
	"github.com/yolkispalkis/proxypilot/pkg/kerb"
	"github.com/yolkispalkis/proxypilot/pkg/logging"
	"github.com/yolkispalkis/proxypilot/pkg/proxy"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliFlags struct {
	configPath  string
	targetURL   string
	environment string
	proxyURL    string
	pacURL      string
	noProxy     string
	username    string
	domain      string
	refresh     bool
	detectOnly  bool
	jsonOut     bool
	spnego      bool
	debug       bool
	showVersion bool
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, debug.Stack())
			os.Exit(1)
		}
	}()

	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("ProxyPilot %s, commit %s, built at %s\n", version, commit, date)
		return
	}

	// Early setup so config loading already logs properly; the full settings
	// are applied again once the file is read.
	level := os.Getenv("PROXYPILOT_LOG_LEVEL")
	if flags.debug {
		level = "debug"
	}
	logging.Setup(level, "", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("proxypilot failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.configPath, "config", "", "Path to the configuration file")
	flag.StringVar(&flags.targetURL, "url", "", "Target URL to resolve; empty resolves the process-wide proxy")
	flag.StringVar(&flags.environment, "env", "", "Force the environment label, bypassing detection")
	flag.StringVar(&flags.proxyURL, "proxy-url", "", "Proxy URL override")
	flag.StringVar(&flags.pacURL, "pac-url", "", "PAC script URL override")
	flag.StringVar(&flags.noProxy, "no-proxy", "", "Comma-separated bypass list override")
	flag.StringVar(&flags.username, "username", "", "Proxy username override")
	flag.StringVar(&flags.domain, "domain", "", "NTLM domain override")
	flag.BoolVar(&flags.refresh, "refresh", false, "Drop every cached layer before resolving")
	flag.BoolVar(&flags.detectOnly, "detect-only", false, "Print the detected environment and exit")
	flag.BoolVar(&flags.jsonOut, "json", false, "Print the result as JSON")
	flag.BoolVar(&flags.spnego, "spnego", false, "Also print a Proxy-Authorization header from the Kerberos ticket cache")
	flag.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version")
	flag.Parse()
	return flags
}

func run(ctx context.Context, flags cliFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.debug {
		cfg.LogLevel = "debug"
	}
	logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)
	slog.Debug("Starting proxypilot", "version", version, "pid", os.Getpid())

	engine, err := proxy.New(cfg, config.Overrides{
		ProxyURL:    flags.proxyURL,
		PacURL:      flags.pacURL,
		Environment: flags.environment,
		Username:    flags.username,
		Domain:      flags.domain,
		NoProxy:     flags.noProxy,
		Debug:       flags.debug,
	})
	if err != nil {
		return err
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		engine.SetAsker(&envdetect.TerminalAsker{})
		engine.SetPrompter(&creds.TerminalPrompter{})
	}

	if flags.detectOnly {
		env := engine.DetectEnvironment(ctx, flags.refresh)
		if flags.jsonOut {
			return printJSON(map[string]string{
				"environment": env.Label,
				"method":      string(env.Method),
			})
		}
		fmt.Println(env.Label)
		return nil
	}

	var desc proxy.Descriptor
	if flags.targetURL != "" {
		if flags.refresh {
			engine.Refresh(ctx, true)
		}
		desc, err = engine.Resolve(ctx, flags.targetURL)
	} else {
		desc, err = engine.ProxyDescriptor(ctx, flags.refresh)
	}
	if err != nil {
		return err
	}

	if flags.jsonOut {
		env := engine.CurrentEnvironment(ctx)
		if err := printJSON(descriptorOutput(desc, env.Label)); err != nil {
			return err
		}
	} else if desc.Direct() {
		fmt.Println("DIRECT")
	} else {
		fmt.Println(desc.URL().String())
	}

	if flags.spnego {
		return printNegotiateHeader(cfg, desc)
	}
	return nil
}

type resolveOutput struct {
	Environment string   `json:"environment"`
	Direct      bool     `json:"direct"`
	Proxy       string   `json:"proxy,omitempty"`
	Scheme      string   `json:"scheme,omitempty"`
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	AuthType    string   `json:"auth_type"`
	AuthDomain  string   `json:"auth_domain,omitempty"`
	NoProxy     []string `json:"no_proxy,omitempty"`
	Source      string   `json:"source"`
	Stale       bool     `json:"stale,omitempty"`
}

func descriptorOutput(d proxy.Descriptor, envLabel string) resolveOutput {
	out := resolveOutput{
		Environment: envLabel,
		Direct:      d.Direct(),
		AuthType:    d.AuthType,
		AuthDomain:  d.AuthDomain,
		NoProxy:     d.NoProxy,
		Source:      string(d.Source),
		Stale:       d.Stale,
	}
	if !d.Direct() {
		out.Proxy = d.URL().String()
		out.Scheme = d.Scheme
		out.Host = d.Host
		out.Port = d.Port
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNegotiateHeader prints the Proxy-Authorization value the session's
// Kerberos ticket grants for the resolved proxy.
func printNegotiateHeader(cfg *config.Config, d proxy.Descriptor) error {
	if d.Direct() {
		return errors.New("no proxy resolved, nothing to authenticate against")
	}
	kc, err := kerb.New(&cfg.Kerberos)
	if err != nil {
		return err
	}
	defer kc.Close()

	header, err := kc.ProxyAuthorization(net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
	if err != nil {
		return err
	}
	fmt.Printf("Proxy-Authorization: %s\n", header)
	return nil
}
