// Command lspmux multiplexes one editor connection across several language
// server back-ends, presenting a single combined LSP endpoint over stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tinylsp/lspmux/internal/backend"
	"github.com/tinylsp/lspmux/internal/cli"
	"github.com/tinylsp/lspmux/internal/jsonrpc"
	"github.com/tinylsp/lspmux/internal/metrics"
	"github.com/tinylsp/lspmux/internal/mux"
	"github.com/tinylsp/lspmux/internal/policy"
	"github.com/tinylsp/lspmux/internal/preset"
)

// stringList implements flag.Value to accept a repeatable --mask-capability
// flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("lspmux", flag.ContinueOnError)

	quietServer := fs.Bool("quiet-server", false, "suppress back-end stderr forwarding to the log")
	delayMS := fs.Int("delay-ms", 0, "fixed delay, in milliseconds, before every message sent to the editor")
	dropTardy := fs.Bool("drop-tardy", false, "drop a push diagnostic arriving after its document's aggregation already published")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics at ADDR/metrics")
	configPath := fs.String("config", "", "load option defaults from a JSON file")
	verbose := fs.Bool("verbose", false, "increase log verbosity")
	debug := fs.Bool("debug", false, "enable debug logging")
	showVersion := fs.Bool("version", false, "show version information")
	jsonOutput := fs.Bool("json", false, "output version in JSON format (with -version)")
	showHelp := fs.Bool("help", false, "show usage")
	presetName := fs.String("preset", "default", "routing preset: default or strict (strict always drops tardy push diagnostics)")
	var masked stringList
	fs.Var(&masked, "mask-capability", "exclude a capability key from the merged initialize response (repeatable)")

	args := os.Args[1:]
	splitIdx := indexOf(args, "--")
	flagArgs := args
	var rest []string
	if splitIdx >= 0 {
		flagArgs = args[:splitIdx]
		rest = args[splitIdx:]
	}

	if err := fs.Parse(flagArgs); err != nil {
		return 2
	}

	if *showHelp {
		cli.PrintUsage("lspmux")
		return 0
	}
	if *showVersion {
		cli.PrintVersion("lspmux", *jsonOutput)
		return 0
	}

	logger := cli.NewLogger(*verbose, *debug)

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.HandleError(err, logger)
		return 1
	}
	applyConfigDefaults(fs, cfg, quietServer, delayMS, dropTardy, metricsAddr, &masked, verbose, debug)
	logger = cli.NewLogger(*verbose, *debug)

	usage := "lspmux [OPTIONS] -- <backend argv> [-- <backend argv>...]"
	if err := cli.ValidateArgs(rest, 1, usage); err != nil {
		cli.PrintUsage("lspmux")
		cli.ExitWithCode(2, "")
		return 2
	}

	backendArgvs := splitBackendArgvs(rest)
	if len(backendArgvs) == 0 {
		cli.PrintUsage("lspmux")
		cli.ExitWithCode(2, "")
		return 2
	}

	var pr preset.Preset = preset.DefaultPreset{}
	if *presetName == "strict" {
		pr = preset.StrictPreset{}
	}
	if override := pr.Backends(); len(override) > 0 {
		backendArgvs = override
	}

	m := metrics.New()

	backends, err := spawnBackends(backendArgvs, m, logger)
	if err != nil {
		cli.HandleError(err, logger)
		return 1
	}
	defer terminateAll(backends)

	basePolicy := policy.NewDefault(*dropTardy, masked)
	pol := pr.Policy(basePolicy)

	var httpServer *http.Server
	if *metricsAddr != "" {
		httpMux := http.NewServeMux()
		httpMux.Handle("/metrics", m.Handler())
		httpServer = &http.Server{Addr: *metricsAddr, Handler: httpMux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
		defer httpServer.Close()
	}

	editorReader := jsonrpc.NewReader(os.Stdin)
	editorWriter := jsonrpc.NewWriter(os.Stdout)

	d := mux.New(editorReader, editorWriter, backends, pol, pol.MaskedCapability, m, logger, mux.Options{
		QuietServer: *quietServer,
		Delay:       time.Duration(*delayMS) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		logger.Error("%v", err)
	}
	return d.ExitCode
}

func applyConfigDefaults(fs *flag.FlagSet, cfg *cli.Config, quietServer *bool, delayMS *int, dropTardy *bool, metricsAddr *string, masked *stringList, verbose, debug *bool) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["quiet-server"] {
		*quietServer = cfg.QuietServer
	}
	if !set["delay-ms"] {
		*delayMS = cfg.DelayMS
	}
	if !set["drop-tardy"] {
		*dropTardy = cfg.DropTardy
	}
	if !set["metrics-addr"] {
		*metricsAddr = cfg.MetricsAddr
	}
	if !set["mask-capability"] && len(cfg.Masked) > 0 {
		*masked = append(*masked, cfg.Masked...)
	}
	if !set["verbose"] {
		*verbose = cfg.Verbose
	}
	if !set["debug"] {
		*debug = cfg.Debug
	}
}

func spawnBackends(argvs [][]string, m *metrics.Metrics, logger *cli.Logger) ([]*backend.Descriptor, error) {
	counts := make(map[string]int, len(argvs))
	out := make([]*backend.Descriptor, 0, len(argvs)+1)

	for i, argv := range argvs {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty back-end argv at position %d", i)
		}
		base := filepath.Base(argv[0])
		name := base
		if n := counts[base]; n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		counts[base]++

		sp, err := backend.NewSubprocess(name, argv)
		if err != nil {
			terminateAll(out)
			return nil, fmt.Errorf("spawning back-end %q: %w", name, err)
		}
		logger.Info("spawned back-end %s: %s", name, strings.Join(argv, " "))
		out = append(out, backend.NewDescriptor(i, name, i == 0, sp))
	}

	internalDesc := backend.NewDescriptor(len(out), "lspmux", false, newInternalBackend(m, out))
	out = append(out, internalDesc)
	return out, nil
}

// newInternalBackend builds the synthetic back-end (C10): it answers its own
// initialize handshake, the lspmux/stats diagnostic command, and the
// lspmux.reloadBreaker operational escape hatch, uniformly with any other
// back-end from the dispatcher's perspective.
func newInternalBackend(m *metrics.Metrics, realBackends []*backend.Descriptor) *backend.Internal {
	commands := []string{"lspmux.reloadBreaker"}

	handlers := map[string]backend.Handler{
		"initialize": func(msg *jsonrpc.Message) (any, error) {
			return map[string]any{"capabilities": backend.InitializeCapabilities(commands)}, nil
		},
		"shutdown": func(msg *jsonrpc.Message) (any, error) {
			return nil, nil
		},
		"lspmux/stats": func(msg *jsonrpc.Message) (any, error) {
			return m.Snapshot(), nil
		},
		"workspace/executeCommand": func(msg *jsonrpc.Message) (any, error) {
			var params struct {
				Command   string `json:"command"`
				Arguments []any  `json:"arguments"`
			}
			if err := msg.DecodeParams(&params); err != nil {
				return nil, err
			}
			if params.Command != "lspmux.reloadBreaker" {
				return nil, fmt.Errorf("unknown command: %s", params.Command)
			}
			if len(params.Arguments) == 0 {
				return nil, fmt.Errorf("lspmux.reloadBreaker: missing back-end name argument")
			}
			name, ok := params.Arguments[0].(string)
			if !ok {
				return nil, fmt.Errorf("lspmux.reloadBreaker: argument must be a back-end name")
			}
			for _, be := range realBackends {
				if be.Name == name {
					be.ResetBreaker()
					return map[string]any{"reloaded": name}, nil
				}
			}
			return nil, fmt.Errorf("lspmux.reloadBreaker: unknown back-end %q", name)
		},
	}
	return backend.NewInternal("lspmux", handlers)
}

func terminateAll(backends []*backend.Descriptor) {
	for _, be := range backends {
		_ = be.Backend.Close()
	}
}

// splitBackendArgvs splits the tokens following the first "--" into one
// argv slice per back-end, each subsequent "--" introducing the next one.
func splitBackendArgvs(rest []string) [][]string {
	if len(rest) == 0 {
		return nil
	}
	rest = rest[1:] // drop the leading "--"

	var groups [][]string
	var cur []string
	for _, a := range rest {
		if a == "--" {
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, a)
	}
	groups = append(groups, cur)

	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}

func indexOf(args []string, token string) int {
	for i, a := range args {
		if a == token {
			return i
		}
	}
	return -1
}
