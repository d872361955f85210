// Command paibridge connects to a Paradox alarm panel's IP module (directly,
// or through the vendor directory and STUN/TURN relay) and bridges its
// state and events to a Notifier, while accepting zone/partition/output
// control commands.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/paradox-pai/bridge/internal/config"
	"github.com/paradox-pai/bridge/pkg/bridgemetrics"
	"github.com/paradox-pai/bridge/pkg/control"
	"github.com/paradox-pai/bridge/pkg/directory"
	"github.com/paradox-pai/bridge/pkg/dispatcher"
	"github.com/paradox-pai/bridge/pkg/eventproc"
	"github.com/paradox-pai/bridge/pkg/notifier/logadapter"
	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/paradox-pai/bridge/pkg/panelprofile/digiplexprofile"
	"github.com/paradox-pai/bridge/pkg/panelprofile/evoprofile"
	"github.com/paradox-pai/bridge/pkg/relay"
	"github.com/paradox-pai/bridge/pkg/statestore"
	"github.com/paradox-pai/bridge/pkg/supervisor"
	"github.com/paradox-pai/bridge/pkg/transport"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else if x, err := readEnv(pflag.Arg(0)); err == nil {
		e = x
	} else {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	var cfg config.Config
	if err := cfg.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("bridge exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	conn, err := dial(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("dial panel: %w", err)
	}
	defer conn.Close()

	tr := transport.New(conn)
	if _, err := tr.Open(ctx, cfg.Password); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	registry := panelprofile.NewRegistry()
	registry.Register(evoprofile.ProductID, func() panelprofile.PanelProfile { return evoprofile.New() })
	registry.Register(digiplexprofile.ProductID, func() panelprofile.PanelProfile { return digiplexprofile.New() })

	notif := logadapter.New(log)
	store := statestore.New(notif, cfg.PushUpdateWithoutChange)
	store.PartitionsChangeNotificationIgnore = cfg.PartitionsChangeNotificationIgnore
	metrics := bridgemetrics.Default()

	disp := dispatcher.New(tr, evoprofile.New(), log)
	disp.DumpPackets = cfg.LoggingDumpPackets
	disp.DumpMessages = cfg.LoggingDumpMessages

	proc := eventproc.New(store, notif)
	disp.OnEvent = func(ev panelprofile.Event) {
		metrics.Event()
		proc.Handle(ev)
	}
	disp.OnTerminate = func(term panelprofile.Terminate) {
		log.Warn().Str("message", term.Message).Msg("panel terminated connection")
	}

	statusRequests, err := cfg.StatusRequestIndices()
	if err != nil {
		return err
	}
	zones, err := cfg.ZoneIndices()
	if err != nil {
		return err
	}
	partitions, err := cfg.PartitionIndices()
	if err != nil {
		return err
	}
	outputs, err := cfg.OutputIndices()
	if err != nil {
		return err
	}
	buses, err := cfg.BusIndices()
	if err != nil {
		return err
	}
	repeaters, err := cfg.RepeaterIndices()
	if err != nil {
		return err
	}
	keypads, err := cfg.KeypadIndices()
	if err != nil {
		return err
	}
	supCfg := supervisor.Config{
		Password:                     cfg.Password,
		SourceID:                     cfg.SourceID,
		SyncTime:                     cfg.SyncTime,
		StatusRequests:               statusRequests,
		KeepAliveInterval:            cfg.KeepAliveInterval,
		PowerUpdateInterval:          cfg.PowerUpdateInterval,
		PushPowerUpdateWithoutChange: cfg.PushPowerUpdateWithoutChange,
		PushUpdateWithoutChange:      cfg.PushUpdateWithoutChange,
		ConnectRetries:               cfg.ConnectRetries,
		Zones:                        zones,
		Partitions:                   partitions,
		Outputs:                      outputs,
		Buses:                        buses,
		Repeaters:                    repeaters,
		Keypads:                      keypads,
	}
	sup := supervisor.New(supCfg, disp, registry, store, notif, log)

	surface := control.New(store, evoprofile.New(), supervisor.ControlSend(disp), sup.Wake)
	if cfg.ControlAddr != "" {
		go serveControl(cfg, surface, metrics, log)
	}

	return sup.Run(ctx)
}

// dial opens the raw byte-stream connection to the panel's IP module,
// either directly via PanelAddr or by resolving the site through the
// vendor directory and negotiating a TURN-TCP relay.
func dial(ctx context.Context, cfg config.Config, log zerolog.Logger) (net.Conn, error) {
	if cfg.PanelAddr != "" {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", cfg.PanelAddr)
	}
	if cfg.SiteID == "" || cfg.Email == "" {
		return nil, fmt.Errorf("neither PAIBRIDGE_PANEL_ADDR nor PAIBRIDGE_SITE_ID/PAIBRIDGE_EMAIL is set")
	}

	mod, err := directory.Lookup(ctx, cfg.SiteID, cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	log.Info().Str("ip", mod.IPAddress).Int("port", mod.Port).Msg("resolved panel module")

	xorAddr, err := hex.DecodeString(mod.XorAddr)
	if err != nil {
		return nil, fmt.Errorf("decode xoraddr: %w", err)
	}

	neg := relay.New()
	return neg.Negotiate(xorAddr)
}

func newLogger(cfg config.Config) zerolog.Logger {
	var outputs []io.Writer
	if cfg.LogStdout {
		if cfg.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			outputs = append(outputs, f)
		} else {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		}
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(cfg.LogLevel).
		With().
		Timestamp().
		Logger()
}

func serveMetrics(cfg config.Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if cfg.MetricsSecret != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+cfg.MetricsSecret {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		bridgemetrics.Default().WritePrometheus(w)
	})
	fmt.Fprintf(os.Stderr, "warning: serving metrics on %q\n", cfg.MetricsAddr)
	if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "warning: metrics server failed: %v\n", err)
	}
}

// controlRequest is the JSON body accepted by the control HTTP endpoint:
// {"kind": "zone"|"partition"|"output", "selector": "all"|"0"|label|number,
// "command": "bypass"|"arm"|"pulse"|...}
type controlRequest struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector"`
	Command  string `json:"command"`
}

func serveControl(cfg config.Config, surface *control.Surface, metrics *bridgemetrics.Metrics, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if cfg.ControlSecret != "" && r.Header.Get("Authorization") != "Bearer "+cfg.ControlSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.ControlRejected()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var accepted bool
		var err error
		switch req.Kind {
		case "zone":
			accepted, err = surface.ControlZone(r.Context(), req.Selector, req.Command)
		case "partition":
			accepted, err = surface.ControlPartition(r.Context(), req.Selector, req.Command)
		case "output":
			accepted, err = surface.ControlOutput(r.Context(), req.Selector, req.Command)
		default:
			err = fmt.Errorf("control: unknown kind %q", req.Kind)
		}
		if err != nil {
			metrics.ControlRejected()
			log.Warn().Err(err).Str("kind", req.Kind).Str("selector", req.Selector).Str("command", req.Command).Msg("control request failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !accepted {
			metrics.ControlRejected()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		metrics.ControlAccepted()
		w.WriteHeader(http.StatusNoContent)
	})

	log.Info().Str("addr", cfg.ControlAddr).Msg("serving control endpoint")
	if err := http.ListenAndServe(cfg.ControlAddr, mux); err != nil {
		log.Error().Err(err).Msg("control server failed")
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}
	e := make([]string, 0, len(m))
	for k, v := range m {
		e = append(e, k+"="+v)
	}
	return e, nil
}
