package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaymon/internal/api"
	"relaymon/internal/auth"
	"relaymon/internal/config"
	"relaymon/internal/execx"
	"relaymon/internal/kpi"
	"relaymon/internal/model"
	"relaymon/internal/monitor"
	"relaymon/internal/pivpn"
	"relaymon/internal/server"
	"relaymon/internal/service"
	"relaymon/internal/snapshot"
	"relaymon/internal/stunutil"
)

const defaultConfigPath = "/etc/relaymon/config.yaml"

const usage = `relaymon - PiVPN WireGuard relay telemetry aggregator

Usage:
  relaymon serve    [--config <path>]
  relaymon poll     [--config <path>] [--skip-updates]
  relaymon poll     --server <url> --username <u> --password <p>
  relaymon status   [--config <path>]
  relaymon status   --server <url> --username <u> --password <p>
  relaymon peers    list|add|remove|enable|disable|qr [flags]
  relaymon service  status|start|stop [--iface <name>] [--config <path>]
  relaymon discover [--config <path>] [--stun <host:port>]
  relaymon config   init [--config <path>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "poll":
		handlePoll(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "peers":
		handlePeers(os.Args[2:])
	case "service":
		handleService(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if cfg.Auth.Password == "" {
		fatal(errors.New("auth.password must be set before serving the API"))
	}
	if cfg.Auth.JWTSecret == "" {
		secret, err := config.GenerateSecret()
		if err != nil {
			fatal(err)
		}
		cfg.Auth.JWTSecret = secret
		if err := config.Save(*configPath, cfg); err != nil {
			fatal(fmt.Errorf("persist generated jwt secret: %w", err))
		}
	}
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "warning: not running as root; pivpn and systemctl calls may fail")
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		fatal(err)
	}

	tool, _, mon := buildCore(cfg)
	svc := service.NewManager(nil, cfg.PiVPN.ServerConfigDir, cfg.Monitor.ToolTimeout())
	srv := server.New(cfg, authSvc, mon, tool, svc)

	ctx, cancel := signalContext()
	defer cancel()

	mon.Start(ctx)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handlePoll(args []string) {
	fs := flag.NewFlagSet("poll", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	skip := fs.Bool("skip-updates", false, "refresh the peer table without advancing histories")
	serverURL := fs.String("server", "", "poll via a remote relaymon API instead of locally")
	username := fs.String("username", "", "API username (with --server)")
	password := fs.String("password", "", "API password (with --server)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	if *serverURL != "" {
		client := remoteClient(ctx, *serverURL, *username, *password)
		fatal(client.Refresh(ctx))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	_, _, mon := buildCore(cfg)
	if err := mon.RunCycle(ctx, *skip); err != nil {
		fatal(err)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	serverURL := fs.String("server", "", "read from a remote relaymon API instead of the local snapshot")
	username := fs.String("username", "", "API username (with --server)")
	password := fs.String("password", "", "API password (with --server)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	var snap model.Snapshot
	if *serverURL != "" {
		client := remoteClient(ctx, *serverURL, *username, *password)
		remote, err := client.Snapshot(ctx)
		if err != nil {
			fatal(err)
		}
		snap = remote
	} else {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		local, err := snapshot.New(cfg.SnapshotPath()).Load()
		if err != nil {
			fatal(err)
		}
		snap = local
	}

	printSnapshot(snap)
}

func printSnapshot(snap model.Snapshot) {
	fmt.Printf("%-16s  %-8s  %-15s  %-22s  %12s  %12s  %-19s\n",
		"NAME", "STATUS", "VIRTUAL_IP", "REMOTE", "RECEIVED", "SENT", "LAST_SEEN")
	for _, h := range snap.Hosts {
		remote := ""
		if h.RemoteIP != nil {
			remote = *h.RemoteIP
			if h.RemotePort != nil {
				remote = fmt.Sprintf("%s:%d", remote, *h.RemotePort)
			}
		}
		virtualIP, lastSeen := "", ""
		if h.VirtualIP != nil {
			virtualIP = *h.VirtualIP
		}
		if h.LastSeen != nil {
			lastSeen = *h.LastSeen
		}
		fmt.Printf("%-16s  %-8s  %-15s  %-22s  %12s  %12s  %-19s\n",
			h.Name, h.Status, virtualIP, remote,
			kpi.FormatBytes(h.TotalRx()), kpi.FormatBytes(h.TotalTx()), lastSeen)
	}

	sum := kpi.Build(snap)
	fmt.Printf("\npeers=%d online=%d enabled=%d disabled=%d traffic=%s",
		sum.TotalClients, sum.OnlineClients, sum.EnabledClients, sum.DisabledClients, sum.TotalTraffic)
	if snap.LastUpdate != nil {
		fmt.Printf(" last_update=%s", time.Unix(*snap.LastUpdate, 0).Format(time.RFC3339))
	}
	fmt.Println()
}

func handlePeers(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "peers subcommand required: list|add|remove|enable|disable|qr")
		os.Exit(2)
	}

	sub := args[0]
	fs := flag.NewFlagSet("peers "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	name := fs.String("name", "", "peer name")
	ip := fs.String("ip", "", "static virtual IP for add (default auto)")
	out := fs.String("out", "", "output file for qr (default <name>.png)")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	tool, _, mon := buildCore(cfg)

	refresh := func() {
		if err := mon.RunCycle(ctx, true); err != nil {
			fmt.Fprintf(os.Stderr, "warning: snapshot refresh failed: %v\n", err)
		}
	}

	switch sub {
	case "list":
		roster, err := tool.Roster(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%-16s  %-46s  %-19s\n", "NAME", "PUBLIC_KEY", "CREATED")
		for _, e := range roster {
			fmt.Printf("%-16s  %-46s  %-19s\n", e.Name, e.PublicKey, e.CreatedAt)
		}
	case "add":
		requireName(*name)
		if err := tool.Add(ctx, *name, *ip); err != nil {
			fatal(err)
		}
		refresh()
		fmt.Printf("%s created\n", *name)
	case "remove":
		requireName(*name)
		if err := tool.Remove(ctx, *name); err != nil {
			fatal(err)
		}
		refresh()
		fmt.Printf("%s removed\n", *name)
	case "enable":
		requireName(*name)
		if err := tool.Enable(ctx, *name); err != nil {
			fatal(err)
		}
		refresh()
		fmt.Printf("%s enabled\n", *name)
	case "disable":
		requireName(*name)
		if err := tool.Disable(ctx, *name); err != nil {
			fatal(err)
		}
		refresh()
		fmt.Printf("%s disabled\n", *name)
	case "qr":
		requireName(*name)
		png, err := tool.QRCode(ctx, *name)
		if err != nil {
			fatal(err)
		}
		path := *out
		if path == "" {
			path = *name + ".png"
		}
		if err := os.WriteFile(path, png, 0o600); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", path)
	default:
		fmt.Fprintf(os.Stderr, "unknown peers subcommand %q\n", sub)
		os.Exit(2)
	}
}

func handleService(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "service subcommand required: status|start|stop")
		os.Exit(2)
	}

	sub := args[0]
	fs := flag.NewFlagSet("service "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	iface := fs.String("iface", "", "WireGuard interface (default: all configured)")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	mgr := service.NewManager(nil, cfg.PiVPN.ServerConfigDir, cfg.Monitor.ToolTimeout())

	switch sub {
	case "status":
		names := []string{*iface}
		if *iface == "" {
			names, err = mgr.Interfaces()
			if err != nil {
				fatal(err)
			}
			if len(names) == 0 {
				fmt.Println("no WireGuard interfaces configured")
				return
			}
		}
		for _, name := range names {
			st, err := mgr.Status(ctx, name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			info, err := mgr.Info(ctx, name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			}
			fmt.Printf("%s: %s", name, st.Active)
			if info.Up {
				fmt.Printf(" port=%d pubkey=%s", info.ListeningPort, info.PublicKey)
			}
			fmt.Println()
		}
	case "start":
		requireIface(*iface)
		fatal(mgr.Start(ctx, *iface))
		fmt.Printf("%s started\n", *iface)
	case "stop":
		requireIface(*iface)
		fatal(mgr.Stop(ctx, *iface))
		fmt.Printf("%s stopped\n", *iface)
	default:
		fmt.Fprintf(os.Stderr, "unknown service subcommand %q\n", sub)
		os.Exit(2)
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	stunServer := fs.String("stun", "", "STUN server host:port (overrides config)")
	_ = fs.Parse(args)

	stunHost := *stunServer
	if stunHost == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			stunHost = config.DefaultSTUNServer
		} else {
			stunHost = cfg.STUNServer
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := stunutil.Discover(ctx, stunHost, 5*time.Second)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("public_addr=%s nat=%s\n", res.PublicAddr, res.NATType)
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "config subcommand required: init")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	_ = fs.Parse(args[1:])

	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}

	var cfg config.Config
	config.ApplyDefaults(&cfg)
	secret, err := config.GenerateSecret()
	if err != nil {
		fatal(err)
	}
	cfg.Auth.JWTSecret = secret

	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s; set auth.password before `relaymon serve`\n", *configPath)
}

// buildCore wires the poll pipeline the way serve and the one-shot
// commands both need it.
func buildCore(cfg config.Config) (*pivpn.Tool, *snapshot.Store, *monitor.Monitor) {
	runner := execx.NewOSRunner(os.Stdout, os.Stderr)
	tool := pivpn.NewTool(runner, cfg.PiVPN, cfg.Monitor.ToolTimeout())
	store := snapshot.New(cfg.SnapshotPath())
	mon := monitor.New(cfg.Monitor, tool, store)
	return tool, store, mon
}

func remoteClient(ctx context.Context, serverURL, username, password string) *api.Client {
	if username == "" || password == "" {
		fatal(errors.New("--username and --password are required with --server"))
	}
	client := api.NewClient(serverURL)
	if err := client.Login(ctx, username, password); err != nil {
		fatal(err)
	}
	return client
}

func requireName(name string) {
	if name == "" {
		fatal(errors.New("--name is required"))
	}
}

func requireIface(iface string) {
	if iface == "" {
		fatal(errors.New("--iface is required"))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
