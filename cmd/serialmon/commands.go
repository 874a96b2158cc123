package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/serialmon/internal/config"
	"github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/paths"
	"github.com/roelfdiedericks/serialmon/internal/sources"
	"github.com/roelfdiedericks/serialmon/internal/tui"
)

// load reads the config and initializes logging from it.
func (g *Globals) load() (*config.Config, string, error) {
	cfg, path, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, "", err
	}

	levelName := cfg.Logging.Level
	if g.LogLevel != "" {
		levelName = g.LogLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, "", err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.ShowCaller = cfg.Logging.ShowCaller
	if cfg.Logging.TimeFormat != "" {
		logCfg.TimeFormat = cfg.Logging.TimeFormat
	}
	logging.Init(logCfg)
	logging.SetLevel(level)
	return cfg, path, nil
}

// savePath is where a config edit is written: the loaded file, or the default location.
func (g *Globals) savePath(loaded string) (string, error) {
	if loaded != "" {
		return loaded, nil
	}
	return paths.DefaultConfigPath()
}

// RunCmd monitors with the TUI, or headless when stdout is not a terminal.
type RunCmd struct {
	Headless bool `help:"Do not start the TUI even on a terminal."`
	HTTP     bool `name:"http" help:"Also start the HTTP dashboard."`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, path, err := g.load()
	if err != nil {
		return err
	}
	interactive := !c.Headless && term.IsTerminal(int(os.Stdout.Fd()))
	return monitor(cfg, path, c.HTTP, interactive)
}

// ServeCmd runs headless with the HTTP server.
type ServeCmd struct {
	Listen string `help:"Override the listen address (host:port)."`
	Token  string `help:"Require this bearer token on /api and /ws." env:"SERIALMON_TOKEN"`
	QR     bool   `name:"qr" help:"Print a QR code of the dashboard URL."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, path, err := g.load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.HTTP.Listen = c.Listen
	}
	if c.Token != "" {
		cfg.HTTP.Token = c.Token
	}
	if c.QR {
		url := dashboardURL(cfg.HTTP.Listen)
		fmt.Fprintf(g.out, "Dashboard: %s\n", url)
		qrterminal.GenerateHalfBlock(url, qrterminal.L, g.out)
	}
	return monitor(cfg, path, true, false)
}

// dashboardURL turns a listen address into a URL reachable from another device.
func dashboardURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func monitor(cfg *config.Config, path string, withHTTP, interactive bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, path)
	if err != nil {
		return err
	}
	defer a.stop()

	if err := a.start(ctx, withHTTP); err != nil {
		return err
	}

	if interactive {
		opts := tui.OptionsFrom(cfg.TUI)
		return tui.Run(ctx, a.toggles, a.commands, opts)
	}

	logging.L_info("serialmon: running headless, Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

// PortsCmd lists serial ports.
type PortsCmd struct {
	YAML bool `name:"yaml" help:"Print as YAML."`
}

func (c *PortsCmd) Run(g *Globals) error {
	ports, err := sources.Ports()
	if err != nil {
		return err
	}
	if c.YAML {
		return yaml.NewEncoder(g.out).Encode(ports)
	}
	if len(ports) == 0 {
		_, err := fmt.Fprintln(g.out, "no serial ports found")
		return err
	}

	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tPRODUCT")
	for _, p := range ports {
		ids := ""
		if p.USB {
			ids = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.USB, ids, p.Product)
	}
	return tw.Flush()
}

// PickCmd selects the serial port with a form and saves it.
type PickCmd struct{}

func (c *PickCmd) Run(g *Globals) error {
	cfg, loaded, err := g.load()
	if err != nil {
		return err
	}
	ports, err := sources.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return errors.New("no serial ports found")
	}

	options := make([]huh.Option[string], 0, len(ports))
	for _, p := range ports {
		label := p.Name
		if p.Product != "" {
			label += " (" + p.Product + ")"
		}
		options = append(options, huh.NewOption(label, p.Name))
	}

	choice := cfg.Serial.Port
	baud := fmt.Sprint(cfg.Serial.Baud)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Serial port").
				Options(options...).
				Value(&choice),
			huh.NewSelect[string]().
				Title("Baud rate").
				Options(huh.NewOptions("9600", "19200", "38400", "57600", "115200", "230400", "460800", "921600")...).
				Value(&baud),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Serial.Port = choice
	if _, err := fmt.Sscan(baud, &cfg.Serial.Baud); err != nil {
		return fmt.Errorf("baud: %w", err)
	}

	path, err := g.savePath(loaded)
	if err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out, "saved %s @%d to %s\n", cfg.Serial.Port, cfg.Serial.Baud, path)
	return err
}

// HistoryCmd prints stored samples of one metric.
type HistoryCmd struct {
	Source string `arg:"" help:"Source ID."`
	Name   string `arg:"" help:"Metric name."`
	Limit  int    `short:"n" default:"20" help:"Number of samples."`
}

func (c *HistoryCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	store, err := metrics.OpenStore(cfg.Metrics.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	samples, err := store.Recent(c.Source, c.Name, c.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		_, err := fmt.Fprintf(g.out, "no samples for %s/%s\n", c.Source, c.Name)
		return err
	}
	for _, s := range samples {
		ts := time.UnixMilli(s.TsMillis).Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(g.out, "%s  %g\n", ts, s.Value)
	}
	return nil
}

// ConfigCmd groups config subcommands.
type ConfigCmd struct {
	Show    ConfigShowCmd    `cmd:"" help:"Print the effective configuration."`
	Path    ConfigPathCmd    `cmd:"" help:"Print the config file in use."`
	Backups ConfigBackupsCmd `cmd:"" help:"List config backups."`
	Restore ConfigRestoreCmd `cmd:"" help:"Restore a config backup."`
}

type ConfigShowCmd struct {
	TOML bool `name:"toml" help:"Print as TOML instead of YAML."`
}

func (c *ConfigShowCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	if c.TOML {
		data, err := config.Encode(cfg, true)
		if err != nil {
			return err
		}
		_, err = g.out.Write(data)
		return err
	}
	enc := yaml.NewEncoder(g.out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run(g *Globals) error {
	_, path, err := g.load()
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults, no config file)"
	}
	_, err = fmt.Fprintln(g.out, path)
	return err
}

type ConfigBackupsCmd struct{}

func (c *ConfigBackupsCmd) Run(g *Globals) error {
	_, loaded, err := g.load()
	if err != nil {
		return err
	}
	if loaded == "" {
		return errors.New("no config file in use")
	}
	backups := config.ListBackups(loaded)
	if len(backups) == 0 {
		_, err := fmt.Fprintln(g.out, "no backups")
		return err
	}
	for _, b := range backups {
		fmt.Fprintf(g.out, "%d\t%s\t%d bytes\t%s\n", b.Index, b.ModTime.Format(time.DateTime), b.Size, b.Path)
	}
	return nil
}

type ConfigRestoreCmd struct {
	Index int `arg:"" help:"Backup index from 'config backups'."`
}

func (c *ConfigRestoreCmd) Run(g *Globals) error {
	_, loaded, err := g.load()
	if err != nil {
		return err
	}
	if loaded == "" {
		return errors.New("no config file in use")
	}
	if err := config.RestoreBackup(loaded, c.Index); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out, "restored backup %d to %s\n", c.Index, loaded)
	return err
}
