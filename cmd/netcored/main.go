//go:build linux

// netcored brings up one network device from a YAML config file: it opens a
// TAP interface, wires it to the netstack core, runs DHCP or a static
// address, and serves the NOSH shell protocol and a debug pcap capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nos-project/netcore/internal/config"
	"github.com/nos-project/netcore/internal/netproto"
	"github.com/nos-project/netcore/internal/netstack"
	"github.com/nos-project/netcore/internal/pcap"
	"github.com/nos-project/netcore/internal/shell"
	"github.com/nos-project/netcore/internal/tuntap"
)

func main() {
	configPath := flag.String("config", "", "path to a device config YAML file")
	capturePath := flag.String("capture", "", "optional pcap file to record all traffic to")
	flag.Parse()

	if err := run(*configPath, *capturePath); err != nil {
		fmt.Fprintf(os.Stderr, "netcored: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, capturePath string) error {
	if configPath == "" {
		return fmt.Errorf("-config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	mac, err := config.ParseMAC(cfg.Interface.MAC)
	if err != nil {
		return err
	}

	tap, err := tuntap.Open(cfg.Interface.TapName)
	if err != nil {
		return fmt.Errorf("open tap: %w", err)
	}
	defer tap.Close()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	dev := netstack.New(mac, tap, log)

	if capturePath != "" {
		f, err := os.Create(capturePath)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		capture := pcap.NewWriter(f)
		if err := capture.WriteFileHeader(65535, pcap.LinkTypeEthernet); err != nil {
			return fmt.Errorf("init capture: %w", err)
		}
		dev.SetCapture(capture)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pumpTap(ctx, tap, dev)

	switch cfg.Interface.Mode {
	case "static":
		ip, err := config.ParseIPv4(cfg.Interface.IP)
		if err != nil {
			return err
		}
		mask, err := config.ParseIPv4(cfg.Interface.Mask)
		if err != nil {
			return err
		}
		gw, err := config.ParseIPv4(cfg.Interface.Gateway)
		if err != nil {
			return err
		}
		dns, err := config.ParseIPv4(cfg.Interface.DNS)
		if err != nil {
			return err
		}
		dev.Configure(ip, mask, gw, dns)
	case "dhcp":
		go func() {
			if err := dev.RunDHCP(ctx); err != nil && ctx.Err() == nil {
				log.Error("dhcp client stopped", "err", err)
			}
		}()
	default:
		return fmt.Errorf("unknown interface mode %q", cfg.Interface.Mode)
	}

	srv := shell.New(dev, cfg.Interface.ShellPort, shell.EchoDispatcher{})
	if !dev.RegisterUDPListener(cfg.Interface.ShellPort, srv.Deliver) {
		return fmt.Errorf("shell port %d already in use", cfg.Interface.ShellPort)
	}

	log.Info("netcored started", "tap", tap.Name, "mac", mac.String(), "mode", cfg.Interface.Mode)
	return srv.Run(ctx)
}

// pumpTap carries frames the host delivers to the TAP interface into the
// device's receive path, the other half of tuntap.Device's FrameTransport
// role.
func pumpTap(ctx context.Context, tap *tuntap.Device, dev *netstack.Device) {
	const maxFrameLen = netproto.EthernetHeaderLen + 65535
	buf := make([]byte, maxFrameLen)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := tap.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		dev.HandleFrame(frame)
	}
}
