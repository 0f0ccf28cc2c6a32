package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"

	"termlink/config"
	"termlink/crypto"
	"termlink/discovery"
	"termlink/host"
)

var version = "dev"

func main() {
	settings, err := config.LoadHostSettings()
	if err != nil {
		log.Fatalf("startup failed while loading settings: %v", err)
	}
	if err := config.EnsureDataDirectories(settings.DataDir); err != nil {
		log.Fatalf("startup failed while preparing data directory: %v", err)
	}

	certPath, keyPath := settings.CertificatePaths()
	cert, err := crypto.EnsureCertificate(certPath, keyPath, settings.HostName)
	if err != nil {
		log.Fatalf("startup failed while preparing TLS certificate: %v", err)
	}
	fingerprint, err := crypto.LeafFingerprint(cert)
	if err != nil {
		log.Fatalf("startup failed while reading certificate fingerprint: %v", err)
	}

	binding := host.ChooseBinding(context.Background(), settings.ListenAddr, host.TailscaleIPv4)
	if binding.Fallback() {
		log.Printf("Warning: Tailscale not connected (%v); listening on all interfaces", binding.LookupErr)
	}
	settings.ListenAddr = binding.Address

	listener, err := net.Listen("tcp", settings.Addr())
	if err != nil {
		log.Fatalf("startup failed while listening on %s: %v", settings.Addr(), err)
	}

	fmt.Printf("Host ID:         %s\n", settings.HostID)
	fmt.Printf("Host Name:       %s\n", settings.HostName)
	fmt.Printf("Listening On:    %s\n", listener.Addr())
	if binding.TailscaleIP != "" {
		fmt.Printf("Tailscale IP:    %s\n", binding.TailscaleIP)
	} else {
		fmt.Println("Tailscale IP:    not connected")
	}
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Pairing Code:    %s\n", crypto.DerivePairingCode(fingerprint))
	fmt.Printf("Shared Session:  tmux %s\n", settings.SessionName)
	fmt.Printf("Data Directory:  %s\n", settings.DataDir)

	if settings.MDNS {
		advertiser, err := discovery.StartAdvertiser(discovery.Config{
			HostID:   settings.HostID,
			HostName: settings.HostName,
			Port:     settings.Port,
			Version:  version,
		})
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	server := host.NewServer(host.Options{
		Backend: &host.TmuxBackend{
			SessionName:  settings.SessionName,
			Shell:        settings.Shell,
			Columns:      settings.Columns,
			Rows:         settings.Rows,
			HistoryLines: settings.HistoryLines,
		},
		InputRate:  settings.InputRate,
		InputBurst: settings.InputBurst,
		Version:    version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := server.Serve(ctx, listener, cert); err != nil {
		log.Printf("server stopped: %v", err)
	}
	fmt.Println("Status:          shutting down")
}
