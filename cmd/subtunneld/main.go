package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	stshare "github.com/sammck-go/subtunnel/share"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	domain := flag.String("domain", "", "base DNS domain for tunnels (overrides config)")
	httpPort := flag.Int("http-port", 0, "public HTTP port (overrides config)")
	wsPort := flag.Int("ws-port", 0, "legacy agent control-channel port (overrides config)")
	apiPort := flag.Int("api-port", 0, "management API port (overrides config)")
	authToken := flag.String("auth", "", "shared agent auth token (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	config, err := stshare.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subtunneld: %s\n", err)
		os.Exit(1)
	}
	if *domain != "" {
		config.Domain = *domain
	}
	if *httpPort != 0 {
		config.HTTPPort = *httpPort
	}
	if *wsPort != 0 {
		config.WSPort = *wsPort
	}
	if *apiPort != 0 {
		config.APIPort = *apiPort
	}
	if *authToken != "" {
		config.AuthToken = *authToken
	}

	server, err := stshare.NewServer(&stshare.ServerConfig{
		Config:     config,
		ConfigPath: *configPath,
		Debug:      *debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subtunneld: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	if err := server.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "subtunneld: %s\n", err)
		os.Exit(1)
	}
}
