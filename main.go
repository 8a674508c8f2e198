package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jojq/jojq/jojq-srv/config"
	"github.com/jojq/jojq/jojq-srv/console"
	"github.com/jojq/jojq/jojq-srv/logger"
	"github.com/jojq/jojq/jojq-srv/proxy"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	proxyPort := flag.Int("proxy", 0, fmt.Sprintf("Proxy listen port (default %d)", config.DefaultPort))
	insecure := flag.Bool("insecure", false, "Decrypt HTTPS traffic (mints certificates from a local CA)")
	caDir := flag.String("ca-dir", "", "Directory for the CA key and certificate")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("jojq version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	if *proxyPort != 0 {
		host := "127.0.0.1"
		if h, _, splitErr := net.SplitHostPort(cfg.ListenAddress); splitErr == nil && h != "" {
			host = h
		}
		cfg.ListenAddress = fmt.Sprintf("%s:%d", host, *proxyPort)
	}
	if *insecure {
		cfg.Interception.Enabled = true
	}
	if *caDir != "" {
		cfg.Interception.CADir = *caDir
	}

	logger.Info("Starting jojq proxy on %s (interception: %v)", cfg.ListenAddress, cfg.Interception.Enabled)

	return cfg, *configPathPtr
}

// runProxy starts the proxy and the operator console, handling signals and
// config reloads until the operator exits.
func runProxy(cfg *config.Config, configPath string) {
	proxyInstance, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize proxy: %v", err)
	}

	serveErr := make(chan error, 1)
	startProxy := func(p *proxy.Proxy) {
		go func() {
			serveErr <- p.Start()
		}()
	}
	startProxy(proxyInstance)

	if cfg.Interception.Enabled {
		logger.Info("HTTPS interception enabled; trust %s in your client", proxyInstance.CACertPath())
	}

	consoleDone := make(chan bool, 1)
	operatorConsole := console.New(proxyInstance.Buffer(), proxyInstance, proxyInstance.CACertPath(), cfg.Capture.ExportDir)
	go func() {
		consoleDone <- operatorConsole.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	listenerClosed := false
	for {
		select {
		case err := <-serveErr:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			// Listener closed cleanly; the console decides when to exit.
			listenerClosed = true

		case requested := <-consoleDone:
			if requested {
				logger.Info("Operator requested shutdown")
			} else {
				logger.Info("Console input closed, shutting down")
			}
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			return

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				newProxy, err := proxy.NewProxy(newCfg)
				if err != nil {
					logger.Error("Failed to apply reloaded config: %v (keeping current config)", err)
					continue
				}
				if err := proxyInstance.Stop(); err != nil {
					logger.Error("Error stopping proxy for reload: %v", err)
				}
				<-serveErr
				proxyInstance = newProxy
				startProxy(proxyInstance)
				logger.Info("Proxy restarted with new configuration.")

			case syscall.SIGINT, syscall.SIGTERM:
				if listenerClosed {
					logger.Info("Received %v again, exiting", sig)
					return
				}
				logger.Info("Received %v: closing listener, draining handlers (type 'exit' to quit)", sig)
				if err := proxyInstance.Stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				listenerClosed = true
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
