package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/logging"
	"github.com/KevinKickass/OpenLaserCore/internal/profiles"
	"github.com/KevinKickass/OpenLaserCore/internal/system"
	"github.com/KevinKickass/OpenLaserCore/internal/transport"
)

const usage = `usage: lasercore [-config path] [command]

commands:
  serve     run the service (default)
  token     generate an operator token and its configuration hash
  profiles  list available controller profiles
  ports     list serial ports
`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	// .env ist optional
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	cmd := flag.Arg(0)
	switch cmd {
	case "", "serve":
		os.Exit(serve(*configPath))
	case "token":
		os.Exit(generateToken())
	case "profiles":
		os.Exit(listProfiles(*configPath))
	case "ports":
		os.Exit(listPorts())
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			log.Printf("Config %s not found, using defaults", path)
			return config.Default()
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func serve(configPath string) int {
	cfg := loadConfig(configPath)

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer closeLog()

	logger.Info("Config loaded successfully", zap.String("path", configPath))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	lifecycle, err := system.NewLifecycleManager(ctx, cfg, nil, logger)
	cancel()
	if err != nil {
		logger.Error("Failed to initialise system", zap.Error(err))
		return 1
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		return 1
	}

	logger.Info("OpenLaserCore started successfully")

	// Graceful Shutdown auf Signal oder per API
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("OpenLaserCore stopped successfully")
	return 0
}

func generateToken() int {
	token, err := auth.GenerateOperatorToken()
	if err != nil {
		log.Printf("Failed to generate token: %v", err)
		return 1
	}
	hash, err := auth.NewTokenHasher().Hash(token)
	if err != nil {
		log.Printf("Failed to hash token: %v", err)
		return 1
	}

	fmt.Printf("token:      %s\n", token)
	fmt.Printf("token_hash: %s\n", hash)
	fmt.Println()
	fmt.Println("Give the token to the operator; put the hash into auth.operators.")
	return 0
}

func listProfiles(configPath string) int {
	cfg := loadConfig(configPath)
	loader, err := profiles.NewLoader(cfg.Profiles.SearchPaths, zap.NewNop())
	if err != nil {
		log.Printf("Failed to create profile loader: %v", err)
		return 1
	}

	status := 0
	for _, name := range loader.List() {
		p, err := loader.Load(name)
		if err != nil {
			fmt.Printf("%-20s INVALID: %v\n", name, err)
			status = 1
			continue
		}
		fmt.Printf("%-20s %-12s %s\n", p.Name, p.Dialect, p.Description)
	}
	return status
}

func listPorts() int {
	ports, err := transport.ListPorts()
	if err != nil {
		log.Printf("Failed to list ports: %v", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return 0
}
