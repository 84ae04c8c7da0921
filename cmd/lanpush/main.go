// Copyright (c) 2024 Lanpush Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/lanpush/lanpush/lib/node"
	"github.com/lanpush/lanpush/utils/configutil"
	"github.com/lanpush/lanpush/utils/log"
)

// Config defines the complete lanpush configuration.
type Config struct {
	Log  log.Config  `yaml:"log"`
	Node node.Config `yaml:"node"`
}

// ParseFlags parses command line flags and returns the configuration.
func ParseFlags() Config {
	var (
		app = kingpin.New("lanpush", "LAN peer-to-peer file push utility")

		configFile    = app.Flag("config", "Configuration file path").Default("lanpush.yaml").String()
		name          = app.Flag("name", "Node name").String()
		port          = app.Flag("port", "TCP transfer port (0 = first free from 12000)").Int()
		broadcastPort = app.Flag("broadcast-port", "UDP broadcast port").Int()
		downloads     = app.Flag("downloads", "Download directory").String()
	)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	config := Config{}
	if err := configutil.Load(*configFile, &config); err != nil {
		panic(fmt.Sprintf("load config: %s", err))
	}

	overrideConfigWithEnv(&config)

	// Flags win over config file and environment.
	if *name != "" {
		config.Node.Name = *name
	}
	if *port != 0 {
		config.Node.Port = *port
	}
	if *broadcastPort != 0 {
		config.Node.Discovery.BroadcastPort = *broadcastPort
	}
	if *downloads != "" {
		config.Node.Downloads = *downloads
	}

	return config
}

// overrideConfigWithEnv overrides configuration with environment variables.
func overrideConfigWithEnv(config *Config) {
	if name := os.Getenv("LANPUSH_NAME"); name != "" {
		config.Node.Name = name
	}
	if portStr := os.Getenv("LANPUSH_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Node.Port = port
		}
	}
	if portStr := os.Getenv("LANPUSH_BROADCAST_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Node.Discovery.BroadcastPort = port
		}
	}
	if level := os.Getenv("LANPUSH_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// Run starts the node and the interactive shell.
func Run(config Config) {
	logger, err := log.New(config.Log)
	if err != nil {
		panic(fmt.Sprintf("log: %s", err))
	}
	defer logger.Sync()

	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "lanpush"}, time.Second)
	defer closer.Close()

	n, err := node.New(config.Node, clock.New(), logger, scope)
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}

	if err := n.Start(); err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	shell := NewShell(n, os.Stdin, os.Stdout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		shell.Quit()
	}()

	shell.Run()
	n.Stop()
}

func main() {
	Run(ParseFlags())
}
