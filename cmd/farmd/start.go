package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/farm"
	"github.com/meshrender/farm/pkg/log"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node and block until interrupted",
	Long: `Start loads (or creates) the node's config file, brings the mesh
discovery plane, dispatcher, reporter, and mesh API up, and runs until
SIGINT/SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("config", "./farm-node.json", "path to this node's config file")
	startCmd.Flags().String("node-id", "", "unique node id (required the first time a config is created)")
	startCmd.Flags().String("sync-root", "", "shared filesystem mount all nodes coordinate through (required the first time)")
	startCmd.Flags().Int("http-port", config.DefaultHTTPPort, "mesh API listen port")
	startCmd.Flags().Int("priority", 0, "node priority advertised to peers; leader election does not use it")
	startCmd.Flags().String("tags", "", "comma-separated node tags, e.g. leader,gpu")
	startCmd.Flags().String("ip-override", "", "advertise this IP instead of the outbound-routing guess")
	startCmd.Flags().Bool("udp", true, "enable the UDP multicast heartbeat fast path")
	startCmd.Flags().Int("udp-port", config.DefaultUDPPort, "multicast port for the UDP fast path")
	startCmd.Flags().String("log-level", "info", "debug, info, warn, or error")
	startCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of console output")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadOrCreateConfig(cmd, configPath)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	farm.AppVersion = Version
	f := farm.New(cfg, configPath, nil, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return f.Stop(stopCtx)
}

// loadOrCreateConfig loads configPath if it exists, otherwise builds a new
// Config from flags (node-id and sync-root become required in that case)
// and persists it so the next "farmd start" needs no flags at all.
func loadOrCreateConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	syncRoot, _ := cmd.Flags().GetString("sync-root")
	if nodeID == "" || syncRoot == "" {
		return nil, fmt.Errorf("no config found at %s: --node-id and --sync-root are required to create one", configPath)
	}

	httpPort, _ := cmd.Flags().GetInt("http-port")
	priority, _ := cmd.Flags().GetInt("priority")
	tagsRaw, _ := cmd.Flags().GetString("tags")
	ipOverride, _ := cmd.Flags().GetString("ip-override")
	udpEnabled, _ := cmd.Flags().GetBool("udp")
	udpPort, _ := cmd.Flags().GetInt("udp-port")

	var tags []string
	if tagsRaw != "" {
		tags = strings.Split(tagsRaw, ",")
	}

	newCfg := &config.Config{
		NodeID:     nodeID,
		SyncRoot:   syncRoot,
		Priority:   priority,
		HTTPPort:   httpPort,
		IPOverride: ipOverride,
		Tags:       tags,
		UDPEnabled: udpEnabled,
		UDPPort:    udpPort,
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.Save(configPath, newCfg); err != nil {
		return nil, fmt.Errorf("save new config: %w", err)
	}
	return newCfg, nil
}
