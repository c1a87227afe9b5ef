package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/concordkv/replicated-ledger/pkg/config"
)

var (
	bootstrapNodeID string
	bootstrapPort   int
	bootstrapPeers  []string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Write a starter config file for a new node",
	RunE:  runBootstrap,
}

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapNodeID, "id", "", "this node's id (required)")
	bootstrapCmd.Flags().IntVar(&bootstrapPort, "port", 7000, "this node's wire listen port")
	bootstrapCmd.Flags().StringArrayVar(&bootstrapPeers, "peer", nil, "peer as id=hostname:port, repeatable, include self")
	_ = bootstrapCmd.MarkFlagRequired("id")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg := config.Default()
	cfg.NodeID = bootstrapNodeID
	cfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", bootstrapPort)

	for _, p := range bootstrapPeers {
		peer, err := parsePeer(p)
		if err != nil {
			return err
		}
		cfg.Peers = append(cfg.Peers, peer)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Printf("wrote %s for node %s\n", configPath, cfg.NodeID)
	return nil
}

func parsePeer(s string) (config.PeerAddr, error) {
	var id, hostport string
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			id, hostport = s[:i], s[i+1:]
			break
		}
	}
	if id == "" || hostport == "" {
		return config.PeerAddr{}, fmt.Errorf("invalid --peer %q, want id=hostname:port", s)
	}
	var host string
	var port int
	if _, err := fmt.Sscanf(hostport, "%[^:]:%d", &host, &port); err != nil {
		return config.PeerAddr{}, fmt.Errorf("invalid --peer %q: %w", s, err)
	}
	return config.PeerAddr{ID: id, Hostname: host, Port: port}, nil
}
