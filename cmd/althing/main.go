// Package main provides the Althing CLI entry point.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/althing/pkg/consensus"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "althing",
		Short: "Althing - small distributed consensus toolkit",
		Long: `Althing runs cluster nodes that participate in a Raft-style
replicated log with a key/value state machine and coordinate classical
two-phase commit transactions, all over a shared newline-delimited JSON
RPC transport.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Althing v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve NODE_ID HOST PORT",
		Short: "Run a consensus node",
		Long:  "Run a consensus node until SIGINT or SIGTERM initiates graceful shutdown",
		Args:  cobra.ExactArgs(3),
		RunE:  runServe,
	}
	serveCmd.Flags().String("peers", "{}", "JSON mapping of peer_id -> host:port")
	serveCmd.Flags().Bool("vote-abort", false, "Vote abort for every two-phase commit transaction")
	serveCmd.Flags().String("config", "", "Cluster config file (YAML)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	host := args[1]
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[2], err)
	}

	peersJSON, _ := cmd.Flags().GetString("peers")
	voteAbort, _ := cmd.Flags().GetBool("vote-abort")
	configPath, _ := cmd.Flags().GetString("config")

	peers := make(map[string]string)
	if err := json.Unmarshal([]byte(peersJSON), &peers); err != nil {
		return fmt.Errorf("invalid peers JSON: %w", err)
	}

	config := consensus.DefaultConfig()
	config.NodeID = nodeID
	config.Host = host
	config.Port = port
	config.Peers = peers
	config.VoteCommit = !voteAbort

	if configPath != "" {
		file, err := consensus.LoadClusterFile(configPath)
		if err != nil {
			return err
		}
		if err := file.ApplyTo(config); err != nil {
			return err
		}
	}

	node, err := consensus.NewNode(config)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	fmt.Printf("Althing node %s listening on %s\n", nodeID, config.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	node.Stop()
	node.Wait()
	return nil
}
