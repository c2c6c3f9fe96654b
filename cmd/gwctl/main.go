// gwctl is the operational entrypoint for the gateway appliance: running
// the daemon, validating a config file, and dumping current state for
// inspection. Command tree grounded on the teacher's ap-factory cobra
// wiring.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/gateway"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{Use: "gwctl"}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yaml",
		"path to the gateway configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon (DHCP + DNS) until signaled",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(runCmd)

	configCmd := &cobra.Command{Use: "config", Short: "Configuration file operations"}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse the config file and report errors",
		Args:  cobra.NoArgs,
		RunE:  validateConfig,
	}
	configCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)

	leasesCmd := &cobra.Command{Use: "leases", Short: "Lease table operations"}
	leasesListCmd := &cobra.Command{
		Use:   "list",
		Short: "List current leases",
		Args:  cobra.NoArgs,
		RunE:  listLeases,
	}
	leasesCmd.AddCommand(leasesListCmd)
	rootCmd.AddCommand(leasesCmd)

	recordsCmd := &cobra.Command{Use: "records", Short: "Local DNS record operations"}
	recordsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List local DNS records",
		Args:  cobra.NoArgs,
		RunE:  listRecords,
	}
	recordsCmd.AddCommand(recordsListCmd)
	rootCmd.AddCommand(recordsCmd)

	blacklistCmd := &cobra.Command{Use: "blacklist", Short: "Domain blacklist operations"}
	blacklistListCmd := &cobra.Command{
		Use:   "list",
		Short: "List blacklisted domains",
		Args:  cobra.NoArgs,
		RunE:  listBlacklist,
	}
	blacklistCmd.AddCommand(blacklistListCmd)
	rootCmd.AddCommand(blacklistCmd)

	err := rootCmd.Execute()
	os.Exit(map[bool]int{true: 0, false: 1}[err == nil])
}

func runDaemon(cmd *cobra.Command, args []string) error {
	gw, err := gateway.New(configPath)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	if err := gw.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	gw.Stop()
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s parsed ok: dhcp.enabled=%v dns.upstream_servers=%v\n",
		configPath, cfg.DHCP.Enabled, cfg.DNS.UpstreamServers)
	return nil
}

func listLeases(cmd *cobra.Command, args []string) error {
	gw, err := gateway.New(configPath)
	if err != nil {
		return err
	}
	return printJSON(gw.Leases.List())
}

func listRecords(cmd *cobra.Command, args []string) error {
	gw, err := gateway.New(configPath)
	if err != nil {
		return err
	}
	return printJSON(gw.ListRecords())
}

func listBlacklist(cmd *cobra.Command, args []string) error {
	gw, err := gateway.New(configPath)
	if err != nil {
		return err
	}
	return printJSON(gw.GetBlacklist())
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
