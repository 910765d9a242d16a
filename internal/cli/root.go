// Package cli implements the memgov CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/config"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
	"github.com/rcliao/memgov/internal/service"
)

var (
	dbPath     string
	configPath string
	tenantFlag string
	agentFlag  string
	rolesFlag  []string
	verbose    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memgov",
	Short: "Governed memory for AI agents",
	Long: "Record events and decisions, correct memory through an approved edit ledger, " +
		"and assemble token-bounded context bundles. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMGOV_DB or ~/.memgov/memgov.db)")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MEMGOV_CONFIG or ~/.memgov/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "Tenant id (default: $MEMGOV_TENANT or \"default\")")
	RootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "Calling agent id (default: $MEMGOV_AGENT or $USER)")
	RootCmd.PersistentFlags().StringSliceVar(&rolesFlag, "roles", nil, "Caller roles: reviewer, admin")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log info-level events to stderr")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	return cfg, nil
}

func openService() (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	obs := observe.New(os.Stderr, verbose)
	if cfg.LogFormat == "json" {
		obs = observe.NewJSON(os.Stderr, verbose)
	}
	return service.Open(cfg, service.Options{Observer: obs})
}

func identity() model.Identity {
	id := model.Identity{TenantID: tenantFlag, AgentID: agentFlag}
	if id.TenantID == "" {
		id.TenantID = os.Getenv("MEMGOV_TENANT")
	}
	if id.TenantID == "" {
		id.TenantID = "default"
	}
	if id.AgentID == "" {
		id.AgentID = os.Getenv("MEMGOV_AGENT")
	}
	if id.AgentID == "" {
		id.AgentID = os.Getenv("USER")
	}
	for _, r := range rolesFlag {
		if r = strings.TrimSpace(r); r != "" {
			id.Roles = append(id.Roles, r)
		}
	}
	return id
}

// readContent returns args joined, or stdin when no args are given and
// stdin is not a terminal.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
