package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inspect tenants",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants with stored records (admin)",
		Run:   runTenantList,
	}

	tenantCmd.AddCommand(list)
	RootCmd.AddCommand(tenantCmd)
}

func runTenantList(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	tenants, err := svc.ListTenants(cmd.Context(), identity())
	if err != nil {
		exitErr("tenant list", err)
	}
	printJSON(tenants)
}
