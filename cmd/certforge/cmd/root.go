package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "certforge",
	Short: "certforge is a self-hosted certificate authority",
	Long: `A self-hosted certificate authority for internal infrastructure:
a two-tier X.509 hierarchy, CSR signing, renewal, revocation, CRLs and
an ACME (http-01) endpoint for automated clients.
Complete documentation is available at https://github.com/jmcleod/certforge`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
