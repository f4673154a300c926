package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certforge/internal/config"
	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

var (
	caName    string
	caDataDir string
	caConfirm bool
)

// openEngine opens the local store and engine for offline CA commands.
func openEngine() (*pki.Engine, *store.Store, error) {
	cfg := config.FromEnv()
	if caDataDir != "" {
		cfg.DataDir = caDataDir
	}
	st, err := store.Open(cfg.DataDir, store.NewCipher(cfg.KeystoreSecret, cfg.KeystoreSecretOld))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open CA store: %w", err)
	}
	engine := pki.New(st, pki.Config{
		RootDays:    cfg.RootDays,
		IntDays:     cfg.IntDays,
		LeafDays:    cfg.LeafDays,
		RootKeyBits: cfg.RootKeyBits,
		IntKeyBits:  cfg.IntKeyBits,
		CRLURL:      cfg.CRLPublicURL,
	})
	return engine, st, nil
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the local CA hierarchy",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root and intermediate hierarchy",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, st, err := openEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := engine.Init(cmd.Context(), caName); err != nil {
			return err
		}
		fmt.Println("CA initialized")
		return nil
	},
}

var caDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Irreversibly wipe all CA state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !caConfirm {
			return fmt.Errorf("refusing to destroy without --yes")
		}
		engine, st, err := openEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := engine.Destroy(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("CA state destroyed")
		return nil
	},
}

var caRotateCmd = &cobra.Command{
	Use:   "rotate-keystore",
	Short: "Re-encrypt the keystore under the current secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := st.RotateKeystore(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Rotated %d of %d keystore entries\n", res.Rotated, res.Total)
		return nil
	},
}

var caCRLCmd = &cobra.Command{
	Use:   "crl",
	Short: "Generate a signed CRL and print it to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, st, err := openEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		crl, err := engine.GenerateCRL(cmd.Context())
		if err != nil {
			return err
		}
		os.Stdout.Write(crl)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd, caDestroyCmd, caRotateCmd, caCRLCmd)

	caCmd.PersistentFlags().StringVar(&caDataDir, "data-dir", "", "Directory for the CA database (overrides CERTFORGE_DATA_DIR)")
	caInitCmd.Flags().StringVar(&caName, "name", "Local Root CA", "Root CA common name")
	caDestroyCmd.Flags().BoolVar(&caConfirm, "yes", false, "Confirm destruction")
}
