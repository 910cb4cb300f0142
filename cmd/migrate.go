package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Poly-pay/polypay-app-sub000/repository"
	"github.com/Poly-pay/polypay-app-sub000/statemachine"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, logger, err := load()
		if err != nil {
			return err
		}
		repo := repository.NewRepository(statemachine.New(c.Consensus.DenialQuorum), logger)
		if err := repo.ConnectDB(c.Database.DSN, c.Database.ConnectAttempts, c.Database.ConnectWait); err != nil {
			return err
		}
		return repo.Migrate()
	},
}
