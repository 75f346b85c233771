package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/config"
	"github.com/JoyciAkira/sgn-core-sub001/db"
	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/logger"
	"github.com/JoyciAkira/sgn-core-sub001/store"
)

// DbCmd inspects the KU database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the KU database",
	Long: `Inspect the daemon's database without going through the HTTP API.

Examples:
  sgnd db stats                   # KU count, outbox length, cursor summary
  sgnd db get <cid>               # Print a stored KU`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show KU and outbox statistics",
	RunE:  runDbStats,
}

var dbGetCmd = &cobra.Command{
	Use:   "get <cid>",
	Short: "Print a stored KU by CID",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbGet,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbGetCmd)
}

func openStore() (*store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(cfg.DB, nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open database %s", cfg.DB)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, err
	}
	st, err := store.New(database, "", logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return st, func() { database.Close() }, nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	st, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	kuCount, err := st.Count(ctx)
	if err != nil {
		return err
	}
	outboxLen, err := st.OutboxLen(ctx)
	if err != nil {
		return err
	}
	tail, err := st.MaxSeq(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("KUs stored:   %d\n", kuCount)
	fmt.Printf("Outbox rows:  %d\n", outboxLen)
	fmt.Printf("Outbox tail:  %d\n", tail)
	return nil
}

func runDbGet(cmd *cobra.Command, args []string) error {
	st, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	body, err := st.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
