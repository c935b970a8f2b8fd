package main

import (
	"context"
	"flag"
	"log"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/migrations/relayerdb"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil"
	mghelper "github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error reading configuration: %s", err.Error())
	}

	ctx := context.Background()
	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("error connecting to database: %s", err.Error())
	}
	defer db.Close()

	log.Printf("Running migrations for relayer database (%s)...\n", cfg.Database.Name)

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)
	if err := mghelper.RunMigrations(ctx, migrator, flag.Args()...); err != nil {
		mghelper.Exitf("%v", err)
	}
}
