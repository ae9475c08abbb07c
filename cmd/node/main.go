package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/config"
	dbUtils "github.com/superphiz/tornado-root-updater/database"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg  = "cfg"
	flagEnv  = "env"
	flagOnce = "once"
	flagYes  = "yes"

	defaultEnvFile = ".env"
)

var (
	// Version represents the program based on the git tag
	Version = "v0.1.0"
	// Commit represents the program based on the git commit
	Commit = "dev"
)

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) && path == defaultEnvFile {
			return nil
		}
		return common.Wrap(err)
	}
	return nil
}

func getConfig(c *cli.Context) (*config.Node, error) {
	if err := loadDotEnv(c.String(flagEnv)); err != nil {
		return nil, common.Wrap(fmt.Errorf("error loading env file: %w", err))
	}
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		if err := cli.ShowCommandHelp(c, c.Command.Name); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	return cfg, nil
}

// waitStop blocks until an interrupt signal arrives or the node stops by
// itself
func waitStop(n *node.Node) {
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-ossig:
		log.Infow("Received signal", "signal", sig)
	case <-n.Done():
		log.Warn("Node stopped by itself")
	}
	// catch further ^C while stopping
	const forceStopCount = 2
	go func() {
		count := 0
		for range ossig {
			count++
			if count == forceStopCount {
				log.Fatalf("Received %v more interrupt signals", forceStopCount)
			}
		}
	}()
}

func cmdRun(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	innerNode, err := node.NewNode(cfg, c.App.Version)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}

	if c.Bool(flagOnce) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		errRun := innerNode.RunOnce(ctx)
		if err := innerNode.Stop(); err != nil {
			log.Errorw("Node.Stop", "err", err)
		}
		return common.Wrap(errRun)
	}

	if err := innerNode.Start(); err != nil {
		if errStop := innerNode.Stop(); errStop != nil {
			log.Errorw("Node.Stop", "err", errStop)
		}
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	waitStop(innerNode)
	if err := innerNode.Stop(); err != nil {
		log.Errorw("Node.Stop", "err", err)
	}
	return common.Wrap(innerNode.Err())
}

func confirm(c *cli.Context, question string) bool {
	if c.Bool(flagYes) {
		return true
	}
	fmt.Printf("%s [y/N]: ", question)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

func cmdFlush(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	if !confirm(c, fmt.Sprintf("Drop the cached state at %s?", cfg.StateDB.Path)) {
		log.Info("Aborted")
		return nil
	}
	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return common.Wrap(err)
	}
	defer stateDB.Close()
	if err := stateDB.Flush(); err != nil {
		return common.Wrap(err)
	}
	log.Infow("State flushed, the next run rebuilds it from the registry",
		"path", cfg.StateDB.Path)
	return nil
}

func cmdWipeSQL(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	if !cfg.HistoryEnabled() {
		return common.Wrap(fmt.Errorf("PostgreSQL.Host is not configured"))
	}
	if !confirm(c, "Drop all the commit history tables?") {
		log.Info("Aborted")
		return nil
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.Port,
		cfg.PostgreSQL.Host,
		cfg.PostgreSQL.User,
		cfg.PostgreSQL.Password,
		cfg.PostgreSQL.Name,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, 0); err != nil {
		return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "tornado-root-updater"
	app.Usage = "Commit the mining tree leaves of the pool instances to the registry"
	app.Version = fmt.Sprintf("%s (%s)", Version, Commit)

	flags := []cli.Flag{
		cli.StringFlag{
			Name:  flagCfg,
			Usage: "Node configuration `FILE`",
		},
		cli.StringFlag{
			Name:  flagEnv,
			Usage: "Environment variables `FILE`",
			Value: defaultEnvFile,
		},
	}
	confirmFlag := cli.BoolFlag{
		Name:  flagYes,
		Usage: "Don't ask for confirmation",
	}

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the node",
			Action: cmdRun,
			Flags: append(flags, cli.BoolFlag{
				Name:  flagOnce,
				Usage: "Run a single cycle and exit",
			}),
		},
		{
			Name:   "flush",
			Usage:  "Drop the cached state so that it is rebuilt from the registry",
			Action: cmdFlush,
			Flags:  append(flags, confirmFlag),
		},
		{
			Name:   "wipesql",
			Usage:  "Drop the commit history tables",
			Action: cmdWipeSQL,
			Flags:  append(flags, confirmFlag),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
