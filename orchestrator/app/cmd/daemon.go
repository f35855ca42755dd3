package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"github.com/autoflow/orchestrator-api/common/version"
	"github.com/autoflow/orchestrator-api/keystore"
	"github.com/autoflow/orchestrator-api/lib/kv"
	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/agents"
	"github.com/autoflow/orchestrator-api/orchestrator/config"
	"github.com/autoflow/orchestrator-api/orchestrator/dispatch"
	"github.com/autoflow/orchestrator-api/orchestrator/engine"
	"github.com/autoflow/orchestrator-api/orchestrator/ledger"
	"github.com/autoflow/orchestrator-api/orchestrator/lifecycle"
	"github.com/autoflow/orchestrator-api/orchestrator/notify"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
	"github.com/autoflow/orchestrator-api/orchestrator/server/httpserver"
	"github.com/autoflow/orchestrator-api/orchestrator/store"
)

var (
	logger = logc.Logger("cmd")
	// quit chan
	quit = make(chan os.Signal, 1)
)

var DaemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "orchestrator daemon",
	Subcommands: []*cli.Command{
		runCmd,
		stopCmd,
	},
}

// run daemon
var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the orchestrator server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config.toml, defaults apply when empty",
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"pw"},
			Usage:   "password of the settlement wallet",
			Value:   "autoflow",
		},
	},
	Action: func(ctx *cli.Context) error {
		if p := ctx.String("config"); p != "" {
			if err := config.InitConfig(p); err != nil {
				return err
			}
		}
		cfg := config.GetConfig()

		logc.Setup(logc.Config{
			File:  cfg.Local.LogFile,
			Level: cfg.Local.LogLevel,
		})
		log.Println("Current Version:", version.CurrentVersion())

		// open the local db and the stores on top of it
		db, err := kv.NewDatabase(cfg.Local.DBPath)
		if err != nil {
			return fmt.Errorf("open db at %s: %w", cfg.Local.DBPath, err)
		}
		defer db.Close()

		tasks, err := store.NewKVTaskStore(db)
		if err != nil {
			return err
		}
		escrows, err := store.NewKVEscrowStore(db)
		if err != nil {
			return err
		}
		agentStore, err := store.NewKVAgentStore(db)
		if err != nil {
			return err
		}
		reg, err := registry.NewKVRegistry(db)
		if err != nil {
			return err
		}

		eng, err := engine.New(reg, engine.Options{
			Weights: engine.Weights{
				Latency:    cfg.Orchestration.LatencyWeight,
				Cost:       cfg.Orchestration.CostWeight,
				Load:       cfg.Orchestration.LoadWeight,
				Reputation: cfg.Orchestration.ReputationWeight,
			},
			DurationHours: cfg.Orchestration.DurationHours,
		})
		if err != nil {
			return err
		}

		gw, err := openLedger(cfg, ctx.String("password"))
		if err != nil {
			return err
		}

		ks, err := keystore.NewKeyStore(cfg.Ledger.KeystorePath)
		if err != nil {
			return err
		}

		// pid file for the stop command
		if err := writePid(); err != nil {
			logger.Warn("write pid file failed, err: ", err)
		}
		defer os.Remove(pidFilePath())

		hub := notify.NewHub()
		disp := dispatch.NewHTTPGateway(callbackBase(cfg), 10*time.Second, []byte(cfg.Http.HSKey))

		co := lifecycle.NewCoordinator(tasks, escrows, agentStore, reg, eng, gw, disp, hub, lifecycle.Config{
			BufferPercent: cfg.Lifecycle.BufferPercent,
			EscrowTimeout: time.Duration(cfg.Ledger.TimeoutHours) * time.Hour,
			SweepInterval: time.Duration(cfg.Lifecycle.SweepIntervalSec) * time.Second,
			DisputeWindow: time.Duration(cfg.Lifecycle.DisputeWindowHours) * time.Hour,
			Retry: ledger.RetryPolicy{
				MaxAttempts: cfg.Lifecycle.MaxAttempts,
				BaseDelay:   time.Duration(cfg.Lifecycle.RetryBaseMs) * time.Millisecond,
			},
		})

		// background escrow timeout sweep
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		go co.Run(sweepCtx)

		svr := httpserver.NewServer(cfg.Http.Listen, httpserver.Deps{
			Coordinator: co,
			Registry:    reg,
			Engine:      eng,
			Agents:      agents.NewService(agentStore, ks),
			Hub:         hub,
		})
		go func() {
			if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("fail to start serving: %v", err)
			}
		}()
		logger.Info("listening on ", cfg.Http.Listen)

		// wait for signal and block the app
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("Shutting down orchestrator...")
		stopSweep()

		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svr.Shutdown(cctx); err != nil {
			log.Fatal("Server forced to shutdown: ", err)
		}

		return nil
	},
}

// openLedger builds the settlement backend named by the config. There is
// no fallback: a chain config that fails to connect is a startup error.
func openLedger(cfg *config.OrchestratorConfig, pw string) (ledger.Gateway, error) {
	switch cfg.Ledger.Mode {
	case "demo":
		logger.Warn("ledger running in demo mode, settlements are not on chain")
		return ledger.NewDemoGateway(), nil
	case "eth":
		ks, err := keystore.NewKeyStore(cfg.Ledger.KeystorePath)
		if err != nil {
			return nil, err
		}
		ki, err := ks.Get(cfg.Ledger.Wallet, pw)
		if err != nil {
			return nil, fmt.Errorf("unlock wallet %s: %w", cfg.Ledger.Wallet, err)
		}
		return ledger.NewEthGateway(ledger.EthConfig{
			Endpoint:   cfg.Ledger.Endpoint,
			ChainID:    cfg.Ledger.ChainID,
			EscrowAddr: cfg.Ledger.EscrowAddr,
			SK:         ki.SK(),
		})
	}
	return nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
}

// callbackBase is the completion callback prefix handed to nodes.
func callbackBase(cfg *config.OrchestratorConfig) string {
	base := cfg.Http.PublicURL
	if base == "" {
		listen := cfg.Http.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "localhost" + listen
		}
		base = "http://" + listen
	}
	return strings.TrimSuffix(base, "/") + "/api/tasks"
}

func pidFilePath() string {
	pidpath, err := homedir.Expand("./")
	if err != nil {
		return "pid"
	}
	return path.Join(pidpath, "pid")
}

func writePid() error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// stop app
var stopCmd = &cli.Command{
	Name:  "stop",
	Usage: "stop the orchestrator server",
	Action: func(_ *cli.Context) error {
		pd, err := os.ReadFile(pidFilePath())
		if err != nil {
			return fmt.Errorf("no pid file, is the daemon running? %w", err)
		}
		err = kill(strings.TrimSpace(string(pd)))
		if err != nil {
			return err
		}

		quit <- syscall.SIGTERM

		log.Println("orchestrator gracefully exit...")

		return nil
	},
}

// kill app
func kill(pid string) error {
	switch runtime.GOOS {
	case "linux":
		return exec.Command("kill", "-15", pid).Run()
	case "windows":
		return exec.Command("taskkill", "/F", "/T", "/PID", pid).Run()
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}
