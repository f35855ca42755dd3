package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"
)

var conf *OrchestratorConfig

type OrchestratorConfig struct {
	Http          Http
	Local         Local
	Ledger        Ledger
	Orchestration Orchestration
	Lifecycle     Lifecycle
}

type Http struct {
	Listen string
	// PublicURL is the externally reachable base URL handed to nodes
	// for completion callbacks. Derived from Listen when empty.
	PublicURL string
	HSKey     string
	Expire    int // cookie lifetime in seconds
	// AdminAddrs are the wallet addresses allowed onto the admin
	// surface. Empty means no admin access at all.
	AdminAddrs []string
}

type Local struct {
	DBPath   string
	LogFile  string
	LogLevel string
}

type Ledger struct {
	// Mode selects the settlement backend: "eth" for a real chain
	// endpoint, "demo" for the explicit offline mode. There is no
	// silent fallback between the two.
	Mode         string
	Endpoint     string
	ChainID      int64
	EscrowAddr   string
	Wallet       string
	KeystorePath string
	TimeoutHours int
}

type Orchestration struct {
	LatencyWeight    float64
	CostWeight       float64
	LoadWeight       float64
	ReputationWeight float64
	DurationHours    float64
}

type Lifecycle struct {
	MaxAttempts        int
	RetryBaseMs        int
	BufferPercent      float64
	SweepIntervalSec   int
	DisputeWindowHours int
}

// Default returns a config usable without a file, with the documented
// scoring weights and retry policy.
func Default() *OrchestratorConfig {
	home, _ := homedir.Dir()
	return &OrchestratorConfig{
		Http: Http{
			Listen: ":8080",
			HSKey:  "autoflow",
			Expire: 3600,
		},
		Local: Local{
			DBPath:   filepath.Join(home, ".autoflow", "db"),
			LogFile:  "",
			LogLevel: "info",
		},
		Ledger: Ledger{
			Mode:         "demo",
			TimeoutHours: 72,
			KeystorePath: filepath.Join(home, ".autoflow", "keystore"),
		},
		Orchestration: Orchestration{
			LatencyWeight:    0.30,
			CostWeight:       0.20,
			LoadWeight:       0.25,
			ReputationWeight: 0.25,
			DurationHours:    1,
		},
		Lifecycle: Lifecycle{
			MaxAttempts:        3,
			RetryBaseMs:        200,
			BufferPercent:      10,
			SweepIntervalSec:   30,
			DisputeWindowHours: 24,
		},
	}
}

func InitConfig(path string) error {
	if path == "" {
		currentDir, _ := os.Getwd()
		path = filepath.Join(currentDir, "config.toml")
	}
	expanded, err := homedir.Expand(path)
	if err == nil {
		path = expanded
	}

	c := Default()
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed load config file, path: %s, error: %w", path, err)
	}
	if err := requiredFieldsAreGiven(metaData); err != nil {
		return err
	}
	conf = c
	return nil
}

func GetConfig() *OrchestratorConfig {
	if conf == nil {
		conf = Default()
	}
	return conf
}

// Set installs a config directly, for tests and embedded use.
func Set(c *OrchestratorConfig) {
	conf = c
}

func requiredFieldsAreGiven(metaData toml.MetaData) error {
	requiredFields := [][]string{
		{"Http"},
		{"Local"},
		{"Ledger"},

		{"Http", "Listen"},
		{"Http", "HSKey"},

		{"Local", "DBPath"},

		{"Ledger", "Mode"},
	}

	for _, v := range requiredFields {
		if !metaData.IsDefined(v...) {
			return fmt.Errorf("required config field missing: %v", v)
		}
	}
	return nil
}
