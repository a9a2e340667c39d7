package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/log"
)

const ConfigFileName = "anchor.conf"

// envBindings maps config keys onto the environment variables the deployment already uses
var envBindings = map[string]string{
	"rpc_url":                  "RPC_URL",
	"rpc_ws":                   "RPC_WS",
	"irrigation_audit_address": "IRRIGATION_AUDIT_ADDRESS",
	"private_key":              "PRIVATE_KEY",
	"allow_unlocked_account":   "ALLOW_UNLOCKED_ACCOUNT",
	"reindex_from_block":       "REINDEX_FROM_BLOCK",
	"reindex_to_block":         "REINDEX_TO_BLOCK",
	"database_url":             "DATABASE_URL",
	"redis_uri":                "REDIS_URI",
	"redis_channel":            "REDIS_CHANNEL",
	"port":                     "PORT",
	"log_level":                "LOG_LEVEL",
	"db_type":                  "DB_TYPE",
	"data_dir":                 "DATA_DIR",
	"reconcile_interval":       "RECONCILE_INTERVAL",
	"send_timeout":             "SEND_TIMEOUT",
}

// RegisterFlags declares every option on flags. Unset flags fall through to env, config file, then defaults.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to config file")
	flags.String("rpc_url", "", "ledger JSON-RPC endpoint")
	flags.String("rpc_ws", "", "ledger websocket endpoint for live log subscriptions")
	flags.String("irrigation_audit_address", "", "IrrigationAudit contract address")
	flags.String("private_key", "", "hex private key used to sign anchor transactions")
	flags.Bool("allow_unlocked_account", true, "fall back to the node's first unlocked account when no key is set")
	flags.String("reindex_from_block", "", "first block of a reconcile scan (default latest-10000)")
	flags.String("reindex_to_block", "", "last block of a reconcile scan (default latest)")
	flags.String("db_type", "", "lifecycle store: goleveldb, memdb or postgres")
	flags.String("data_dir", "", "directory for the goleveldb store")
	flags.String("database_url", "", "postgres connection URI")
	flags.String("redis_uri", "", "redis URI for relaying notifications")
	flags.String("redis_channel", "anchor:tx_update", "redis channel for relayed notifications")
	flags.String("port", "3000", "api port")
	flags.String("log_level", "info", "log level")
	flags.Duration("reconcile_interval", 0, "run the reconciler periodically while serving (0 disables)")
	flags.Duration("send_timeout", 30*time.Second, "timeout of a single ledger send attempt")
}

func newViper(home string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	// secondary names exported by the contract deployment scripts
	v.SetDefault("rpc_url", util.GetEnv("SEPOLIA_RPC", "http://127.0.0.1:8545"))
	v.SetDefault("rpc_ws", util.GetEnv("SEPOLIA_WS", ""))
	v.SetDefault("irrigation_audit_address", util.GetEnv("IRRIGATION_CONTRACT_ADDRESS", ""))
	v.SetDefault("private_key", util.GetEnv("WALLET_PRIVATE_KEY", util.GetEnv("DEPLOYER_KEY", "")))
	v.SetDefault("data_dir", filepath.Join(home, "data"))
	v.SetDefault("allow_unlocked_account", true)
	v.SetDefault("redis_channel", "anchor:tx_update")
	v.SetDefault("port", "3000")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_timeout", 30*time.Second)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	configFile := v.GetString("config")
	if configFile == "" {
		candidate := filepath.Join(home, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// NewLogger : TM logger on stdout filtered at level
func NewLogger(level string) log.Logger {
	allowLevel, err := log.AllowLevel(strings.ToLower(level))
	if err != nil {
		allowLevel = log.AllowInfo()
	}
	return log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)
}

// InitConfig resolves flags, environment and the optional config file into one AnchorConfig
func InitConfig(home string, flags *pflag.FlagSet) (types.AnchorConfig, error) {
	v, err := newViper(home, flags)
	if err != nil {
		return types.AnchorConfig{}, err
	}
	rpcURL := v.GetString("rpc_url")
	if err := util.ValidateURL(rpcURL); err != nil {
		return types.AnchorConfig{}, fmt.Errorf("rpc_url: %w", err)
	}
	wsURL := v.GetString("rpc_ws")
	if wsURL != "" {
		if err := util.ValidateURL(wsURL); err != nil {
			return types.AnchorConfig{}, fmt.Errorf("rpc_ws: %w", err)
		}
	}
	from, err := util.ParseOptionalUint(v.GetString("reindex_from_block"))
	if err != nil {
		return types.AnchorConfig{}, fmt.Errorf("reindex_from_block: %w", err)
	}
	to, err := util.ParseOptionalUint(v.GetString("reindex_to_block"))
	if err != nil {
		return types.AnchorConfig{}, fmt.Errorf("reindex_to_block: %w", err)
	}

	dbType := strings.ToLower(v.GetString("db_type"))
	postgresURI := v.GetString("database_url")
	if dbType == "" {
		dbType = "goleveldb"
		if postgresURI != "" {
			dbType = "postgres"
		}
	}
	switch dbType {
	case "goleveldb", "memdb":
	case "postgres":
		if postgresURI == "" {
			return types.AnchorConfig{}, fmt.Errorf("db_type postgres needs database_url")
		}
	default:
		return types.AnchorConfig{}, fmt.Errorf("unsupported db_type %q", dbType)
	}

	logLevel := v.GetString("log_level")
	if logLevel == "" {
		logLevel = "info"
	}
	tmLogger := NewLogger(logLevel)

	return types.AnchorConfig{
		HomePath:     home,
		DBType:       dbType,
		DataDir:      v.GetString("data_dir"),
		PostgresURI:  postgresURI,
		RedisURI:     v.GetString("redis_uri"),
		RedisChannel: v.GetString("redis_channel"),
		APIPort:      v.GetString("port"),
		LogLevel:     logLevel,
		Ledger: types.LedgerConfig{
			RPCURL:               rpcURL,
			StreamURL:            wsURL,
			ContractAddress:      v.GetString("irrigation_audit_address"),
			PrivateKey:           v.GetString("private_key"),
			AllowUnlockedAccount: v.GetBool("allow_unlocked_account"),
			SendTimeout:          v.GetDuration("send_timeout"),
		},
		Window:            types.ScanWindow{FromBlock: from, ToBlock: to},
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		Logger:            &tmLogger,
	}, nil
}

// WriteConfigFile writes key=value lines the way InitConfig reads them back
func WriteConfigFile(path string, values [][2]string) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer file.Close()
	datawriter := bufio.NewWriter(file)
	for _, kv := range values {
		if _, err := datawriter.WriteString(kv[0] + "=" + kv[1] + "\n"); err != nil {
			return err
		}
	}
	return datawriter.Flush()
}
