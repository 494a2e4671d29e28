// Package config loads the service's environment-driven configuration
// (spec §6.2), following the teacher's caarlos0/env + godotenv pattern:
// an optional .env file is loaded first, then struct tags resolve and
// validate the process environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// TrackedContract is one entry of the background-tracker configuration
// list (spec §4.6, §6.2 "tracked_contracts").
type TrackedContract struct {
	ContractID   int32
	SymbolLabel  string
	TickTypes    []string
	BufferHours  int
}

// Config is the full set of environment-driven settings.
type Config struct {
	// Upstream gateway candidates (spec §6.2 host/ports, §4.5 reconnection).
	Host  string  `env:"IB_HOST" envDefault:"127.0.0.1"`
	Ports []int   `env:"IB_PORTS" envSeparator:"," envDefault:"7497,7496,4001,4002"`

	ClientID int `env:"IB_CLIENT_ID" envDefault:"1"`

	// HTTP surface (§6.1).
	Addr        string `env:"ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Storage (§4.2, §6.2).
	StoragePath  string `env:"STORAGE_PATH" envDefault:"./data"`
	EnableJSON   bool   `env:"ENABLE_JSON" envDefault:"true"`
	EnableBinary bool   `env:"ENABLE_BINARY" envDefault:"true"`

	// Resource caps and retries (§6.2, §5).
	MaxStreams         int           `env:"MAX_STREAMS" envDefault:"500"`
	TailRingSize        int           `env:"TAIL_RING_SIZE" envDefault:"4096"`
	BufferSize         int           `env:"BUFFER_SIZE" envDefault:"1000"`
	ConnectionTimeout  time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"30s"`
	ReconnectAttempts  int           `env:"RECONNECT_ATTEMPTS" envDefault:"0"` // not read by any component; Supervisor.Connect retries without limit

	// Escalation-ladder intervals (§4.5).
	DataStalenessThreshold   time.Duration `env:"DATA_STALENESS_THRESHOLD" envDefault:"60s"`
	StreamRestartThreshold   time.Duration `env:"STREAM_RESTART_THRESHOLD" envDefault:"3m"`
	ConnectionResetThreshold time.Duration `env:"CONNECTION_RESET_THRESHOLD" envDefault:"5m"`
	CriticalAlertThreshold   time.Duration `env:"CRITICAL_ALERT_THRESHOLD" envDefault:"10m"`
	WarnThreshold            time.Duration `env:"WARN_THRESHOLD" envDefault:"1m"`
	MonitorInterval          time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`
	ReconnectInterval        time.Duration `env:"RECONNECT_INTERVAL" envDefault:"5s"`
	TaskRestartBackoff       time.Duration `env:"TASK_RESTART_BACKOFF" envDefault:"5s"`

	// Tracked contracts, encoded as "cid:label:tt1|tt2:hours;cid2:..."
	TrackedContractsRaw string `env:"TRACKED_CONTRACTS" envDefault:""`

	// Ambient stack.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Admission control (§4.9).
	AdmissionCPURejectPct float64 `env:"ADMISSION_CPU_REJECT_PCT" envDefault:"90"`
	AdmissionCPUPausePct  float64 `env:"ADMISSION_CPU_PAUSE_PCT" envDefault:"75"`
	AdmissionSafetyMargin float64 `env:"ADMISSION_SAFETY_MARGIN" envDefault:"0.8"`
	MinConnections        int     `env:"ADMISSION_MIN_CONNECTIONS" envDefault:"100"`
	MaxCapacity           int     `env:"ADMISSION_MAX_CAPACITY" envDefault:"20000"`
	CapacityInterval      time.Duration `env:"ADMISSION_CAPACITY_INTERVAL" envDefault:"30s"`
	PerIPConnectionCap    int     `env:"PER_IP_CONNECTION_CAP" envDefault:"50"`
	PerConnectionSubCap   int     `env:"PER_CONNECTION_SUBSCRIPTION_CAP" envDefault:"100"`

	// Optional add-ons.
	SessionStoreDSN   string `env:"SESSION_STORE_DSN" envDefault:""`
	ArchiveS3Bucket   string `env:"ARCHIVE_S3_BUCKET" envDefault:""`
	ContractLookupURL string `env:"CONTRACT_LOOKUP_URL" envDefault:""`
}

// Load reads an optional .env file (if present) and then the process
// environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}
	return cfg, nil
}

// TrackedContracts parses TrackedContractsRaw into structured entries.
// Format: "contractID:label:tickType1|tickType2:bufferHours" entries
// separated by ";". Empty entries are skipped; the first malformed
// entry aborts parsing and returns a nil slice with its error.
func (c *Config) TrackedContracts() ([]TrackedContract, error) {
	raw := strings.TrimSpace(c.TrackedContractsRaw)
	if raw == "" {
		return nil, nil
	}

	var out []TrackedContract
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed tracked_contracts entry %q: expected 4 fields", entry)
		}
		var cid int32
		if _, err := fmt.Sscanf(parts[0], "%d", &cid); err != nil {
			return nil, fmt.Errorf("malformed contract_id in %q: %w", entry, err)
		}
		var hours int
		if _, err := fmt.Sscanf(parts[3], "%d", &hours); err != nil {
			return nil, fmt.Errorf("malformed buffer_hours in %q: %w", entry, err)
		}
		out = append(out, TrackedContract{
			ContractID:  cid,
			SymbolLabel: parts[1],
			TickTypes:   strings.Split(parts[2], "|"),
			BufferHours: hours,
		})
	}
	return out, nil
}

// Print logs a redacted startup summary, mirroring the teacher's
// habit of echoing the resolved configuration once at boot.
func (c *Config) Print(logf func(string, ...interface{})) {
	logf("config: addr=%s metrics_addr=%s storage_path=%s enable_json=%v enable_binary=%v max_streams=%d",
		c.Addr, c.MetricsAddr, c.StoragePath, c.EnableJSON, c.EnableBinary, c.MaxStreams)
}
