package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// DefaultPort is the port the proxy listens on when none is configured.
const DefaultPort = 8888

// InterceptionConfig defines settings for HTTPS traffic decryption.
type InterceptionConfig struct {
	Enabled bool   // Whether MITM interception is enabled ("insecure" mode)
	CADir   string // Directory holding ca-key.pem / ca-cert.pem
}

// CaptureConfig defines settings for the JSON capture pipeline.
type CaptureConfig struct {
	BufferSize   int      // Maximum retained capture records
	MaxBodyBytes int64    // Decoded response body cap for capture
	IncludeHosts []string // Only capture hosts matching one of these patterns (empty = all)
	ExcludeHosts []string // Never capture hosts matching one of these patterns
	ExportDir    string   // Directory for saved capture files
}

// StatisticsConfig defines settings for the statistics collector.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // "sqlite", "postgres" or "dummy"
	SQLitePath  string
	PostgresDSN string
}

// ForwardType defines the type of upstream forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork represents direct network dialing.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 represents SOCKS5 proxy forwarding.
	ForwardTypeSocks5
	// ForwardTypeProxy represents HTTP proxy forwarding.
	ForwardTypeProxy
)

// Forward defines the interface for upstream forwarding configurations.
type Forward interface {
	Type() ForwardType
}

// ForwardDefaultNetwork dials upstreams directly.
type ForwardDefaultNetwork struct {
	ForceIPv4 bool
}

func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

// ForwardSocks5 dials upstreams through a SOCKS5 proxy.
type ForwardSocks5 struct {
	Address  string
	Username *string
	Password *string
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

// ForwardProxy dials upstreams through another HTTP proxy via CONNECT.
type ForwardProxy struct {
	Address  string
	Username *string
	Password *string
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

// Config represents the main configuration structure for the proxy.
type Config struct {
	ListenAddress  string // Address to listen on (e.g., 127.0.0.1:8888)
	TimeoutSeconds int    // Timeout for upstream dials and connection I/O
	Interception   InterceptionConfig
	Capture        CaptureConfig
	Statistics     StatisticsConfig
	Forward        Forward // Optional upstream forward; nil = direct
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:  fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		TimeoutSeconds: 30,
		Interception: InterceptionConfig{
			CADir: defaultCADir(),
		},
		Capture: CaptureConfig{
			BufferSize:   100,
			MaxBodyBytes: 25 << 20,
			ExportDir:    ".",
		},
		Statistics: StatisticsConfig{
			Backend: "sqlite",
		},
	}
}

func defaultCADir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "jojq")
	}
	return ".jojq"
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the defaults plus environment overrides. JSON and HCL files are
// supported, selected by extension.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		cleanPath := filepath.Clean(configPath)
		if !filepath.IsAbs(cleanPath) {
			absPath, err := filepath.Abs(cleanPath)
			if err != nil {
				return nil, fmt.Errorf("invalid config file path: %w", err)
			}
			cleanPath = absPath
		}

		var data map[string]any
		var err error

		switch strings.ToLower(filepath.Ext(cleanPath)) {
		case ".json":
			data, err = decodeJSONConfig(cleanPath)
		case ".hcl":
			data, err = decodeHCLConfig(cleanPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", filepath.Ext(cleanPath))
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func decodeJSONConfig(configPath string) (map[string]any, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps decoded configuration values onto cfg. Keys use the
// hyphenated form shared by the JSON and HCL loaders.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		cfg.ListenAddress = *ptr
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number: %w", err)
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["interception"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("interception must be an object")
		}
		if v, exists := m["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return fmt.Errorf("interception.enabled must be a boolean: %w", err)
			}
			cfg.Interception.Enabled = *ptr
		}
		if v, exists := m["ca-dir"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("interception.ca-dir must be a string: %w", err)
			}
			cfg.Interception.CADir = *ptr
		}
	}

	if val, exists := data["capture"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("capture must be an object")
		}
		if v, exists := m["buffer-size"]; exists {
			ptr, err := parseValue[int](v)
			if err != nil {
				return fmt.Errorf("capture.buffer-size must be a number: %w", err)
			}
			if *ptr <= 0 {
				return fmt.Errorf("capture.buffer-size must be positive")
			}
			cfg.Capture.BufferSize = *ptr
		}
		if v, exists := m["max-body-bytes"]; exists {
			ptr, err := parseValue[int64](v)
			if err != nil {
				return fmt.Errorf("capture.max-body-bytes must be a number: %w", err)
			}
			cfg.Capture.MaxBodyBytes = *ptr
		}
		if v, exists := m["export-dir"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("capture.export-dir must be a string: %w", err)
			}
			cfg.Capture.ExportDir = *ptr
		}
		var err error
		if cfg.Capture.IncludeHosts, err = parseStringList(m, "include-hosts"); err != nil {
			return err
		}
		if cfg.Capture.ExcludeHosts, err = parseStringList(m, "exclude-hosts"); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if v, exists := m["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return fmt.Errorf("statistics.enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		if v, exists := m["backend"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.backend must be a string: %w", err)
			}
			cfg.Statistics.Backend = *ptr
		}
		if v, exists := m["sqlite-path"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.sqlite-path must be a string: %w", err)
			}
			cfg.Statistics.SQLitePath = *ptr
		}
		if v, exists := m["postgres-dsn"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics.postgres-dsn must be a string: %w", err)
			}
			cfg.Statistics.PostgresDSN = *ptr
		}
	}

	if val, exists := data["forward"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("forward must be an object")
		}
		fwd, err := parseForward(m)
		if err != nil {
			return err
		}
		cfg.Forward = fwd
	}

	return nil
}

func parseStringList(m map[string]any, key string) ([]string, error) {
	val, exists := m[key]
	if !exists {
		return nil, nil
	}
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must contain only strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	switch forwardType {
	case "default-network":
		fwd := &ForwardDefaultNetwork{}
		if v, exists := forwardMap["force-ipv4"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return nil, fmt.Errorf("forward force-ipv4 must be a boolean: %w", err)
			}
			fwd.ForceIPv4 = *ptr
		}
		return fwd, nil

	case "socks5":
		fwd := &ForwardSocks5{}
		if address, err := parseValue[string](forwardMap["address"]); err == nil {
			fwd.Address = *address
		} else {
			return nil, fmt.Errorf("socks5 forward requires address field")
		}
		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			fwd.Username = username
		}
		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			fwd.Password = password
		}
		return fwd, nil

	case "proxy":
		fwd := &ForwardProxy{}
		if address, err := parseValue[string](forwardMap["address"]); err == nil {
			fwd.Address = *address
		} else {
			return nil, fmt.Errorf("proxy forward requires address field")
		}
		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			fwd.Username = username
		}
		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			fwd.Password = password
		}
		return fwd, nil

	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("JOJQ_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if timeoutStr := os.Getenv("JOJQ_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for JOJQ_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if intercept := os.Getenv("JOJQ_INTERCEPT"); intercept != "" {
		cfg.Interception.Enabled = strings.EqualFold(intercept, "true") || intercept == "1"
	}

	if caDir := os.Getenv("JOJQ_CADIR"); caDir != "" {
		cfg.Interception.CADir = caDir
	}

	if sizeStr := os.Getenv("JOJQ_BUFFERSIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
			cfg.Capture.BufferSize = size
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for JOJQ_BUFFERSIZE: %s\n", sizeStr)
		}
	}

	if statsEnabled := os.Getenv("JOJQ_STATISTICS"); statsEnabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(statsEnabled, "true") || statsEnabled == "1"
	}

	if backend := os.Getenv("JOJQ_STATISTICS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}

	if dsn := os.Getenv("JOJQ_STATISTICS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
}
