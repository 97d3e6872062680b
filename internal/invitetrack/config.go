package invitetrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config is the externally supplied configuration surface. The core never
// reads the environment itself; binaries load this once and inject it.
type Config struct {
	TrackedServer int64 `env:"TRACKED_GUILD,required"`
	AlertChannel  int64 `env:"ALERT_CHANNEL,required"`

	TokenFile       string `env:"INVITETRACK_TOKEN_FILE" envDefault:"token"`
	StoreDSN        string `env:"INVITETRACK_STORE_DSN"`
	StoreParamsFile string `env:"INVITETRACK_STORE_PARAMS_FILE"`

	APIBaseURL string `env:"INVITETRACK_API_BASE_URL" envDefault:"https://discord.com/api/v10"`
	GatewayURL string `env:"INVITETRACK_GATEWAY_URL" envDefault:"wss://gateway.discord.gg/?v=10&encoding=json"`
	UserAgent  string `env:"INVITETRACK_USER_AGENT" envDefault:"InviteTracker (invitetrack, 1.0)"`

	UTCOffsetHours    int           `env:"INVITETRACK_UTC_OFFSET_HOURS" envDefault:"-5"`
	LookupDelay       time.Duration `env:"INVITETRACK_LOOKUP_DELAY" envDefault:"30s"`
	PageLimit         int           `env:"INVITETRACK_PAGE_LIMIT" envDefault:"350"`
	LegacyInviter     int64         `env:"INVITETRACK_LEGACY_INVITER" envDefault:"150651680168345600"`
	ReconcileInterval time.Duration `env:"INVITETRACK_RECONCILE_INTERVAL" envDefault:"0"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.TrackedServer <= 0 {
		return Config{}, fmt.Errorf("%w: TRACKED_GUILD must be a positive snowflake", ErrInvalidInput)
	}
	if cfg.AlertChannel <= 0 {
		return Config{}, fmt.Errorf("%w: ALERT_CHANNEL must be a positive snowflake", ErrInvalidInput)
	}
	return cfg, nil
}

// StoreDSNFromConfig resolves the store DSN: an explicit DSN wins, then a
// validated connection-parameters file, then the in-memory store.
func StoreDSNFromConfig(cfg Config) (string, error) {
	if dsn := strings.TrimSpace(cfg.StoreDSN); dsn != "" {
		return dsn, nil
	}
	if path := strings.TrimSpace(cfg.StoreParamsFile); path != "" {
		return LoadStoreParams(path)
	}
	return "memory://", nil
}

// storeParamsSchema guards the connection-parameters file shape before any
// value reaches the driver.
const storeParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["host", "user", "dbname"],
	"properties": {
		"host": {"type": "string", "minLength": 1},
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"user": {"type": "string", "minLength": 1},
		"password": {"type": "string"},
		"dbname": {"type": "string", "minLength": 1},
		"sslmode": {"type": "string", "enum": ["disable", "require", "verify-ca", "verify-full"]}
	},
	"additionalProperties": false
}`

// LoadStoreParams reads a JSON connection-parameters file, validates it
// against the schema above, and renders a postgres key/value DSN.
func LoadStoreParams(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read store params: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(storeParamsSchema))
	if err != nil {
		return "", err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("storeparams.json", schemaDoc); err != nil {
		return "", err
	}
	schema, err := compiler.Compile("storeparams.json")
	if err != nil {
		return "", err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse store params: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return "", fmt.Errorf("invalid store params: %w", err)
	}

	params := instance.(map[string]any)
	values := url.Values{}
	for key, value := range params {
		switch value := value.(type) {
		case string:
			if value == "" {
				continue
			}
			values.Set(key, value)
		case json.Number:
			values.Set(key, value.String())
		case float64:
			values.Set(key, strconv.FormatInt(int64(value), 10))
		}
	}
	// Encode sorts keys and escapes values, so passwords with &, =, # or
	// spaces survive the round trip through url.Parse in the driver.
	return "postgres://?" + values.Encode(), nil
}

// FileTokenProvider loads the platform credential from a file and reloads
// it when the file changes, so token rotation does not need a restart.
type FileTokenProvider struct {
	path    string
	logger  Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileTokenProvider(path string, logger Logger) (*FileTokenProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	provider := &FileTokenProvider{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := provider.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	provider.watcher = watcher
	go provider.watch()
	return provider, nil
}

// Token implements TokenProvider.
func (p *FileTokenProvider) Token(ctx context.Context) (string, error) {
	if p == nil {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", fmt.Errorf("token file %s is empty", p.path)
	}
	return p.token, nil
}

func (p *FileTokenProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", p.path)
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}

func (p *FileTokenProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if err := p.reload(); err != nil {
					p.logf("token reload failed: %v", err)
					continue
				}
				p.logf("token reloaded from %s", p.path)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logf("token watcher error: %v", err)
		}
	}
}

func (p *FileTokenProvider) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

func (p *FileTokenProvider) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
