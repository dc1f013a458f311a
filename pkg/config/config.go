package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "WALLETLINK"

// Environment variable names (after prefixing) for SDK configuration
const (
	EnvAppName            = "WALLETLINK_APP_NAME"
	EnvAppLogoURL         = "WALLETLINK_APP_LOGO_URL"
	EnvAppChainIDs        = "WALLETLINK_APP_CHAIN_IDS"
	EnvLinkAPIURL         = "WALLETLINK_LINK_API_URL"
	EnvPopupURL           = "WALLETLINK_POPUP_URL"
	EnvOrigin             = "WALLETLINK_ORIGIN"
	EnvReloadOnDisconnect = "WALLETLINK_RELOAD_ON_DISCONNECT"
	EnvPersistenceType    = "WALLETLINK_PERSISTENCE_TYPE"
	EnvDataPath           = "WALLETLINK_DATA_PATH"
	EnvRedisAddress       = "WALLETLINK_REDIS_ADDRESS"
	EnvRedisPassword      = "WALLETLINK_REDIS_PASSWORD"
	EnvRedisDB            = "WALLETLINK_REDIS_DB"
	EnvDebug              = "WALLETLINK_DEBUG"
)

// Protocol timing. Components take these as defaults and allow overrides.
const (
	HeartbeatInterval = 10 * time.Second
	ReconnectDelay    = 5 * time.Second
	RequestTimeout    = 60 * time.Second
	DestroyTimeout    = 1 * time.Second
	UnseenEventsDelay = 250 * time.Millisecond
)

// Popup geometry.
const (
	PopupWidth  = 420
	PopupHeight = 540
)

const (
	DefaultLinkAPIURL = "https://www.walletlink.org"
	DefaultPopupURL   = "https://keys.coinbase.com/connect"
	DefaultChainID    = uint64(1)
)

var supportedPersistenceTypes = []string{"memory", "badger", "redis"}

// SDKConfig represents the complete configuration of an SDK instance
type SDKConfig struct {
	// Application metadata shown to the wallet
	AppName     string   `envconfig:"APP_NAME" default:"walletlink-go" json:"app_name"`
	AppLogoURL  string   `envconfig:"APP_LOGO_URL" json:"app_logo_url"`
	AppChainIDs []uint64 `envconfig:"APP_CHAIN_IDS" default:"1" json:"app_chain_ids"`

	// Endpoints
	LinkAPIURL string `envconfig:"LINK_API_URL" default:"https://www.walletlink.org" json:"link_api_url"`
	PopupURL   string `envconfig:"POPUP_URL" default:"https://keys.coinbase.com/connect" json:"popup_url"`
	Origin     string `envconfig:"ORIGIN" default:"http://localhost" json:"origin"`

	// ReloadOnDisconnect asks the host UI to reload instead of rebuilding the session in place.
	ReloadOnDisconnect bool `envconfig:"RELOAD_ON_DISCONNECT" json:"reload_on_disconnect"`

	// Storage backend
	PersistenceType string `envconfig:"PERSISTENCE_TYPE" default:"memory" json:"persistence_type"`
	DataPath        string `envconfig:"DATA_PATH" default:"./walletlink-data" json:"data_path"`
	RedisAddress    string `envconfig:"REDIS_ADDRESS" json:"redis_address"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD" json:"-"`
	RedisDB         int    `envconfig:"REDIS_DB" json:"redis_db"`

	Debug bool `envconfig:"DEBUG" json:"debug"`
}

// Load reads the configuration from WALLETLINK_* environment variables and validates it.
func Load() (*SDKConfig, error) {
	var cfg SDKConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultChain returns the first configured app chain, or mainnet.
func (c *SDKConfig) DefaultChain() uint64 {
	if len(c.AppChainIDs) > 0 {
		return c.AppChainIDs[0]
	}
	return DefaultChainID
}

// Validate validates the SDK configuration
func (c *SDKConfig) Validate() error {
	var allErrors field.ErrorList

	if c.AppName == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("appName"), "appName is required"))
	}
	for i, id := range c.AppChainIDs {
		if id == 0 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("appChainIds").Index(i), id, "chain id must be non-zero"))
		}
	}

	allErrors = append(allErrors, validateURL(field.NewPath("linkApiUrl"), c.LinkAPIURL, true)...)
	allErrors = append(allErrors, validateURL(field.NewPath("popupUrl"), c.PopupURL, true)...)
	allErrors = append(allErrors, validateURL(field.NewPath("origin"), c.Origin, true)...)
	if c.AppLogoURL != "" {
		allErrors = append(allErrors, validateURL(field.NewPath("appLogoUrl"), c.AppLogoURL, false)...)
	}

	switch c.PersistenceType {
	case "memory":
	case "badger":
		if c.DataPath == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("dataPath"), "dataPath is required for badger persistence"))
		}
	case "redis":
		if c.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("redisAddress"), "redisAddress is required for redis persistence"))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("redisDb"), c.RedisDB, "must be between 0-15"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("persistenceType"), c.PersistenceType, supportedPersistenceTypes))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func validateURL(path *field.Path, raw string, required bool) field.ErrorList {
	var errs field.ErrorList
	if raw == "" {
		if required {
			errs = append(errs, field.Required(path, "url is required"))
		}
		return errs
	}
	u, err := url.Parse(raw)
	if err != nil {
		return append(errs, field.Invalid(path, raw, err.Error()))
	}
	if u.Scheme == "" || u.Host == "" {
		errs = append(errs, field.Invalid(path, raw, "must be an absolute url with scheme and host"))
	}
	return errs
}

// OriginOf returns scheme://host[:port] for raw, the form used for message origin checks.
func OriginOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
