package stshare

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
)

// Default service ports. All three are reserved: they are never subject to
// dynamic-port management.
const (
	DefaultHTTPPort = 80
	DefaultWSPort   = 8081
	DefaultAPIPort  = 8082
)

// Config is the recognized server configuration. It is read from an
// optional JSON file, then overlaid with environment variables.
type Config struct {
	// Domain is the base DNS domain under which tunnels are addressed
	Domain string `json:"domain"`

	// HTTPPort is the public port routing tunnel requests by Host label
	HTTPPort int `json:"httpPort"`

	// WSPort is the legacy dedicated control-channel port
	WSPort int `json:"wsPort"`

	// APIPort carries the management REST API
	APIPort int `json:"apiPort"`

	// AuthToken is the shared agent secret; empty disables authentication
	AuthToken string `json:"authToken"`
}

// DefaultConfig returns the configuration used when nothing else is given
func DefaultConfig() *Config {
	return &Config{
		Domain:   "localhost",
		HTTPPort: DefaultHTTPPort,
		WSPort:   DefaultWSPort,
		APIPort:  DefaultAPIPort,
	}
}

// LoadConfig reads the JSON config file at path (if path is non-empty) and
// applies environment overrides. A missing file is not an error; a present
// but malformed file is.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(raw, c); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUBTUNNEL_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("SUBTUNNEL_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = n
		}
	}
	if v := os.Getenv("SUBTUNNEL_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WSPort = n
		}
	}
	if v := os.Getenv("SUBTUNNEL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.APIPort = n
		}
	}
	if v, ok := os.LookupEnv("SUBTUNNEL_AUTH_TOKEN"); ok {
		c.AuthToken = v
	}
}

// WatchConfig watches the config file and invokes onReload with a freshly
// loaded Config whenever the file changes. It returns a stop function.
// Reload failures are logged and the previous configuration stays in
// effect.
func WatchConfig(logger Logger, path string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c, err := LoadConfig(path)
				if err != nil {
					logger.WLogf("Config reload failed, keeping previous: %s", err)
					continue
				}
				logger.ILogf("Config file changed, reloading")
				onReload(c)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WLogf("Config watcher error: %s", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
