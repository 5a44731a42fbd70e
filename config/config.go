// Package config loads the list of records to keep up to date.
//
// The file is YAML (JSON is accepted too):
//
//	maxRetries: 3
//	timeout: 10 # seconds per attempt
//	ipLookupURL: https://api.ipify.org?format=json
//	items:
//	  - token: ${CLOUDFLARE_TOKEN}
//	    zoneName: example.com
//	    recordName: home.example.com
//	    ttl: 1
//	    proxied: false
//	  - email: me@example.com
//	    key: ${CLOUDFLARE_API_KEY}
//	    zoneName: example.org
//	    recordName: example.org
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Travis-Britz/cfddns"
	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrInvalid is matched by every error Load returns.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultMaxRetries  = 3
	DefaultTimeout     = 10.0
	DefaultIPLookupURL = "https://api.ipify.org?format=json"
)

type Config struct {
	// MaxRetries is the number of attempts per API request.
	MaxRetries int `yaml:"maxRetries" validate:"min=0,max=20"`
	// Timeout is the per-attempt timeout in seconds.
	Timeout     float64 `yaml:"timeout" validate:"gt=0,lte=300"`
	IPLookupURL string  `yaml:"ipLookupURL" validate:"required,http_url"`
	// Concurrency caps the number of records updated at once; 0 means no cap.
	Concurrency int    `yaml:"concurrency" validate:"min=0"`
	Items       []Item `yaml:"items" validate:"required,min=1,dive"`
}

// Item is one record target. It carries either Token or both Email and Key.
type Item struct {
	Token      string `yaml:"token"`
	Email      string `yaml:"email" validate:"omitempty,email"`
	Key        string `yaml:"key"`
	ZoneName   string `yaml:"zoneName" validate:"required,domain"`
	RecordName string `yaml:"recordName" validate:"required,domain"`
	TTL        int    `yaml:"ttl" validate:"ttl"`
	Proxied    bool   `yaml:"proxied"`
}

// Load reads and validates the configuration file at path.
//
// ${NAME} references in token, email and key are replaced from the environment.
func Load(ctx context.Context, fs afero.Fs, path string) (*Config, error) {
	tracer := otel.Tracer("github.com/Travis-Britz/cfddns/config")
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()
	span.SetAttributes(attribute.String("config.file", path))

	cfg, err := load(fs, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("config.items", len(cfg.Items)))
	return cfg, nil
}

func load(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file %s: %w", ErrInvalid, path, err)
	}
	defer f.Close()

	cfg := &Config{
		MaxRetries:  DefaultMaxRetries,
		Timeout:     DefaultTimeout,
		IPLookupURL: DefaultIPLookupURL,
	}
	if err := yaml.NewDecoder(f, yaml.DisallowUnknownField()).Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: config file %s is empty", ErrInvalid, path)
		}
		return nil, fmt.Errorf("%w: failed to parse config file %s: %w", ErrInvalid, path, err)
	}

	for i := range cfg.Items {
		it := &cfg.Items[i]
		if it.TTL == 0 {
			it.TTL = ddns.AutoTTL
		}
		for _, field := range []*string{&it.Token, &it.Email, &it.Key} {
			if *field, err = expandEnv(*field); err != nil {
				return nil, fmt.Errorf("%w: items[%d]: %w", ErrInvalid, i, err)
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

// Settings returns the connection settings shared by all tasks.
func (c *Config) Settings() ddns.ConnectionSettings {
	return ddns.ConnectionSettings{
		MaxRetries: c.MaxRetries,
		Timeout:    time.Duration(c.Timeout * float64(time.Second)),
	}
}

// Tasks converts the items to update tasks, in file order.
func (c *Config) Tasks() []ddns.Task {
	tasks := make([]ddns.Task, 0, len(c.Items))
	for _, it := range c.Items {
		tasks = append(tasks, ddns.Task{
			Credential: it.credential(),
			Zone:       it.ZoneName,
			Record:     it.RecordName,
			TTL:        it.TTL,
			Proxied:    it.Proxied,
		})
	}
	return tasks
}

func (it Item) credential() ddns.Credential {
	if it.Token != "" {
		return ddns.APIToken(it.Token)
	}
	return ddns.GlobalAPIKey(it.Email, it.Key)
}
