package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load decodes path over Defaults() and applies the FUTBOT_* environment.
// .yaml and .yml files are YAML, anything else TOML. The result is not
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.normalize()

	return &cfg, nil
}

// normalize canonicalises values the rest of the program compares
// case-sensitively.
func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	for i, s := range c.Engine.Symbols {
		c.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Backtest.Symbol = strings.ToUpper(strings.TrimSpace(c.Backtest.Symbol))
	c.Backtest.Side = strings.ToUpper(strings.TrimSpace(c.Backtest.Side))
}

// EnvPrefix prefixes every environment override. The variable for a key is
// the prefix, the section and the key joined by underscores and upper-cased:
// [engine] workers is FUTBOT_ENGINE_WORKERS, top-level mode is FUTBOT_MODE.
const EnvPrefix = "FUTBOT"

// envAliases are conventional platform variables applied before the
// FUTBOT_* names, so the latter win when both are set.
var envAliases = map[string]string{
	"DATABASE_URL": "FUTBOT_POSTGRES_DSN",
}

var durationType = reflect.TypeFor[duration]()

// applyEnv overwrites fields whose variable is set and non-empty. Fields of
// a type that has no scalar text form, such as the ladder level table, are
// file-only. A value that does not parse is an error.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			for alias, target := range envAliases {
				if target != key {
					continue
				}
				if v, ok = lookup(alias); ok && strings.TrimSpace(v) != "" {
					return v, true
				}
			}
			return "", false
		}
		return v, true
	}
	return walkEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, get)
}

func walkEnv(v reflect.Value, prefix string, get func(string) (string, bool)) error {
	var errs []error
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		tag, _, _ := strings.Cut(sf.Tag.Get("toml"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			if err := walkEnv(fv, name, get); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		raw, ok := get(name)
		if !ok {
			continue
		}
		if err := setField(fv, strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func setField(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(duration{d}))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		if len(items) > 0 {
			fv.Set(reflect.ValueOf(items))
		}
	}
	return nil
}
