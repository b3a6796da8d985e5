package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "SIMPLEARB_"

// Load decodes the TOML file at path over Defaults, then applies a .env file
// from the working directory, if any, and SIMPLEARB_* environment overrides.
// The result is not validated.
//
// Every setting has a variable named after its toml path: [arbitrage]
// min_edge is SIMPLEARB_ARBITRAGE_MIN_EDGE. Venue settings are addressed by
// venue name, so api_secret of venue "beta" is SIMPLEARB_VENUE_BETA_API_SECRET.
// Lists are comma separated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: load %s: unknown keys %v", path, undecoded)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	if err := overrideFromEnv(reflect.ValueOf(&cfg).Elem(), []string{strings.TrimSuffix(envPrefix, "_")}); err != nil {
		return nil, err
	}
	if err := applyAliases(&cfg); err != nil {
		return nil, err
	}

	normalise(&cfg)
	return &cfg, nil
}

// applyAliases honours variables set by hosting platforms.
func applyAliases(cfg *Config) error {
	if v := os.Getenv("SIMPLEARB_DATABASE_URL"); v != "" && os.Getenv("SIMPLEARB_SUPABASE_DSN") == "" {
		cfg.Supabase.DSN = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// normalise lower-cases enumerations and fills per-venue defaults that TOML
// array tables cannot take from Defaults.
func normalise(cfg *Config) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		v.Kind = strings.ToLower(v.Kind)
		if v.Kind == "" {
			v.Kind = "paper"
		}
		if v.Kind != "paper" {
			continue
		}
		p := &v.Paper
		if p.FillRatio == 0 {
			p.FillRatio = 1
		}
		if p.SpreadBps == 0 {
			p.SpreadBps = 5
		}
		if p.Depth == 0 {
			p.Depth = 1
		}
		if p.TickInterval.Duration == 0 {
			p.TickInterval.Duration = 500 * time.Millisecond
		}
	}
}

var durationType = reflect.TypeFor[duration]()

// overrideFromEnv walks the settings under v, named by path, and sets each
// one whose variable is present and non-empty.
func overrideFromEnv(v reflect.Value, path []string) error {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		key, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if key == "" || key == "-" || !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		name := append(path[:len(path):len(path)], key)

		switch {
		case fv.Type() == durationType:
			// leaf, handled below
		case fv.Kind() == reflect.Struct:
			if err := overrideFromEnv(fv, name); err != nil {
				return err
			}
			continue
		case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Struct:
			// Only venues are tables; address them by name.
			for j := range fv.Len() {
				elem := fv.Index(j)
				label := elem.FieldByName("Name").String()
				if label == "" {
					continue
				}
				if err := overrideFromEnv(elem, append(path[:len(path):len(path)], "venue", label)); err != nil {
					return err
				}
			}
			continue
		case fv.Kind() == reflect.Map:
			continue
		}

		// A venue is addressed by its name; renaming it is not an override.
		if key == "name" && len(path) > 1 && path[1] == "venue" {
			continue
		}
		envKey := envName(strings.Join(name, "_"))
		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("config: %s: %w", envKey, err)
		}
	}
	return nil
}

// setField parses raw into the kind of fv.
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
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		var items []string
		for part := range strings.SplitSeq(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if len(items) > 0 {
			fv.Set(reflect.ValueOf(items))
		}
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}

// envName upper-cases s and replaces characters that are not valid in
// environment variable names.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
