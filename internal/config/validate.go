package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Tags reported by the struct-level rules below.
const (
	tagDuplicate   = "duplicate"
	tagNeedsRedis  = "needs_redis"
	tagNeedsStores = "needs_stores"
	tagLiveOnly    = "live_required"
	tagNoPaper     = "no_paper_in_live"
	tagCredentials = "live_credentials"
	tagPool        = "pool_bounds"
)

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their toml key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		return f.Interface().(duration).Duration
	}, duration{})
	v.RegisterStructValidation(configRules, Config{})
	v.RegisterStructValidation(supabaseRules, SupabaseConfig{})
	return v
})

// Validate checks every field and cross-section rule and reports all
// problems at once, one per line.
func (c *Config) Validate() error {
	err := validate().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("config: %d problem(s):\n  - %s", len(msgs), strings.Join(msgs, "\n  - "))
}

// configRules holds the checks that span sections or depend on the mode.
func configRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	live := c.Mode == "live"

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		at := fmt.Sprintf("venues[%d]", i)
		if v.Name != "" && seen[v.Name] {
			sl.ReportError(v.Name, at+".name", "Name", tagDuplicate, v.Name)
		}
		seen[v.Name] = true

		if !live {
			continue
		}
		switch v.Kind {
		case "paper":
			sl.ReportError(v.Kind, at+".kind", "Kind", tagNoPaper, "")
		case "ws":
			if v.ExecURL == "" {
				sl.ReportError(v.ExecURL, at+".exec_url", "ExecURL", tagLiveOnly, "")
			}
			if v.ApiKey == "" && v.PrivateKey == "" && v.EncryptedKeyPath == "" {
				sl.ReportError(v.ApiKey, at, "Venues", tagCredentials, "")
			}
		}
	}

	if c.Risk.DistributedLocks && !c.Redis.Enabled {
		sl.ReportError(c.Risk.DistributedLocks, "risk.distributed_locks", "DistributedLocks", tagNeedsRedis, "")
	}
	if c.Archive.Enabled {
		if !c.Supabase.Enabled || !c.S3.Enabled {
			sl.ReportError(c.Archive.Enabled, "archive.enabled", "Enabled", tagNeedsStores, "")
		}
		if c.Archive.RetentionDays < 1 {
			sl.ReportError(c.Archive.RetentionDays, "archive.retention_days", "RetentionDays", "gte", "1")
		}
	}
}

// supabaseRules applies only when the journal is on. A DSN replaces the
// individual connection fields.
func supabaseRules(sl validator.StructLevel) {
	s := sl.Current().Interface().(SupabaseConfig)
	if !s.Enabled {
		return
	}
	if strings.TrimSpace(s.DSN) == "" {
		if s.Host == "" {
			sl.ReportError(s.Host, "host", "Host", "required", "")
		}
		if s.Port < 1 {
			sl.ReportError(s.Port, "port", "Port", "gte", "1")
		}
		if s.Database == "" {
			sl.ReportError(s.Database, "database", "Database", "required", "")
		}
	}
	if s.PoolMaxConns < 1 {
		sl.ReportError(s.PoolMaxConns, "pool_max_conns", "PoolMaxConns", "gte", "1")
	}
	if s.PoolMinConns > s.PoolMaxConns {
		sl.ReportError(s.PoolMinConns, "pool_min_conns", "PoolMinConns", tagPool, "")
	}
}

// describe renders a field error as "<toml path>: <problem>".
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	return path + ": " + problem(fe)
}

func problem(fe validator.FieldError) string {
	p := fe.Param()
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "required_with":
		return "must be set together with " + tomlName(fe, p)
	case "oneof":
		return fmt.Sprintf("must be one of %s, got %q", strings.ReplaceAll(p, " ", ", "), fmt.Sprint(fe.Value()))
	case "min":
		if fe.Kind() == reflect.Slice {
			return "needs at least " + p + " entries"
		}
		return "must be >= " + p
	case "gt":
		return "must be > " + p
	case "gte":
		return "must be >= " + p
	case "lte":
		return "must be <= " + p
	case "url":
		return "must be a URL"
	case tagDuplicate:
		return fmt.Sprintf("duplicate venue name %q", p)
	case tagNeedsRedis:
		return "requires redis.enabled"
	case tagNeedsStores:
		return "requires supabase.enabled and s3.enabled"
	case tagLiveOnly:
		return "is required in live mode"
	case tagNoPaper:
		return "paper venues cannot be used in live mode"
	case tagCredentials:
		return "api_key, private_key or encrypted_key_path is required in live mode"
	case tagPool:
		return "must not exceed pool_max_conns"
	}
	return "fails " + fe.Tag()
}

// tomlName maps a Go field name from a tag parameter to its toml key,
// looking it up on the struct that holds the failing field.
func tomlName(fe validator.FieldError, goName string) string {
	ns := fe.StructNamespace()
	parent := ns[:max(strings.LastIndex(ns, "."), 0)]
	t := structAt(reflect.TypeFor[Config](), parent)
	if t == nil {
		return goName
	}
	if f, ok := t.FieldByName(goName); ok {
		if name, _, _ := strings.Cut(f.Tag.Get("toml"), ","); name != "" {
			return name
		}
	}
	return goName
}

// structAt follows a struct namespace such as "Config.Venues[1].Paper" from
// root and returns the struct type it ends at.
func structAt(root reflect.Type, ns string) reflect.Type {
	parts := strings.Split(ns, ".")
	t := root
	for _, part := range parts[1:] {
		name, _, _ := strings.Cut(part, "[")
		f, ok := t.FieldByName(name)
		if !ok {
			return nil
		}
		t = f.Type
		if t.Kind() == reflect.Slice {
			t = t.Elem()
		}
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}
