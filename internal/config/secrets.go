package config

import (
	"maps"
	"reflect"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every non-empty
// field tagged secret:"true" reads "***". Slices and maps are copied, so the
// result shares no mutable state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Instruments = slices.Clone(cfg.Instruments)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Venues = slices.Clone(cfg.Venues)
	for i := range out.Venues {
		out.Venues[i].Paper.Mid = maps.Clone(cfg.Venues[i].Paper.Mid)
	}
	mask(reflect.ValueOf(&out).Elem())
	return out
}

func mask(v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fv := v.Field(i)
			if f.Tag.Get("secret") == "true" {
				if fv.Kind() == reflect.String && fv.String() != "" {
					fv.SetString(redacted)
				}
				continue
			}
			mask(fv)
		}
	case reflect.Slice:
		for i := range v.Len() {
			mask(v.Index(i))
		}
	}
}
