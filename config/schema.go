package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

const schemaPath = "fleetreplay/schema.cue"

const schemaContent = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
    listen?: string
    hot_reload?: bool
    modules?: [...string]
    logging?: {
        level?: "" | "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled"
        format?: "" | "json" | "text" | "auto"
        loki?: {
            enabled?: bool
            url?: string
            labels?: [string]: string
        }
    }
    telemetry?: {
        enabled?: bool
        provider?: string
    }
    storage?: {
        path?: string
        retention?: #Duration
    }
    playback?: {
        source?: "store" | "remote"
        tick?: #Duration
        default_speed?: "30s" | "60s" | "1m" | "1m0s" | "120s" | "2m" | "2m0s" | "300s" | "5m" | "5m0s"
        default_hours?: int & >0
        remote?: {
            url?: string
            timeout?: #Duration
            headers?: [string]: string
        }
    }
    markers?: {
        show_names?: bool
        palette?: [string]: string
        rules?: [...#MarkerRule]
    }
    charts?: [...#Chart]
    aggregate_interval?: #Duration
    ingest?: {
        mqtt?: {
            broker?: string
            client_id?: string
            username?: string
            password?: string
            topics?: [...string]
            qos?: 0 | 1 | 2
            keep_alive?: #Duration
            connect_timeout?: #Duration
            tls?: {
                enabled?: bool
                insecure_skip_verify?: bool
                ca_file?: string
                cert_file?: string
                key_file?: string
                server_name?: string
            }
        }
    }
}

#MarkerRule: {
    id: string
    when: string
    icon?: "arrow" | "lighthouse"
    color: string
    size?: int & >0
    rotate?: bool
}

#Chart: {
    id: string
    type: "boolean_date" | "battery"
    granularity?: "day" | "week" | "month"
    signal?: string
    strategy?: "last" | "mean" | "min" | "max" | "sum" | "count"
    buffer?: int & >0
    machines: [...{
        sensor: string
        machine: string
    }]
}
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaCtx   *cue.Context
	schemaErr   error
)

func configSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		compiled := schemaCtx.CompileString(schemaContent, cue.Filename(schemaPath))
		if err := compiled.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaValue = compiled.LookupPath(cue.ParsePath("#Config"))
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup config schema: %w", err)
		}
	})
	return schemaCtx, schemaValue, schemaErr
}

// validateDocument checks a decoded configuration document against the embedded CUE schema.
func validateDocument(path string, document map[string]interface{}) error {
	ctx, schema, err := configSchema()
	if err != nil {
		return err
	}
	value := ctx.Encode(dropNulls(document))
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config %s does not match schema: %s", path, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// dropNulls removes empty YAML keys so that optional sections may be left blank.
func dropNulls(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			if item == nil {
				continue
			}
			out[key] = dropNulls(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, dropNulls(item))
		}
		return out
	default:
		return value
	}
}
