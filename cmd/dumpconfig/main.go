package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.yaml.in/yaml/v3"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	out := map[string]any{}
	if err := mapstructure.Decode(cfg.Redacted(), &out); err != nil {
		log.Fatalf("flatten config: %v", err)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(formatDurations(out)); err != nil {
		log.Fatalf("encode config: %v", err)
	}
	_ = enc.Close()
}

func formatDurations(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = formatDurations(item)
		}
		return val
	case time.Duration:
		return val.String()
	case *float64:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}
