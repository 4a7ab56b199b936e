package main

import (
	"flag"
	"log"

	"github.com/danmuck/amqpwire/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "profiles":
		return "cmd/amqpctl/brokers.toml"
	case "amqpctl":
		return "cmd/amqpctl/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "profiles", "config kind: profiles|amqpctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing broker profiles file")
	input := flag.String("input", "", "profiles path for validation (defaults to cmd/amqpctl/brokers.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath("profiles")
		}
		file, err := config.LoadProfiles(path)
		if err != nil {
			log.Fatal(err)
		}
		for _, p := range file.Brokers {
			if _, err := p.AMQPConfig(); err != nil {
				log.Fatal(err)
			}
		}
		log.Printf("Validated %d broker profiles at %s (default %q)", len(file.Brokers), path, file.Default)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
