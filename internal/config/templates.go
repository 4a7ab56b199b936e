package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "profiles", "brokers":
		return profilesTemplate, nil
	case "amqpctl":
		return amqpctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const profilesTemplate = `default = "local"

[[brokers]]
name = "local"
host = "localhost"
port = 5672
vhost = "/"
mechanism = "PLAIN"
username = "guest"
password = "guest"
heartbeat = "60s"
response_timeout = "10s"

[[brokers]]
name = "prod"
host = "rabbit.internal"
vhost = "/prod"
mechanism = "EXTERNAL"
connection_name = "amqpctl"
heartbeat = "30s"
channel_max = 256
frame_max = 131072
connect_attempts = 5
security_mode = "production"

[brokers.tls]
enabled = true
mutual = true
ca_file = "/etc/amqpwire/ca.crt"
cert_file = "/etc/amqpwire/client.crt"
key_file = "/etc/amqpwire/client.key"
`

const amqpctlTemplate = `profiles = "cmd/amqpctl/brokers.toml"
profile = "local"
channels = 1
admin_addr = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]
close_timeout = "5s"
`
