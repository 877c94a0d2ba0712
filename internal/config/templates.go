package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "broker":
		return brokerTemplate, nil
	case "effective":
		out, err := Render(Default())
		if err != nil {
			return "", err
		}
		return string(out), nil
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

const brokerTemplate = `# pipebroker configuration

[target]
# listener for target endpoints (e.g. VNC agents)
addr = ":5901"
handshake_timeout = "30s"

[client]
# listener for client endpoints (e.g. noVNC gateways)
addr = ":5902"
handshake_timeout = "30s"
# true: pair every client under a generated pipe without reading a frame
assign_pipe = false
# realtime | durable
notify_mode = "realtime"
# recipient of pairing notifications when the client names no userguid;
# required with assign_pipe, since nobody can subscribe to a generated pipe
notify_recipient = ""

[protocol]
max_body_bytes = 65536

[handshake]
# bound on writing connect-success to the target
ack_write_timeout = "10s"

[session]
# pending sessions older than this are closed; "0s" disables expiry
pair_timeout = "2m"
reap_interval = "15s"

[relay]
buffer_size = 4194304

[supervisor]
min_backoff = "250ms"
max_backoff = "10s"

[admin]
# empty disables the admin HTTP API
addr = ""
# bearer token for /sessions; falls back to PIPEBROKER_ADMIN_TOKEN
# token = ""
cors_origins = []

[notify]
# push notifications to websocket subscribers on /notify/ws (requires admin.addr)
hub = false
queue_size = 64
max_durable = 128

[log]
level = "info"
`
