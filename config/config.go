package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port           int
	TLSCert        string // path to .pem, TLS disabled when empty
	TLSKey         string
	DBBackend      string // "memory" or "sqlite"
	DBPath         string
	Workers        int
	PassMinLen     int
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdlePollMs     int // storage polling interval for idle connections
	IdlePingSec    int // keep-alive ping interval on idle connections
	QueuePollMs    int // worker sleep when the task queue is empty
}

func Load() *Config {
	cfg := &Config{
		Port:         7788,
		DBBackend:    "memory",
		DBPath:       "ochat.db",
		Workers:      5,
		PassMinLen:   8,
		ReadTimeout:  120,
		WriteTimeout: 30,
		IdlePollMs:   200,
		IdlePingSec:  5,
		QueuePollMs:  10,
	}

	if portStr := os.Getenv("OCHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if cert := os.Getenv("OCHAT_TLS_CERT"); cert != "" {
		cfg.TLSCert = cert
	}

	if key := os.Getenv("OCHAT_TLS_KEY"); key != "" {
		cfg.TLSKey = key
	}

	if backend := os.Getenv("OCHAT_DB"); backend != "" {
		cfg.DBBackend = backend
	}

	if dbPath := os.Getenv("OCHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if workersStr := os.Getenv("OCHAT_WORKERS"); workersStr != "" {
		if workers, err := strconv.Atoi(workersStr); err == nil && workers > 0 {
			cfg.Workers = workers
		}
	}

	if lenStr := os.Getenv("OCHAT_PASS_MIN_LEN"); lenStr != "" {
		if minLen, err := strconv.Atoi(lenStr); err == nil && minLen > 0 {
			cfg.PassMinLen = minLen
		}
	}

	if timeoutStr := os.Getenv("OCHAT_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("OCHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if pollStr := os.Getenv("OCHAT_IDLE_POLL_MS"); pollStr != "" {
		if poll, err := strconv.Atoi(pollStr); err == nil && poll > 0 {
			cfg.IdlePollMs = poll
		}
	}

	if pingStr := os.Getenv("OCHAT_IDLE_PING_SEC"); pingStr != "" {
		if ping, err := strconv.Atoi(pingStr); err == nil && ping > 0 {
			cfg.IdlePingSec = ping
		}
	}

	if pollStr := os.Getenv("OCHAT_QUEUE_POLL_MS"); pollStr != "" {
		if poll, err := strconv.Atoi(pollStr); err == nil && poll > 0 {
			cfg.QueuePollMs = poll
		}
	}

	return cfg
}
