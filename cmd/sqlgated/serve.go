package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	sqlgate "github.com/jmallek/sqlgate"
)

func runServe() error {
	ctx := context.Background()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serverConfig.Server.Port <= 0 {
		panic("sqlgated: server.port must be > 0")
	}
	if len(serverConfig.Backends) == 0 {
		panic("sqlgated: at least one backend must be configured")
	}

	// 2. Setup logger
	logger := setupLogger(serverConfig.Logging)

	// 3. Open every configured backend
	adapters := make(map[string]sqlgate.Adapter, len(serverConfig.Backends))
	for _, bc := range serverConfig.Backends {
		adapter, err := openBackend(ctx, bc)
		if err != nil {
			return fmt.Errorf("failed to open %s backend: %w", bc.Driver, err)
		}
		if _, exists := adapters[adapter.Name()]; exists {
			panic(fmt.Sprintf("sqlgated: duplicate backend driver %q", bc.Driver))
		}
		adapters[adapter.Name()] = adapter
		logger.Info().Str("backend", adapter.Name()).Msg("backend opened")
	}

	// 4. Create the gateway
	gateway, err := sqlgate.New(adapters, serverConfig.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer gateway.Close(ctx)

	// 5. HTTP surface
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if serverConfig.Server.HealthCheckEnabled {
		path := serverConfig.Server.HealthCheckPath
		if path == "" {
			panic("sqlgated: health_check_path must be set when health_check_enabled is true")
		}
		// Process liveness only, not backend connectivity.
		r.Get(path, func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	r.Post("/v1/query", func(w http.ResponseWriter, req *http.Request) {
		var in sqlgate.Request
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"category": "invalid_request", "message": "request body is not valid JSON"},
			})
			return
		}
		resp := gateway.Execute(req.Context(), in)
		status := http.StatusOK
		if resp.Error != nil {
			status = statusFor(resp.Error.Category)
		}
		writeJSON(w, status, resp)
	})

	addr := fmt.Sprintf(":%d", serverConfig.Server.Port)
	logger.Info().Int("port", serverConfig.Server.Port).Msg("starting sqlgated server")
	return http.ListenAndServe(addr, r)
}

func statusFor(category string) int {
	switch category {
	case "invalid_request", "readonly_violation":
		return http.StatusBadRequest
	case "unsupported_capability":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "database_error":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func openBackend(ctx context.Context, bc sqlgate.BackendConfig) (sqlgate.Adapter, error) {
	switch bc.Driver {
	case "postgres":
		connString := bc.ConnString
		if connString == "" {
			connString = os.Getenv("SQLGATED_PG_CONNSTRING")
		}
		return sqlgate.NewPostgresBackend(ctx, sqlgate.PostgresConfig{
			ConnString:    connString,
			MaxConns:      bc.MaxConns,
			MinConns:      bc.MinConns,
			Region:        bc.Region,
			Node:          bc.Node,
			ReadOnly:      true,
			TenantSetting: bc.TenantSetting,
		})
	case "sqlite":
		return sqlgate.NewSQLiteBackend(sqlgate.SQLiteConfig{
			Path:     bc.ConnString,
			Node:     bc.Node,
			ReadOnly: true,
		})
	case "bigquery":
		return sqlgate.NewBigQueryBackend(sqlgate.BigQueryConfig{
			DSN:     bc.ConnString,
			Dataset: bc.Dataset,
			Region:  bc.Region,
		})
	}
	return nil, fmt.Errorf("unknown backend driver %q", bc.Driver)
}

func loadServerConfig() (*sqlgate.ServerConfig, error) {
	configPath := os.Getenv("SQLGATED_CONFIG_PATH")
	if configPath == "" {
		configPath = ".sqlgated/config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config sqlgate.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func setupLogger(config sqlgate.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
