// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldauth/worldauth/internal/config"
)

const statusTimeout = 3 * time.Second

// EndpointStatus holds the probe result for one observability endpoint.
type EndpointStatus struct {
	Endpoint string `json:"endpoint"`
	Up       bool   `json:"up"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewStatusCmd creates the status subcommand. It probes the running
// server's observability endpoints.
func NewStatusCmd() *cobra.Command {
	var (
		configFile string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and readiness of a running worldauth server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Observability.Addr == "" {
				return fmt.Errorf("observability.addr is not configured; nothing to probe")
			}
			return runStatus(cmd, cfg.Observability.Addr, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("observability.addr", config.Default().Observability.Addr,
		"metrics/health HTTP address to probe")

	return cmd
}

func runStatus(cmd *cobra.Command, addr string, jsonOutput bool) error {
	statuses := []EndpointStatus{
		probeEndpoint(addr, "/healthz/liveness"),
		probeEndpoint(addr, "/healthz/readiness"),
	}

	if jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	var b strings.Builder
	for _, st := range statuses {
		state := "down"
		if st.Up {
			state = "up"
		}
		fmt.Fprintf(&b, "%-10s %-5s", st.Endpoint, state)
		if st.Detail != "" {
			fmt.Fprintf(&b, " %s", st.Detail)
		}
		if st.Error != "" {
			fmt.Fprintf(&b, " (%s)", st.Error)
		}
		b.WriteString("\n")
	}
	cmd.Print(b.String())
	return nil
}

func probeEndpoint(addr, path string) EndpointStatus {
	st := EndpointStatus{Endpoint: path}

	client := &http.Client{Timeout: statusTimeout}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // read-only probe
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		st.Error = err.Error()
		return st
	}

	st.Up = resp.StatusCode == http.StatusOK
	st.Detail = strings.TrimSpace(string(body))
	if !st.Up && st.Detail == "" {
		st.Detail = resp.Status
	}
	return st
}
