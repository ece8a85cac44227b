package server

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters/github"
	"github.com/marcus-qen/praetor/internal/adapters/jira"
	"github.com/marcus-qen/praetor/internal/adapters/k8s"
	"github.com/marcus-qen/praetor/internal/adapters/pagerduty"
	"github.com/marcus-qen/praetor/internal/adapters/sqltool"
)

// registerRealAdapters wires real adapters for every namespace whose
// credentials are present. Namespaces without credentials stay mock-only;
// the mode flags decide per tool which side actually runs.
func (s *Server) registerRealAdapters() {
	timeout := time.Duration(s.cfg.Engine.AdapterTimeoutSec) * time.Second

	if token := os.Getenv("PAGERDUTY_TOKEN"); token != "" {
		s.registry.RegisterReal(pagerduty.New(
			os.Getenv("PAGERDUTY_BASE_URL"), token, os.Getenv("PAGERDUTY_FROM"), timeout, s.logger))
		s.logger.Info("real adapter registered", zap.String("namespace", "pagerduty"))
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		s.registry.RegisterReal(github.New(os.Getenv("GITHUB_BASE_URL"), token, timeout, s.logger))
		s.logger.Info("real adapter registered", zap.String("namespace", "github"))
	}
	if token := os.Getenv("JIRA_TOKEN"); token != "" {
		s.registry.RegisterReal(jira.New(
			os.Getenv("JIRA_BASE_URL"), os.Getenv("JIRA_EMAIL"), token, timeout, s.logger))
		s.logger.Info("real adapter registered", zap.String("namespace", "jira"))
	}

	if aliases := sqlAliasesFromEnv(); len(aliases) > 0 {
		s.registry.RegisterReal(sqltool.New(aliases, timeout, s.logger))
		s.logger.Info("real adapter registered",
			zap.String("namespace", "sql"), zap.Int("aliases", len(aliases)))
	}

	// The k8s client is only attempted when explicitly opted in: local
	// mode would otherwise grab whatever kubeconfig the host happens to
	// carry.
	if os.Getenv("K8S_ADAPTER_ENABLED") == "true" {
		client, err := k8s.BuildClient(s.cfg.K8s.Mode, os.Getenv("KUBECONFIG"))
		if err != nil {
			s.logger.Warn("k8s adapter unavailable", zap.Error(err))
			return
		}
		var allowed []string
		if s.cfg.K8s.EnvAllowed != "" {
			allowed = strings.Split(s.cfg.K8s.EnvAllowed, ",")
		}
		s.registry.RegisterReal(k8s.New(client, s.cfg.K8s.NamespaceAllowlist,
			s.cfg.K8s.EnvLabelKey, allowed, s.logger))
		s.logger.Info("real adapter registered",
			zap.String("namespace", "k8s"), zap.String("mode", s.cfg.K8s.Mode))
	}
}

// sqlAliasesFromEnv parses SQL_ALIASES, a JSON object of alias → DSN.
func sqlAliasesFromEnv() map[string]string {
	raw := os.Getenv("SQL_ALIASES")
	if raw == "" {
		return nil
	}
	var aliases map[string]string
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil
	}
	return aliases
}
