// Package doctor runs runtime readiness diagnostics for config, audio, and the admission service.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avelin/parley/internal/audio"
	"github.com/avelin/parley/internal/config"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	checks = append(checks, checkConfig(cfg))
	checks = append(checks, checkModule(cfg.Config))
	checks = append(checks, checkAudioSelection(ctx, cfg.Config))
	checks = append(checks, checkAdmissionHealth(cfg.Config))

	if addr := strings.TrimSpace(cfg.Config.Worker.Addr); addr != "" {
		checks = append(checks, Check{
			Name:    "worker.addr",
			Pass:    true,
			Message: fmt.Sprintf("direct override %q set; queue negotiation will be skipped", addr),
		})
	}

	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	if !cfg.Exists {
		return Check{
			Name:    "config",
			Pass:    true,
			Message: fmt.Sprintf("%q not found; using defaults", cfg.Path),
		}
	}
	message := fmt.Sprintf("loaded %q", cfg.Path)
	if len(cfg.Warnings) > 0 {
		message = fmt.Sprintf("%s (%d warnings)", message, len(cfg.Warnings))
	}
	return Check{Name: "config", Pass: true, Message: message}
}

// checkModule compiles the configured processor module without registering it.
func checkModule(cfg config.Config) Check {
	ref := cfg.Audio.Module
	if ref == "" {
		ref = audio.DefaultModuleRef
	}

	asset, err := audio.ReadModuleAsset(ref)
	if err != nil {
		return Check{Name: "audio.module", Pass: false, Message: err.Error()}
	}
	module, err := audio.CompileModule(ref, asset)
	if err != nil {
		return Check{Name: "audio.module", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.module", Pass: true, Message: fmt.Sprintf("compiled %q", module.Ref)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkAdmissionHealth probes the admission service health endpoint over HTTP,
// derived from the websocket endpoint in config.
func checkAdmissionHealth(cfg config.Config) Check {
	healthURL, err := HealthURL(cfg)
	if err != nil {
		return Check{Name: "admission.health", Pass: false, Message: err.Error()}
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		return Check{Name: "admission.health", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Name: "admission.health", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, healthURL)}
	}
	return Check{Name: "admission.health", Pass: true, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, healthURL)}
}

// HealthURL maps the ws/wss admission endpoint to its http/https health URL.
func HealthURL(cfg config.Config) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.Admission.URL))
	if err != nil {
		return "", fmt.Errorf("admission.url is not a valid URL: %w", err)
	}

	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("admission.url must use ws or wss scheme, got %q", parsed.Scheme)
	}

	parsed.Path = cfg.Admission.HealthPath
	parsed.RawQuery = ""
	return parsed.String(), nil
}
