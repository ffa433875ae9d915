// Package actuator drives a Home Assistant light by effect name.
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/codes"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/resilience"
	"github.com/calm-listener/platform/internal/trace"
)

const (
	DefaultEntity  = "light.wiz_rgbw_tunable_4b588c"
	DefaultTimeout = 5 * time.Second
	turnOnPath     = "/api/services/light/turn_on"
)

// Config for the Home Assistant client.
type Config struct {
	BaseURL   string
	Token     string
	Entity    string
	Timeout   time.Duration
	Transport http.RoundTripper
	Breaker   resilience.Config
}

// HomeAssistant calls light.turn_on with an effect for one fixed entity.
type HomeAssistant struct {
	url     string
	token   string
	entity  string
	http    *http.Client
	breaker *resilience.Breaker
}

// New validates cfg and returns a client.
func New(cfg Config) (*HomeAssistant, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ConfigInvalid, "actuator base url is required")
	}
	if cfg.Entity == "" {
		cfg.Entity = DefaultEntity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker == (resilience.Config{}) {
		cfg.Breaker = resilience.ActuatorConfig()
	}
	return &HomeAssistant{
		url:     strings.TrimRight(cfg.BaseURL, "/") + turnOnPath,
		token:   cfg.Token,
		entity:  cfg.Entity,
		http:    &http.Client{Transport: &trace.Transport{Base: cfg.Transport}, Timeout: cfg.Timeout},
		breaker: resilience.New("actuator", cfg.Breaker),
	}, nil
}

// Entity returns the controlled device id.
func (h *HomeAssistant) Entity() string { return h.entity }

// Breaker exposes the circuit breaker for health reporting.
func (h *HomeAssistant) Breaker() *resilience.Breaker { return h.breaker }

type turnOnRequest struct {
	EntityID string `json:"entity_id"`
	Effect   string `json:"effect"`
}

// SetState switches the light to the named effect.
func (h *HomeAssistant) SetState(ctx context.Context, state string) error {
	body, err := json.Marshal(turnOnRequest{EntityID: h.entity, Effect: state})
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode turn_on")
	}

	err = h.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return apperrors.Wrap(err, apperrors.ActuatorFailed, "build turn_on request")
		}
		req.Header.Set("Content-Type", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}

		resp, err := h.http.Do(req)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ActuatorFailed, "turn_on").WithGRPCCode(codes.Unavailable)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return apperrors.FromHTTPStatus(apperrors.ActuatorFailed, resp.StatusCode,
				fmt.Sprintf("turn_on %q: %s", state, strings.TrimSpace(string(snippet))))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
	if err == resilience.ErrOpen {
		return apperrors.Wrap(err, apperrors.ActuatorFailed, "actuator circuit open")
	}
	if appErr, ok := apperrors.As(err); ok {
		return appErr.WithMetadata("state", state)
	}
	return err
}
