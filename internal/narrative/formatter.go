// Package narrative implements the optional NarrativeFormatter: a thin,
// circuit-broken client to an external LLM endpoint that turns a completed
// Recommendation into free-text prose. Per spec §9 it has no authority
// over drug, dose, or route selection — it only describes a decision
// already made.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/acmg-amp-mcp-server/internal/cache"
	"github.com/acmg-amp-mcp-server/internal/domain"
)

// Formatter is the default NarrativeFormatter implementation.
type Formatter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
	cache      *cache.NarrativeCache
	log        *logrus.Logger
}

// New builds a Formatter from the narrative config. narrativeCache may be
// nil to disable the Redis-backed response cache.
func New(cfg domain.NarrativeConfig, narrativeCache *cache.NarrativeCache, log *logrus.Logger) *Formatter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "narrative-formatter",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{"breaker": name, "from": from, "to": to}).Warn("narrative formatter circuit breaker state change")
			}
		},
	})

	return &Formatter{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		breaker:    breaker,
		cache:      narrativeCache,
		log:        log,
	}
}

type formatRequest struct {
	InfectionCategory     domain.InfectionCategory `json:"infection_category"`
	AllergyClassification domain.AllergySeverity   `json:"allergy_classification"`
	ChosenRegimen         domain.ChosenRegimen     `json:"chosen_regimen"`
	Warnings              []string                 `json:"warnings"`
	Confidence            float64                  `json:"confidence"`
}

type formatResponse struct {
	Narrative string `json:"narrative"`
}

// Format produces narrative prose for rec, trying the cache first, then
// the external endpoint through the circuit breaker. A breaker-open or
// transport failure is returned as an error; the caller (internal/engine's
// Narrate, never Recommend) decides whether to surface it.
func (f *Formatter) Format(ctx context.Context, rec *domain.Recommendation) (string, error) {
	if f.cache != nil {
		if text, ok, err := f.cache.Get(ctx, rec.RequestID); err == nil && ok {
			return text, nil
		}
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.callEndpoint(ctx, rec)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return "", fmt.Errorf("narrative formatter unavailable (circuit breaker open)")
		}
		return "", fmt.Errorf("narrative formatter request failed: %w", err)
	}

	text := result.(string)
	if f.cache != nil {
		if err := f.cache.Set(ctx, rec.RequestID, text); err != nil && f.log != nil {
			f.log.WithError(err).WithField("request_id", rec.RequestID).Warn("failed to cache narrative response")
		}
	}
	return text, nil
}

func (f *Formatter) callEndpoint(ctx context.Context, rec *domain.Recommendation) (string, error) {
	body, err := json.Marshal(formatRequest{
		InfectionCategory:     rec.InfectionCategory,
		AllergyClassification: rec.AllergyClassification,
		ChosenRegimen:         rec.ChosenRegimen,
		Warnings:              rec.Warnings,
		Confidence:            rec.Confidence,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling narrative request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/narrative", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building narrative request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling narrative endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narrative endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading narrative response: %w", err)
	}

	var out formatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding narrative response: %w", err)
	}
	return out.Narrative, nil
}

var _ domain.NarrativeFormatter = (*Formatter)(nil)
