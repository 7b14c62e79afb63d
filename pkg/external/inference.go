// Package external holds clients for services outside the triage server,
// currently the AI inference service that scores ultrasound studies.
package external

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
)

// AnalysisRequest asks the inference service to score a study.
type AnalysisRequest struct {
	CaseNumber string   `json:"case_number"`
	ImageRefs  []string `json:"image_refs"`
}

// AnalysisResult is the inference service's verdict on a study.
type AnalysisResult struct {
	// Confidence is the malignancy confidence score on a 0-100 scale.
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
	// Pending reports that the service accepted the study but has not
	// finished scoring it; the caller should poll again later.
	Pending bool `json:"pending"`
}

// InferenceConfig configures the inference client.
type InferenceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// InferenceClient talks to the AI inference service. Calls run through a
// circuit breaker so a struggling model service degrades the pipeline to
// the manual workflow instead of piling up timeouts.
type InferenceClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logrus.Logger
}

// NewInferenceClient creates an inference client.
func NewInferenceClient(config InferenceConfig, logger *logrus.Logger) *InferenceClient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &InferenceClient{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
		log:        logger,
	}
}

// Analyze submits the study for scoring and returns the result. A Pending
// result means the caller should retry on its next poll cycle.
func (c *InferenceClient) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.analyze(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*AnalysisResult), nil
}

func (c *InferenceClient) analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling inference service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return &AnalysisResult{Pending: true}, nil
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, payload)
	}

	var result AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding analysis result: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"case_number":   req.CaseNumber,
		"confidence":    result.Confidence,
		"model_version": result.ModelVersion,
	}).Debug("Analysis result received")

	return &result, nil
}
