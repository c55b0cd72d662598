package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ListModels fetches the gateway's model list (GET /models).
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := c.newRequest(callCtx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &ClassifiedError{
			Type:    ErrMalformedResponse,
			Message: fmt.Sprintf("parse model list: %v", err),
		}
	}
	return list.Data, nil
}

// ValidateKey checks the configured API key against the gateway
// (GET /auth/key). A rejected key yields an ErrAuth classified error.
func (c *Client) ValidateKey(ctx context.Context) error {
	if c.apiKey == "" {
		return &ClassifiedError{Type: ErrAuth, Message: "no API key configured"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := c.newRequest(callCtx, http.MethodGet, "/auth/key", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp)
	}
	return nil
}
