package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
)

// HTTPTransport talks to the remote store over its JSON API. Transient
// failures (network errors, 5xx) are retried a few times with jittered
// exponential backoff; the longer-range retry budget lives in the queue.
type HTTPTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client

	retryBase     time.Duration
	retryAttempts uint64
}

// NewHTTPTransport creates a transport against baseURL, authenticating with
// the given bearer token.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		retryBase:     200 * time.Millisecond,
		retryAttempts: 2,
	}
}

type pushRequest struct {
	Record      *RemoteRecord `json:"record"`
	BaseVersion int           `json:"base_version"`
}

type pushResponse struct {
	Version   int   `json:"version"`
	UpdatedAt int64 `json:"updated_at"`
}

type pullResponse struct {
	Records []*RemoteRecord `json:"records"`
	Cursor  int64           `json:"cursor"`
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, rec *RemoteRecord) (int, error) {
	body, err := json.Marshal(pushRequest{Record: rec, BaseVersion: rec.Version - 1})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}

	var accepted int
	err = t.withRetry(ctx, func(ctx context.Context) error {
		req, err := t.newRequest(ctx, http.MethodPut,
			fmt.Sprintf("/v1/records/%s", url.PathEscape(rec.ID.String())), bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(apperrors.Wrap(apperrors.ErrTransport, "push failed", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var out pushResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return apperrors.Wrap(apperrors.ErrTransport, "malformed push response", err)
			}
			accepted = out.Version
			return nil
		case resp.StatusCode == http.StatusConflict:
			var out pushResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return apperrors.Wrap(apperrors.ErrTransport, "malformed conflict response", err)
			}
			return &VersionConflictError{RemoteVersion: out.Version, RemoteUpdatedAt: out.UpdatedAt}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return apperrors.Newf(apperrors.ErrValidation, "remote rejected record: %s", readErrorBody(resp.Body))
		default:
			return retry.RetryableError(
				apperrors.Newf(apperrors.ErrTransport, "push returned status %d", resp.StatusCode))
		}
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

// Head implements Transport.
func (t *HTTPTransport) Head(ctx context.Context, recordID models.UUID) (int, int64, error) {
	var version int
	var updatedAt int64

	err := t.withRetry(ctx, func(ctx context.Context) error {
		req, err := t.newRequest(ctx, http.MethodGet,
			fmt.Sprintf("/v1/records/%s/version", url.PathEscape(recordID.String())), nil)
		if err != nil {
			return err
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(apperrors.Wrap(apperrors.ErrTransport, "head failed", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var out pushResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return apperrors.Wrap(apperrors.ErrTransport, "malformed head response", err)
			}
			version, updatedAt = out.Version, out.UpdatedAt
			return nil
		case resp.StatusCode == http.StatusNotFound:
			version, updatedAt = 0, 0
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(
				apperrors.Newf(apperrors.ErrTransport, "head returned status %d", resp.StatusCode))
		default:
			return apperrors.Newf(apperrors.ErrTransport, "head returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return 0, 0, err
	}
	return version, updatedAt, nil
}

// Pull implements Transport.
func (t *HTTPTransport) Pull(ctx context.Context, ownerID models.UUID, cursor int64) ([]*RemoteRecord, int64, error) {
	var out pullResponse

	err := t.withRetry(ctx, func(ctx context.Context) error {
		q := url.Values{}
		q.Set("owner", ownerID.String())
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		req, err := t.newRequest(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(apperrors.Wrap(apperrors.ErrTransport, "pull failed", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(
				apperrors.Newf(apperrors.ErrTransport, "pull returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return apperrors.Newf(apperrors.ErrTransport, "pull returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperrors.Wrap(apperrors.ErrTransport, "malformed pull response", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if out.Cursor == 0 {
		out.Cursor = cursor
	}
	return out.Records, out.Cursor, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req, nil
}

func (t *HTTPTransport) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(t.retryBase)
	backoff = retry.WithMaxRetries(t.retryAttempts, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	return retry.Do(ctx, backoff, fn)
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "no detail"
	}
	return string(b)
}
