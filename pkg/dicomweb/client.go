// Package dicomweb is the QIDO/WADO/STOW REST client for source and
// destination endpoints.
package dicomweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/httpclient"
	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	acceptJSON      = "application/dicom+json"
	acceptMultipart = `multipart/related; type="application/dicom"`
)

// StudySummary is one entry of a study listing. ID is the endpoint-local
// identifier (Orthanc-style listings use opaque ids); StudyInstanceUID is the
// global identifier and may require a per-study detail lookup to resolve.
type StudySummary struct {
	ID               string
	StudyInstanceUID string
}

type Client struct {
	base       string
	http       *http.Client
	attempts   int
	retryDelay time.Duration
}

type Option func(*Client)

// WithRetry configures per-call retry attempts with capped exponential
// backoff.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = baseDelay
	}
}

// WithClientCredentials authenticates every request with an OAuth2
// client-credentials token.
func WithClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string) Option {
	return func(c *Client) {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		timeout := c.http.Timeout
		c.http = cc.Client(ctx)
		c.http.Timeout = timeout
	}
}

func New(base string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		http:       httpclient.New(timeout),
		attempts:   1,
		retryDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListStudies enumerates the studies available at the endpoint. Two response
// shapes are understood: QIDO JSON objects carrying the StudyInstanceUID tag
// (0020000D), and bare id arrays that need a per-study detail lookup.
func (c *Client) ListStudies(ctx context.Context) ([]StudySummary, error) {
	var raw []json.RawMessage
	err := c.retry(ctx, func() error {
		body, err := c.get(ctx, c.base+"/studies", acceptJSON)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("listing studies: %w", err)
	}

	var studies []StudySummary
	for _, entry := range raw {
		summary, ok := c.decodeSummary(ctx, entry)
		if !ok {
			continue
		}
		studies = append(studies, summary)
	}
	return studies, nil
}

func (c *Client) decodeSummary(ctx context.Context, entry json.RawMessage) (StudySummary, bool) {
	var id string
	if err := json.Unmarshal(entry, &id); err == nil {
		uid, err := c.studyDetail(ctx, id)
		if err != nil {
			logger.Log.WithError(err).WithField("study_id", id).Warn("failed to resolve study uid")
			return StudySummary{}, false
		}
		return StudySummary{ID: id, StudyInstanceUID: uid}, uid != ""
	}

	var tags map[string]struct {
		Value []string `json:"Value"`
	}
	if err := json.Unmarshal(entry, &tags); err != nil {
		return StudySummary{}, false
	}
	if tag, ok := tags["0020000D"]; ok && len(tag.Value) > 0 && tag.Value[0] != "" {
		return StudySummary{ID: tag.Value[0], StudyInstanceUID: tag.Value[0]}, true
	}
	return StudySummary{}, false
}

// studyDetail resolves an endpoint-local study id to its StudyInstanceUID via
// the per-study detail resource.
func (c *Client) studyDetail(ctx context.Context, id string) (string, error) {
	body, err := c.get(ctx, c.base+"/studies/"+id, acceptJSON)
	if err != nil {
		return "", err
	}

	var detail struct {
		MainDicomTags struct {
			StudyInstanceUID string `json:"StudyInstanceUID"`
		} `json:"MainDicomTags"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return "", fmt.Errorf("decoding study detail: %w", err)
	}
	return detail.MainDicomTags.StudyInstanceUID, nil
}

// RetrieveStudy fetches the study's full content as one (usually multipart)
// body and reports the response content type alongside it.
func (c *Client) RetrieveStudy(ctx context.Context, uid string) (body []byte, contentType string, err error) {
	err = c.retry(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/studies/"+uid, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Accept", acceptMultipart)

		resp, respErr := c.http.Do(req)
		if respErr != nil {
			return respErr
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("endpoint returned %s", resp.Status)
		}

		body, err = io.ReadAll(resp.Body)
		contentType = resp.Header.Get("Content-Type")
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("retrieving study %s: %w", uid, err)
	}
	return body, contentType, nil
}

// StoreStudy pushes a multipart body to the endpoint's store resource. Only
// the response status matters; 409 from a destination that already holds the
// objects is treated as success, which keeps re-delivery idempotent.
func (c *Client) StoreStudy(ctx context.Context, body []byte, contentType string) error {
	err := c.retry(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/studies", bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", contentType)

		resp, respErr := c.http.Do(req)
		if respErr != nil {
			return respErr
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("endpoint returned %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing study: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	return httpclient.Retry(ctx, c.attempts, c.retryDelay, fn)
}
