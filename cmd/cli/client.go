package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/and161185/neodb-bridge/internal/convert"
	"github.com/and161185/neodb-bridge/internal/errs"
)

// apiError is a decoded JSON error response.
type apiError struct {
	Status  int
	Code    errs.Code
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.Status)
}

func isCode(err error, code errs.Code) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Code == code
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func newAPIClient(base, caPath string, insecure bool, token string) (*apiClient, error) {
	tc, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tc
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second, Transport: tr},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode, Code: errs.Internal}
		var ev convert.ErrorView
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ev) == nil && ev.Error != "" {
			ae.Code, ae.Message = ev.Error, ev.Message
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) startHarvest(ctx context.Context, year int) (string, error) {
	var v convert.StartView
	err := c.do(ctx, http.MethodPost, "/api/harvest/marks", convert.StartRequest{Year: year}, &v)
	return v.ID, err
}

func (c *apiClient) stepHarvest(ctx context.Context, id string) (convert.StepView, error) {
	var v convert.StepView
	err := c.do(ctx, http.MethodPost, "/api/harvest/marks/"+id+"/step", nil, &v)
	return v, err
}

func (c *apiClient) harvestStatus(ctx context.Context, id string) (convert.TaskView, error) {
	var v convert.TaskView
	err := c.do(ctx, http.MethodGet, "/api/harvest/marks/"+id, nil, &v)
	return v, err
}

func (c *apiClient) finalizeHarvest(ctx context.Context, id string) (int, error) {
	var v convert.FinalizeView
	err := c.do(ctx, http.MethodDelete, "/api/harvest/marks/"+id, nil, &v)
	return v.TotalCollected, err
}

func (c *apiClient) reveal(ctx context.Context) (string, error) {
	var v convert.RevealView
	err := c.do(ctx, http.MethodPost, "/api/auth/neodb/token/reveal", nil, &v)
	return v.AccessToken, err
}

func (c *apiClient) signOut(ctx context.Context) (convert.SweepView, error) {
	var v convert.SweepView
	err := c.do(ctx, http.MethodPost, "/api/auth/sign-out", nil, &v)
	return v, err
}
