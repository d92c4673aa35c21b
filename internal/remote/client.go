// Package remote talks to NeoDB-family instances over their Mastodon-compatible HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const userAgent = "neodb-bridge/1.0"

// ErrAccessTokenMissing is returned when a token response lacks access_token.
var ErrAccessTokenMissing = errors.New("token response missing access_token")

// StatusError is a non-2xx answer from a remote instance.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s %s: status %d", e.Method, e.URL, e.Status)
}

// Client performs requests against arbitrary instance origins.
type Client struct {
	http    *http.Client
	appName string
	scope   string
	website string
}

// New constructs a client. A nil httpClient gets a 15s timeout default.
func New(httpClient *http.Client, appName, scope, website string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: httpClient, appName: appName, scope: scope, website: website}
}

// Scope returns the OAuth scope requested from instances.
func (c *Client) Scope() string { return c.scope }

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: req.Method, URL: req.URL.Path, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, u, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

// Instance is the subset of /api/v2/instance used for identification.
type Instance struct {
	Domain  string `json:"domain"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// InstanceInfo fetches the instance descriptor.
func (c *Client) InstanceInfo(ctx context.Context, origin string) (*Instance, error) {
	var out Instance
	if err := c.get(ctx, origin+"/api/v2/instance", "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// App is the result of dynamic client registration.
type App struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RegisterApp registers this service as an OAuth application on origin.
func (c *Client) RegisterApp(ctx context.Context, origin, redirectURI string) (*App, error) {
	form := url.Values{
		"client_name":   {c.appName},
		"redirect_uris": {redirectURI},
		"scopes":        {c.scope},
	}
	if c.website != "" {
		form.Set("website", c.website)
	}
	var out App
	if err := c.postForm(ctx, origin+"/api/v1/apps", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OAuthConfig builds the authorization-code configuration for one instance.
func (c *Client) OAuthConfig(origin, clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{c.scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   origin + "/oauth/authorize",
			TokenURL:  origin + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Exchange trades an authorization code and PKCE verifier for a token.
// Non-2xx answers surface as *oauth2.RetrieveError.
func (c *Client) Exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) && strings.Contains(err.Error(), "missing access_token") {
			return nil, ErrAccessTokenMissing
		}
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, ErrAccessTokenMissing
	}
	return tok, nil
}

// Revoke invalidates a token on origin.
func (c *Client) Revoke(ctx context.Context, origin, clientID, clientSecret, token string) error {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"token":         {token},
	}
	return c.postForm(ctx, origin+"/oauth/revoke", form, nil)
}

// ExternalAccount is a linked identity advertised on a remote profile.
type ExternalAccount struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
	URL      string `json:"url,omitempty"`
}

// Profile is the authenticated user's remote profile.
type Profile struct {
	URL              string            `json:"url"`
	Username         string            `json:"username"`
	DisplayName      string            `json:"display_name"`
	Avatar           string            `json:"avatar"`
	ExternalAccounts []ExternalAccount `json:"external_accounts"`
}

// Me fetches the profile of the token's owner.
func (c *Client) Me(ctx context.Context, origin, token string) (*Profile, error) {
	var out Profile
	if err := c.get(ctx, origin+"/api/me", token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Item is a catalogue entry embedded in a shelf mark.
type Item struct {
	UUID          string `json:"uuid"`
	URL           string `json:"url"`
	DisplayTitle  string `json:"display_title"`
	Category      string `json:"category"`
	CoverImageURL string `json:"cover_image_url"`
}

// ShelfMark is one record of a shelf page, newest first.
type ShelfMark struct {
	ShelfType   string    `json:"shelf_type"`
	Item        Item      `json:"item"`
	CreatedTime time.Time `json:"created_time"`
	CommentText string    `json:"comment_text"`
	RatingGrade *int      `json:"rating_grade"`
	Tags        []string  `json:"tags"`
}

// ShelfPage is one page of a shelf listing.
type ShelfPage struct {
	Data  []ShelfMark `json:"data"`
	Pages int         `json:"pages"`
	Count int         `json:"count"`
}

// Shelf fetches page (1-based) of a shelf category.
func (c *Client) Shelf(ctx context.Context, origin, token, category string, page int) (*ShelfPage, error) {
	u := origin + "/api/me/shelf/" + url.PathEscape(category) + "?page=" + strconv.Itoa(page)
	var out ShelfPage
	if err := c.get(ctx, u, token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MaxForwardResponse caps the body read back from a forwarded request.
const MaxForwardResponse = 8 << 20

// ForwardRequest is an API call relayed on behalf of a linked account.
type ForwardRequest struct {
	Method      string
	Path        string
	RawQuery    string
	ContentType string
	Body        []byte
}

// ForwardResponse is the instance's answer, whatever its status.
type ForwardResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Forward sends req to origin with the account's bearer token. Non-2xx
// answers are returned as responses, not errors.
func (c *Client) Forward(ctx context.Context, origin, token string, fr ForwardRequest) (*ForwardResponse, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	u.Path = fr.Path
	u.RawQuery = fr.RawQuery

	var body io.Reader
	if fr.Body != nil {
		body = bytes.NewReader(fr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, fr.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if fr.ContentType != "" {
		req.Header.Set("Content-Type", fr.ContentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxForwardResponse))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fr.Path, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &ForwardResponse{Status: resp.StatusCode, ContentType: ct, Body: data}, nil
}
