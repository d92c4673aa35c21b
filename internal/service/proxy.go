package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// MaxProxyBody caps request bodies relayed to an instance.
const MaxProxyBody = 1 << 20

// Forwarder relays one authenticated request to an instance.
type Forwarder interface {
	Forward(ctx context.Context, origin, token string, req remote.ForwardRequest) (*remote.ForwardResponse, error)
}

// HostPolicy decides which instance hosts may be reached.
type HostPolicy interface {
	Allows(host string) bool
}

var (
	proxyMethods = map[string]bool{
		http.MethodGet:    false,
		http.MethodDelete: false,
		http.MethodPost:   true,
		http.MethodPut:    true,
		http.MethodPatch:  true,
	}
	errBadProxyPath = errors.New("invalid path")
)

// APIProxy forwards a signed-in user's API calls to the instance of their
// linked account using the stored access token.
type APIProxy struct {
	accounts TokenSource
	fwd      Forwarder
	hosts    HostPolicy
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewAPIProxy constructs a proxy.
func NewAPIProxy(accounts TokenSource, fwd Forwarder, hosts HostPolicy, m *metrics.Metrics, log *zap.Logger) *APIProxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIProxy{accounts: accounts, fwd: fwd, hosts: hosts, metrics: m, log: log}
}

// ProxyPath validates an instance API path. It must stay under /api/ and
// contain neither ".." nor "//", checked after unescaping.
func ProxyPath(p string) (string, error) {
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return "", errBadProxyPath
	}
	if !strings.HasPrefix(unescaped, "/api/") || strings.Contains(unescaped, "..") || strings.Contains(unescaped, "//") {
		return "", errBadProxyPath
	}
	return unescaped, nil
}

// Forward relays req for userID. The instance's status and body are passed
// back unchanged; only local failures become coded errors.
func (p *APIProxy) Forward(ctx context.Context, userID uuid.UUID, req remote.ForwardRequest) (*remote.ForwardResponse, error) {
	if userID == uuid.Nil {
		return nil, p.reject(errs.Unauthorized, nil)
	}
	withBody, ok := proxyMethods[req.Method]
	if !ok {
		return nil, p.reject(errs.InvalidRequest, errors.New("method not allowed"))
	}
	path, err := ProxyPath(req.Path)
	if err != nil {
		return nil, p.reject(errs.InvalidRequest, err)
	}
	req.Path = path
	if !withBody {
		req.Body, req.ContentType = nil, ""
	}
	if len(req.Body) > MaxProxyBody {
		return nil, p.reject(errs.PayloadTooLarge, nil)
	}

	acc, err := p.accounts.GetForUser(ctx, userID, model.ProviderNeoDB)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, p.reject(errs.ReauthRequired, err)
		}
		return nil, p.reject(errs.DatabaseUnavailable, err)
	}
	if !acc.HasUsableToken() || IsTombstone(acc.AccessToken) {
		return nil, p.reject(errs.ReauthRequired, nil)
	}
	origin, ok := AccountOrigin(*acc)
	if !ok {
		return nil, p.reject(errs.Internal, errors.New("account has no instance"))
	}
	u, err := url.Parse(origin)
	if err != nil || !p.hosts.Allows(u.Hostname()) {
		p.log.Warn("proxy blocked instance", zap.String("account", acc.ID.String()))
		return nil, p.reject(errs.InvalidInstance, errors.New("instance not allowed"))
	}

	resp, err := p.fwd.Forward(ctx, origin, acc.AccessToken, req)
	if err != nil {
		p.log.Warn("proxy request failed",
			zap.String("instance", u.Host),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return nil, p.reject(errs.RemoteAPIError, err)
	}
	p.metrics.Proxy("ok")
	return resp, nil
}

func (p *APIProxy) reject(code errs.Code, cause error) error {
	p.metrics.Proxy(string(code))
	return errs.E(code, cause)
}
