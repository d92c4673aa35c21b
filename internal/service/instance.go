package service

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/remote"
)

// InstanceProber fetches the public descriptor of an instance.
type InstanceProber interface {
	InstanceInfo(ctx context.Context, origin string) (*remote.Instance, error)
}

// InstanceValidator normalizes user-supplied instance input and confirms
// the target identifies itself as a NeoDB instance.
type InstanceValidator struct {
	prober  InstanceProber
	allowed map[string]struct{}
}

// NewInstanceValidator constructs a validator. An empty allow-list admits any host.
func NewInstanceValidator(prober InstanceProber, allowed []string) *InstanceValidator {
	v := &InstanceValidator{prober: prober}
	if len(allowed) > 0 {
		v.allowed = make(map[string]struct{}, len(allowed))
		for _, h := range allowed {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				v.allowed[h] = struct{}{}
			}
		}
	}
	return v
}

// Allows reports whether host passes the allow-list.
func (v *InstanceValidator) Allows(host string) bool {
	if v.allowed == nil {
		return true
	}
	_, ok := v.allowed[strings.ToLower(host)]
	return ok
}

// NormalizeInstance turns a bare host or URL into a canonical origin URL.
// Only scheme and host are kept, both lower-cased; https is assumed when absent.
func NormalizeInstance(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.E(errs.InstanceRequired, nil)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.E(errs.InvalidInstance, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errs.E(errs.InvalidInstance, errors.New("unsupported scheme "+u.Scheme))
	}
	if u.Host == "" || u.User != nil {
		return nil, errs.E(errs.InvalidInstance, errors.New("missing host"))
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(u.Host)}, nil
}

// Validate normalizes raw and probes the instance descriptor.
func (v *InstanceValidator) Validate(ctx context.Context, raw string) (*url.URL, error) {
	u, err := NormalizeInstance(raw)
	if err != nil {
		return nil, err
	}
	if !v.Allows(u.Hostname()) {
		return nil, errs.E(errs.InvalidInstance, errors.New("instance not allowed"))
	}
	info, err := v.prober.InstanceInfo(ctx, u.String())
	if err != nil {
		return nil, errs.E(errs.InvalidInstance, err)
	}
	if !strings.Contains(strings.ToLower(info.Version), "neodb") {
		return nil, errs.E(errs.NotANeoDBInstance, nil)
	}
	return u, nil
}
