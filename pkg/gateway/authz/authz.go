// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz decides who may call which tools, and screens tool
// arguments before they are forwarded.
//
// Policy is loaded once at startup from a YAML file. Without a policy file
// the gateway runs open: every caller is anonymous and every tool is
// allowed. Argument limits apply either way.
package authz

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Default argument limits, applied when the policy file does not override
// them.
const (
	DefaultMaxArgumentBytes = 256 * 1024
	DefaultMaxDepth         = 16
	DefaultMaxStringLength  = 64 * 1024
)

// Identity is the resolved caller identity for one request.
type Identity struct {
	// Subject is the principal name, or "anonymous".
	Subject string

	// Anonymous is true when no credential was presented.
	Anonymous bool
}

// Limits bound the shape of tool-call arguments.
type Limits struct {
	MaxArgumentBytes int `yaml:"max_argument_bytes"`
	MaxDepth         int `yaml:"max_depth"`
	MaxStringLength  int `yaml:"max_string_length"`
}

// Principal is one named caller with its credential and tool allow-list.
type Principal struct {
	// Name identifies the principal in logs and error data.
	Name string `yaml:"name"`

	// Token is the bearer credential. Matched verbatim.
	Token string `yaml:"token"`

	// Allow lists permitted tool name patterns: exact names, "backend.*"
	// prefixes, or "*" for everything. Empty means nothing is allowed.
	Allow []string `yaml:"allow"`
}

// Policy is the parsed authorization policy.
type Policy struct {
	// DefaultAllow permits all tools to authenticated principals with no
	// explicit allow-list and to anonymous callers when AnonymousAllow is
	// unset.
	DefaultAllow bool `yaml:"default_allow"`

	// Limits override the built-in argument limits.
	Limits Limits `yaml:"limits"`

	// Principals are the named callers.
	Principals []Principal `yaml:"principals"`

	// AnonymousAllow is the allow-list for callers without a credential.
	AnonymousAllow []string `yaml:"anonymous_allow"`
}

// Authorizer evaluates identities and tool access against a policy.
// Immutable after construction; safe for concurrent use.
type Authorizer struct {
	policy   *Policy
	byToken  map[string]*Principal
	limits   Limits
	openMode bool
}

// NewOpen creates an authorizer with no policy: anonymous access, all tools
// allowed, default argument limits.
func NewOpen() *Authorizer {
	return &Authorizer{
		openMode: true,
		limits: Limits{
			MaxArgumentBytes: DefaultMaxArgumentBytes,
			MaxDepth:         DefaultMaxDepth,
			MaxStringLength:  DefaultMaxStringLength,
		},
	}
}

// New creates an authorizer from a parsed policy.
func New(p *Policy) *Authorizer {
	limits := p.Limits
	if limits.MaxArgumentBytes <= 0 {
		limits.MaxArgumentBytes = DefaultMaxArgumentBytes
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	if limits.MaxStringLength <= 0 {
		limits.MaxStringLength = DefaultMaxStringLength
	}

	byToken := make(map[string]*Principal, len(p.Principals))
	for i := range p.Principals {
		pr := &p.Principals[i]
		if pr.Token != "" {
			byToken[pr.Token] = pr
		}
	}

	return &Authorizer{
		policy:  p,
		byToken: byToken,
		limits:  limits,
	}
}

// LoadPolicyFile parses the YAML policy at path and builds an authorizer.
func LoadPolicyFile(path string) (*Authorizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	logger.Infow("Loaded authorization policy",
		"principals", len(p.Principals), "default_allow", p.DefaultAllow)
	return New(&p), nil
}

// Limits returns the effective argument limits.
func (a *Authorizer) Limits() Limits {
	return a.limits
}

// Authenticate resolves the caller identity from the request. An unknown
// bearer token is rejected; a missing credential yields the anonymous
// identity.
func (a *Authorizer) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{Subject: "anonymous", Anonymous: true}, nil
	}
	if a.openMode {
		// Open mode has no principal table; credentials are accepted and
		// recorded as the subject.
		return Identity{Subject: "token"}, nil
	}

	pr, ok := a.byToken[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown credential", gateway.ErrForbidden)
	}
	return Identity{Subject: pr.Name}, nil
}

// Authorize checks whether the identity may call the named tool.
func (a *Authorizer) Authorize(id Identity, toolName string) error {
	if a.openMode {
		return nil
	}

	var allow []string
	switch {
	case id.Anonymous:
		allow = a.policy.AnonymousAllow
	default:
		pr := a.principalByName(id.Subject)
		if pr == nil {
			return fmt.Errorf("%w: unknown principal %s", gateway.ErrForbidden, id.Subject)
		}
		allow = pr.Allow
	}

	if len(allow) == 0 {
		if a.policy.DefaultAllow {
			return nil
		}
		return fmt.Errorf("%w: %s may not call %s", gateway.ErrForbidden, id.Subject, toolName)
	}

	for _, pattern := range allow {
		if matchTool(pattern, toolName) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not call %s", gateway.ErrForbidden, id.Subject, toolName)
}

// CheckArguments screens a raw arguments object against the size, depth and
// string-length limits. Violations map to invalid-params.
func (a *Authorizer) CheckArguments(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > a.limits.MaxArgumentBytes {
		return fmt.Errorf("%w: arguments exceed %d bytes", gateway.ErrInvalidParams, a.limits.MaxArgumentBytes)
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: arguments are not valid JSON", gateway.ErrInvalidParams)
	}
	return a.checkValue(gjson.ParseBytes(raw), 0)
}

func (a *Authorizer) checkValue(v gjson.Result, depth int) error {
	if depth > a.limits.MaxDepth {
		return fmt.Errorf("%w: arguments nested deeper than %d levels", gateway.ErrInvalidParams, a.limits.MaxDepth)
	}

	switch v.Type {
	case gjson.String:
		if len(v.Str) > a.limits.MaxStringLength {
			return fmt.Errorf("%w: string argument exceeds %d characters", gateway.ErrInvalidParams, a.limits.MaxStringLength)
		}
	case gjson.JSON:
		var inner error
		v.ForEach(func(_, child gjson.Result) bool {
			inner = a.checkValue(child, depth+1)
			return inner == nil
		})
		return inner
	}
	return nil
}

func (a *Authorizer) principalByName(name string) *Principal {
	for i := range a.policy.Principals {
		if a.policy.Principals[i].Name == name {
			return &a.policy.Principals[i]
		}
	}
	return nil
}

// matchTool matches a policy pattern against an exposed tool name. Patterns
// are exact names, "prefix.*" wildcards, or "*".
func matchTool(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return pattern == name
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
