package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (e.g. the OpenAI client) should depend on this interface rather
// than the concrete *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// maxBatch is the SSM limit of names per GetParameters call.
const maxBatch = 10

type cached struct {
	value     string
	fetchedAt time.Time
}

// Client wraps an AWS SSM API for parameter retrieval. Values are cached for
// ttl; a zero ttl caches for the process lifetime.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// Option configures a Client.
type Option func(*Client)

// WithCacheTTL bounds how long a fetched value is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api, now: time.Now, cache: make(map[string]cached)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[name]
	if !ok || (c.ttl > 0 && c.now().Sub(e.fetchedAt) >= c.ttl) {
		return "", false
	}
	return e.value, true
}

func (c *Client) store(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]cached)
	}
	c.cache[name] = cached{value: value, fetchedAt: c.now()}
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.lookup(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	c.store(name, *out.Parameter.Value)
	return *out.Parameter.Value, nil
}

// GetParameters fetches several parameters, batching uncached names. Names
// unknown to SSM are reported together in one error.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	out := make(map[string]string, len(names))
	var missing []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("paramstore: name is required")
		}
		if v, ok := c.lookup(n); ok {
			out[n] = v
			continue
		}
		missing = append(missing, n)
	}

	withDecryption := true
	var invalid []string
	for start := 0; start < len(missing); start += maxBatch {
		end := min(start+maxBatch, len(missing))
		res, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          missing[start:end],
			WithDecryption: &withDecryption,
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if res == nil {
			return nil, errors.New("paramstore: empty get parameters response")
		}
		for _, p := range res.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			out[*p.Name] = *p.Value
			c.store(*p.Name, *p.Value)
		}
		invalid = append(invalid, res.InvalidParameters...)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("paramstore: unknown parameters: %s", strings.Join(invalid, ", "))
	}
	return out, nil
}

// Invalidate drops cached values so the next read goes to SSM.
func (c *Client) Invalidate(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		c.cache = make(map[string]cached)
		return
	}
	for _, n := range names {
		delete(c.cache, strings.TrimSpace(n))
	}
}
