// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/consul/api"
)

// Resolver locates the base URL of a domain service at dispatch time.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// ErrNoInstance is returned when discovery knows no healthy instance of a domain.
var ErrNoInstance = errors.New("no healthy service instance")

// ConsulConfig configures Consul based endpoint discovery.
type ConsulConfig struct {
	// Address of the Consul agent; empty uses the client default.
	Address    string `mapstructure:"address"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	// ServicePrefix is prepended to the domain name to form the service name.
	ServicePrefix string `mapstructure:"service_prefix"`
	// Services overrides the service name per domain.
	Services map[string]string `mapstructure:"services"`
	Tag      string            `mapstructure:"tag"`
	// Scheme of the domain services themselves; "http" by default.
	Scheme string `mapstructure:"scheme" validate:"omitempty,oneof=http https"`
}

// ConsulResolver resolves domains to healthy Consul service instances,
// rotating round-robin between them.
type ConsulResolver struct {
	client *api.Client
	config ConsulConfig

	mu   sync.Mutex
	next map[string]int
}

// NewConsulResolver creates a resolver talking to the configured agent.
func NewConsulResolver(config ConsulConfig) (*ConsulResolver, error) {
	cfg := api.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	if config.Datacenter != "" {
		cfg.Datacenter = config.Datacenter
	}
	if config.Token != "" {
		cfg.Token = config.Token
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	return &ConsulResolver{client: client, config: config, next: make(map[string]int)}, nil
}

// ServiceName returns the Consul service registered for domain.
func (r *ConsulResolver) ServiceName(domain string) string {
	if name, ok := r.config.Services[domain]; ok && name != "" {
		return name
	}
	return r.config.ServicePrefix + domain
}

// Resolve implements Resolver.
func (r *ConsulResolver) Resolve(ctx context.Context, domain string) (string, error) {
	name := r.ServiceName(domain)
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(name, r.config.Tag, true, q)
	if err != nil {
		return "", fmt.Errorf("consul lookup of %s failed: %w", name, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstance, name)
	}

	r.mu.Lock()
	idx := r.next[name] % len(entries)
	r.next[name]++
	r.mu.Unlock()

	entry := entries[idx]
	host := entry.Service.Address
	if host == "" && entry.Node != nil {
		host = entry.Node.Address
	}
	return fmt.Sprintf("%s://%s", r.config.Scheme, net.JoinHostPort(host, strconv.Itoa(entry.Service.Port))), nil
}

var _ Resolver = (*ConsulResolver)(nil)
