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

package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
)

// MetricsSource supplies the metrics pushed to stream clients.
type MetricsSource interface {
	Metrics() RealtimeMetrics
}

// RealtimePusher streams metrics snapshots to clients via Server-Sent Events.
type RealtimePusher struct {
	source MetricsSource

	updateInterval time.Duration
	bufferSize     int

	mu      sync.RWMutex
	clients map[string]*sseClient
	nextID  int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type sseClient struct {
	id      string
	channel chan *MetricsUpdate
	ctx     context.Context
	cancel  context.CancelFunc
}

// MetricsUpdate is one pushed snapshot.
type MetricsUpdate struct {
	Type      string          `json:"type"`
	Data      RealtimeMetrics `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RealtimePusherConfig contains configuration for the real-time pusher.
type RealtimePusherConfig struct {
	// UpdateInterval is how often to broadcast metrics updates (default: 2s).
	UpdateInterval time.Duration

	// BufferSize is the channel buffer size for each client (default: 10).
	BufferSize int
}

// DefaultRealtimePusherConfig returns default configuration.
func DefaultRealtimePusherConfig() *RealtimePusherConfig {
	return &RealtimePusherConfig{
		UpdateInterval: 2 * time.Second,
		BufferSize:     10,
	}
}

// NewRealtimePusher creates a pusher reading from source.
func NewRealtimePusher(source MetricsSource, config *RealtimePusherConfig) *RealtimePusher {
	if config == nil {
		config = DefaultRealtimePusherConfig()
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 2 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10
	}
	return &RealtimePusher{
		source:         source,
		updateInterval: config.UpdateInterval,
		bufferSize:     config.BufferSize,
		clients:        make(map[string]*sseClient),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins broadcasting metrics updates to connected clients.
func (rp *RealtimePusher) Start() {
	logger.GetLogger().Info("Starting real-time metrics pusher",
		zap.Duration("update_interval", rp.updateInterval))
	go rp.broadcastLoop()
}

// Stop halts broadcasting and disconnects all clients. Start must have been called.
func (rp *RealtimePusher) Stop() {
	rp.stopOnce.Do(func() {
		close(rp.stopCh)
		<-rp.doneCh

		rp.mu.Lock()
		for _, client := range rp.clients {
			client.cancel()
		}
		rp.mu.Unlock()
		logger.GetLogger().Info("Real-time metrics pusher stopped")
	})
}

// HandleSSE streams updates to the requesting client until it disconnects.
//
//	curl -N http://localhost:8080/api/v1/monitor/stream
func (rp *RealtimePusher) HandleSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(c.Request.Context())
	rp.mu.Lock()
	rp.nextID++
	client := &sseClient{
		id:      fmt.Sprintf("client-%d", rp.nextID),
		channel: make(chan *MetricsUpdate, rp.bufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	rp.clients[client.id] = client
	total := len(rp.clients)
	rp.mu.Unlock()

	logger.GetLogger().Debug("SSE client connected",
		zap.String("client_id", client.id),
		zap.Int("total_clients", total))

	defer func() {
		rp.mu.Lock()
		delete(rp.clients, client.id)
		remaining := len(rp.clients)
		rp.mu.Unlock()
		cancel()
		logger.GetLogger().Debug("SSE client disconnected",
			zap.String("client_id", client.id),
			zap.Int("remaining_clients", remaining))
	}()

	// Send the current state right away instead of waiting for the first tick.
	rp.write(c, &MetricsUpdate{Type: "metrics", Data: rp.source.Metrics(), Timestamp: time.Now()})

	for {
		select {
		case update := <-client.channel:
			if !rp.write(c, update) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (rp *RealtimePusher) write(c *gin.Context, update *MetricsUpdate) bool {
	data, err := json.Marshal(update)
	if err != nil {
		logger.GetLogger().Error("Failed to marshal metrics update", zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (rp *RealtimePusher) broadcastLoop() {
	ticker := time.NewTicker(rp.updateInterval)
	defer ticker.Stop()
	defer close(rp.doneCh)

	for {
		select {
		case <-ticker.C:
			rp.broadcast(&MetricsUpdate{
				Type:      "metrics",
				Data:      rp.source.Metrics(),
				Timestamp: time.Now(),
			})
		case <-rp.stopCh:
			return
		}
	}
}

// broadcast sends update to every client without blocking; full clients miss it.
func (rp *RealtimePusher) broadcast(update *MetricsUpdate) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	for _, client := range rp.clients {
		select {
		case client.channel <- update:
		default:
			logger.GetLogger().Warn("Client channel full, skipping update",
				zap.String("client_id", client.id))
		}
	}
}

// ConnectedClients returns the number of connected SSE clients.
func (rp *RealtimePusher) ConnectedClients() int {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return len(rp.clients)
}
