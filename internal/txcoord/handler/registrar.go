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

package handler

import (
	"github.com/gin-gonic/gin"
)

// Registrar mounts the coordinator API on a router group.
type Registrar struct {
	transactions *TransactionController
	monitor      *MonitorController
	stream       gin.HandlerFunc
}

// NewRegistrar creates a registrar. monitor and stream may be nil.
func NewRegistrar(service TransactionService, monitor MonitorService, stream gin.HandlerFunc) *Registrar {
	r := &Registrar{transactions: NewTransactionController(service), stream: stream}
	if monitor != nil {
		r.monitor = NewMonitorController(monitor)
	}
	return r
}

// RegisterRoutes mounts the routes under rg.
func (r *Registrar) RegisterRoutes(rg *gin.RouterGroup) {
	tx := rg.Group("/transactions")
	{
		tx.GET("", r.transactions.List)
		tx.POST("", r.transactions.Execute)
		tx.GET("/:id", r.transactions.Status)
		tx.POST("/:id/cancel", r.transactions.Cancel)
		tx.GET("/:id/metrics", r.transactions.Metrics)
		tx.GET("/:id/events", r.transactions.Events)
	}

	if r.monitor == nil && r.stream == nil {
		return
	}
	mon := rg.Group("/monitor")
	if r.monitor != nil {
		mon.GET("/metrics", r.monitor.Metrics)
		mon.GET("/alerts", r.monitor.Alerts)
	}
	if r.stream != nil {
		mon.GET("/stream", r.stream)
	}
}

// GetName returns the registrar name.
func (r *Registrar) GetName() string {
	return "transaction-api"
}

// GetVersion returns the API version.
func (r *Registrar) GetVersion() string {
	return "v1"
}
