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
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/coordinator"
)

// TransactionService is the coordinator surface the HTTP layer needs.
type TransactionService interface {
	ExecuteTransaction(ctx context.Context, ops []saga.DomainOperation, tctx saga.TransactionContext, overrides *saga.PlanOverrides) (*saga.TransactionResult, error)
	CancelTransaction(ctx context.Context, transactionID, reason string) error
	GetTransactionStatus(transactionID string) (saga.TransactionState, bool)
	GetTransactionMetrics(transactionID string) (*saga.TransactionMetrics, bool)
	GetTransactionEvents(ctx context.Context, transactionID string, fromVersion int64) ([]saga.DomainEvent, error)
	ListTransactions() []coordinator.TransactionSummary
}

// ExecuteRequest is the body of POST /transactions.
type ExecuteRequest struct {
	Context    saga.TransactionContext `json:"context"`
	Operations []saga.DomainOperation  `json:"operations" binding:"required,min=1"`
	Overrides  *saga.PlanOverrides     `json:"overrides,omitempty"`
}

// CancelRequest is the optional body of POST /transactions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// StatusResponse is the body of GET /transactions/:id.
type StatusResponse struct {
	TransactionID string                `json:"transactionId"`
	State         saga.TransactionState `json:"state"`
}

// TransactionController serves the transaction routes.
type TransactionController struct {
	service TransactionService
}

// NewTransactionController creates a controller backed by service.
func NewTransactionController(service TransactionService) *TransactionController {
	return &TransactionController{service: service}
}

// Execute runs a transaction and replies once it has settled.
// COMPLETED replies 200. Planning rejections reply 422 and every other
// failure 409, both with the full result. The transaction is detached from
// the client connection; a disconnect does not cancel it, the cancel route does.
func (tc *TransactionController) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: saga.ErrCodeValidationError, Error: err.Error()})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	result, err := tc.service.ExecuteTransaction(ctx, req.Operations, req.Context, req.Overrides)
	if result == nil {
		if err == nil {
			err = saga.NewError(saga.ErrCodeInternal, "coordinator returned no result")
		}
		logger.GetLogger().Warn("Transaction rejected",
			zap.String("initiator", req.Context.Initiator),
			zap.Error(err))
		respondError(c, err)
		return
	}

	switch {
	case result.State == saga.StateCompleted:
		c.JSON(http.StatusOK, result)
	case statusFor(err) == http.StatusUnprocessableEntity:
		c.JSON(http.StatusUnprocessableEntity, result)
	default:
		c.JSON(http.StatusConflict, result)
	}
}

// Cancel requests cancellation of a running transaction.
func (tc *TransactionController) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: saga.ErrCodeValidationError, Error: err.Error()})
			return
		}
	}

	id := c.Param("id")
	if err := tc.service.CancelTransaction(c.Request.Context(), id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"transactionId": id, "message": "cancellation requested"})
}

// Status returns the lifecycle state of a transaction.
func (tc *TransactionController) Status(c *gin.Context) {
	id := c.Param("id")
	state, ok := tc.service.GetTransactionStatus(id)
	if !ok {
		respondError(c, saga.NewTransactionNotFoundError(id))
		return
	}
	c.JSON(http.StatusOK, StatusResponse{TransactionID: id, State: state})
}

// Metrics returns the metrics snapshot of a transaction.
func (tc *TransactionController) Metrics(c *gin.Context) {
	id := c.Param("id")
	metrics, ok := tc.service.GetTransactionMetrics(id)
	if !ok {
		respondError(c, saga.NewTransactionNotFoundError(id))
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// Events returns the transaction's persisted events from ?fromVersion= on.
func (tc *TransactionController) Events(c *gin.Context) {
	id := c.Param("id")
	var from int64
	if raw := c.Query("fromVersion"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:  saga.ErrCodeValidationError,
				Error: "fromVersion must be a non-negative integer",
			})
			return
		}
		from = v
	}

	events, err := tc.service.GetTransactionEvents(c.Request.Context(), id, from)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(events) == 0 {
		if _, known := tc.service.GetTransactionStatus(id); !known {
			respondError(c, saga.NewTransactionNotFoundError(id))
			return
		}
	}
	if events == nil {
		events = []saga.DomainEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"transactionId": id, "events": events})
}

// List returns every registered transaction.
func (tc *TransactionController) List(c *gin.Context) {
	summaries := tc.service.ListTransactions()
	if state := c.Query("state"); state != "" {
		want, err := saga.ParseTransactionState(state)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: saga.ErrCodeValidationError, Error: err.Error()})
			return
		}
		filtered := summaries[:0]
		for _, s := range summaries {
			if s.State == want {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}
	if summaries == nil {
		summaries = []coordinator.TransactionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": summaries, "count": len(summaries)})
}
