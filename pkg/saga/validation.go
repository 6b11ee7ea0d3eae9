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

package saga

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the retry policy.
func (p RetryPolicy) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return toValidationError("retry policy", err)
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return NewValidationError("retry policy: baseDelay must not exceed maxDelay")
	}
	return nil
}

// Validate checks the operation's required fields and nested retry policy.
func (o DomainOperation) Validate() error {
	if err := validatorInstance().Struct(o); err != nil {
		return toValidationError("operation "+o.ID(), err)
	}
	if strings.Contains(o.Domain, ":") {
		return NewValidationError(fmt.Sprintf("operation %s: domain must not contain ':'", o.ID()))
	}
	if o.RetryPolicy != nil {
		if err := o.RetryPolicy.Validate(); err != nil {
			return WrapError(err, ErrCodeValidationError, "operation "+o.ID())
		}
	}
	return nil
}

// Validate checks the transaction context.
func (c TransactionContext) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return toValidationError("transaction context", err)
	}
	return nil
}

func toValidationError(subject string, err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapError(err, ErrCodeValidationError, subject)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return NewValidationError(fmt.Sprintf("%s: %s", subject, strings.Join(fields, ", "))).
		WithDetail("fields", fields)
}
