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
	"encoding/json"
	"sync"
)

// OrderedResults maps operation ids to their results, preserving insertion order.
// It is safe for concurrent use.
type OrderedResults struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]interface{}
}

// NewOrderedResults creates an empty OrderedResults.
func NewOrderedResults() *OrderedResults {
	return &OrderedResults{values: make(map[string]interface{})}
}

// Set records a result. Re-setting an existing key keeps its original position.
func (r *OrderedResults) Set(id string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[id]; !ok {
		r.keys = append(r.keys, id)
	}
	r.values[id] = value
}

// Get returns the result recorded for id.
func (r *OrderedResults) Get(id string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[id]
	return v, ok
}

// Len returns the number of recorded results.
func (r *OrderedResults) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Keys returns the ids in insertion order.
func (r *OrderedResults) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// ResultEntry is one id/value pair.
type ResultEntry struct {
	ID    string
	Value interface{}
}

// Entries returns a snapshot in insertion order.
func (r *OrderedResults) Entries() []ResultEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResultEntry, len(r.keys))
	for i, k := range r.keys {
		out[i] = ResultEntry{ID: k, Value: r.values[k]}
	}
	return out
}

// Reversed returns a snapshot in reverse insertion order.
func (r *OrderedResults) Reversed() []ResultEntry {
	entries := r.Entries()
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// MarshalJSON encodes the results as a JSON object with keys in insertion order.
func (r *OrderedResults) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	entries := r.Entries()
	buf := []byte{'{'}
	for i, e := range entries {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(e.ID)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}
