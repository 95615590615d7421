// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
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

package internal

import (
	"encoding/json"
	"errors"
)

// ErrUnsupportedSerializer is returned when the configuration names a
// serializer this Go port cannot provide. "pkl" names Python's pickle
// format, which has no portable Go representation; see DESIGN.md.
var ErrUnsupportedSerializer = errors.New("unsupported serializer")

// Serializer turns values bound for the event log, the Context Store, or
// output storage into bytes and back. Only json is implemented here.
type Serializer interface {
	Marshal(value interface{}) ([]byte, error)
	Unmarshal(data []byte, valuePtr interface{}) error
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonSerializer) Unmarshal(data []byte, valuePtr interface{}) error {
	return json.Unmarshal(data, valuePtr)
}

// JSONSerializer is the default Serializer.
var JSONSerializer Serializer = jsonSerializer{}

// NewSerializer resolves a configured serializer name to an
// implementation.
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSONSerializer, nil
	default:
		return nil, ErrUnsupportedSerializer
	}
}
