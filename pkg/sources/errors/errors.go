/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import "fmt"

// SourceReadErr represents any source read related error
type SourceReadErr struct {
	File      string
	Message   string
	Retryable bool
}

// NewSourceReadErr wraps err as a read error of file.
func NewSourceReadErr(file string, retryable bool, format string, args ...any) *SourceReadErr {
	return &SourceReadErr{File: file, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

func (e *SourceReadErr) Error() string {
	return fmt.Sprintf("source file %s: %s", e.File, e.Message)
}

func (e *SourceReadErr) Is(target error) bool {
	return target.Error() == e.Error()
}

// IsRetryable is true if the error is retryable
func (e *SourceReadErr) IsRetryable() bool {
	return e.Retryable
}
