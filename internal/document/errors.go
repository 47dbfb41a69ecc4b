/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

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

package document

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReservedKey reports a document field that starts with an
	// underscore. Such fields are reserved for store bookkeeping.
	ErrReservedKey = errors.New("reserved document key")

	// ErrConflict reports a revision mismatch between the submitted
	// document and the stored one.
	ErrConflict = errors.New("document revision conflict")

	// ErrUnavailable reports that the underlying store could not be
	// reached. Batches failing with this error are retried.
	ErrUnavailable = errors.New("document store unavailable")

	// ErrNotFound reports a missing document or database.
	ErrNotFound = errors.New("document not found")

	// ErrUnknownView reports a query against a view that was never defined.
	ErrUnknownView = errors.New("unknown view")
)

// ConflictError carries the keys that lost a revision check within a batch.
type ConflictError struct {
	Keys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document revision conflict: %s", strings.Join(e.Keys, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
