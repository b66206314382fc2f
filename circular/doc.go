// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package circular provides a small helper for sizing fixed-capacity ring
// buffers, such as the delayed-free quarantine.
package circular
