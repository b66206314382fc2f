// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ival implements an ordered, non-overlapping interval tree over
// uintptr address ranges. It backs both the anonymous-map tracker (a
// merging tree) and the delayed-free quarantine's companion tree (a
// non-merging tree with split-on-remove).
package ival
