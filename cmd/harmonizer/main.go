// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/odharmonizer/harmonizer"
)

func main() {
	harmonizer.Main()
}
