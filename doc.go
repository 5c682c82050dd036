// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package focuser is a container for the bus masters and device drivers
// used by the focuser controller: a bit-banged 1-Wire master over a GPIO
// line (onewiregpio), a DS9097-style serial adapter (onewireuart) and the
// DS2438 temperature/humidity head (ds2438).
package focuser
