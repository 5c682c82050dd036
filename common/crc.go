// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC8 calculation shared by the 1-Wire bus masters and the
// DS2438 driver.
package common

// CRC8 calculates the Dallas/iButton 8-bit CRC of the byte slice parameter
// and returns the calculated value. The polynomial is x⁸+x⁵+x⁴+1 (0x8c in
// the reflected form used here), seeded at 0. It is the checksum carried by
// 1-Wire ROM codes and by the DS2438 scratch pad.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if crc&1 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}

// CheckCRC reports whether the final byte of buf is the CRC8 of the bytes
// preceding it. It covers both the 8-byte ROM code (7 bytes + CRC) and the
// 9-byte scratch pad (8 bytes + CRC) layouts.
func CheckCRC(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return CRC8(buf[:len(buf)-1]) == buf[len(buf)-1]
}
