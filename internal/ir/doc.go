// Package ir provides the value and spec types shared by every CTS package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float values: numbers are int64, other numerics become strings
//   - Spec JSON tags use snake_case; the transform wire form uses camelCase
//   - Logical clocks (seq) only, never wall-clock timestamps
package ir
