// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package models

import (
	"encoding/json"
	"math"
)

// Well-known property keys.
const (
	PropSet            = "$set"
	PropSetOnce        = "$set_once"
	PropIncrement      = "$increment"
	PropElements       = "$elements"
	PropIP             = "$ip"
	PropAnonDistinctID = "$anon_distinct_id"
	PropAlias          = "alias"
	PropSessionID      = "$session_id"
	PropSnapshotData   = "$snapshot_data"
)

// NumericValue reports whether v is a JSON-compatible number and returns it
// as float64. Booleans and numeric strings are not numbers.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// PropertyMap returns v as a property map when it is one.
func PropertyMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
