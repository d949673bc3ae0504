// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package validation

import (
	"errors"
	"math"
	"testing"
)

type position struct {
	Latitude  float64 `validate:"latitude,finite"`
	Longitude float64 `validate:"longitude,finite"`
}

func TestValidateStructAcceptsValidPosition(t *testing.T) {
	cases := []position{
		{Latitude: 0, Longitude: 0},
		{Latitude: 90, Longitude: 180},
		{Latitude: -90, Longitude: -180},
		{Latitude: 37.7749, Longitude: -122.4194},
	}
	for _, c := range cases {
		if err := ValidateStruct(c); err != nil {
			t.Errorf("ValidateStruct(%+v) = %v, want nil", c, err)
		}
	}
}

func TestValidateStructRejectsOutOfRange(t *testing.T) {
	cases := []position{
		{Latitude: 90.001, Longitude: 0},
		{Latitude: -91, Longitude: 0},
		{Latitude: 0, Longitude: 180.5},
		{Latitude: 0, Longitude: -200},
	}
	for _, c := range cases {
		err := ValidateStruct(c)
		if err == nil {
			t.Errorf("ValidateStruct(%+v) accepted out-of-range position", c)
			continue
		}
		var serr *StructError
		if !errors.As(err, &serr) {
			t.Errorf("error type = %T, want *StructError", err)
		}
	}
}

func TestFiniteTagRejectsNaNAndInf(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := Var(v, "finite"); err == nil {
			t.Errorf("Var(%v, finite) accepted non-finite value", v)
		}
	}
	if err := Var(12.5, "finite"); err != nil {
		t.Errorf("Var(12.5, finite) = %v, want nil", err)
	}
}

func TestStructErrorMessage(t *testing.T) {
	err := ValidateStruct(position{Latitude: 91, Longitude: -200})
	var serr *StructError
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T, want *StructError", err)
	}
	if len(serr.Fields) != 2 {
		t.Errorf("field errors = %d, want 2", len(serr.Fields))
	}
	if serr.Error() == "" || serr.Error() == "validation failed" {
		t.Errorf("Error() = %q, want field details", serr.Error())
	}
}
