/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

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

package healpix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidNSide(t *testing.T) {
	tests := []struct {
		nside int
		valid bool
	}{
		{1, true},
		{2, true},
		{128, true},
		{1024, true},
		{0, false},
		{-2, false},
		{3, false},
		{12, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidNSide(tt.nside), "nside=%d", tt.nside)
	}
}

func TestNPixRoundTrip(t *testing.T) {
	for _, nside := range []int{1, 2, 8, 128, 512} {
		npix := NPix(nside)
		assert.Equal(t, 12*nside*nside, npix)

		got, err := NSideFromNPix(npix)
		require.NoError(t, err)
		assert.Equal(t, nside, got)
	}

	_, err := NSideFromNPix(100)
	assert.Error(t, err)
	_, err = NSideFromNPix(0)
	assert.Error(t, err)
}

func TestPixArea(t *testing.T) {
	// Twelve base pixels tile the sphere.
	assert.InDelta(t, FullSkyDeg2/12, PixAreaDeg2(1), 1e-9)

	for _, nside := range []int{2, 64, 128} {
		total := PixAreaDeg2(nside) * float64(NPix(nside))
		assert.InDelta(t, FullSkyDeg2, total, 1e-6)
	}
}

func TestNestRoundTrip(t *testing.T) {
	for _, nside := range []int{1, 2, 4, 8} {
		for ipix := 0; ipix < NPix(nside); ipix++ {
			theta, phi := PixToAngNest(nside, ipix)
			assert.Equal(t, ipix, AngToPixNest(nside, theta, phi),
				"nside=%d ipix=%d", nside, ipix)
		}
	}
}

func TestNestRoundTripHighResolution(t *testing.T) {
	nside := 128
	// Stride through the map instead of checking all 196608 pixels.
	for ipix := 0; ipix < NPix(nside); ipix += 101 {
		theta, phi := PixToAngNest(nside, ipix)
		assert.Equal(t, ipix, AngToPixNest(nside, theta, phi), "ipix=%d", ipix)
	}
}

func TestRingToNestIsBijective(t *testing.T) {
	for _, nside := range []int{1, 2, 4, 8} {
		seen := make(map[int]bool, NPix(nside))
		for ipix := 0; ipix < NPix(nside); ipix++ {
			nest := RingToNest(nside, ipix)
			require.GreaterOrEqual(t, nest, 0)
			require.Less(t, nest, NPix(nside))
			assert.False(t, seen[nest], "nside=%d nest=%d hit twice", nside, nest)
			seen[nest] = true
		}
	}
}

func TestRingToNestPreservesCenter(t *testing.T) {
	nside := 8
	for ipix := 0; ipix < NPix(nside); ipix++ {
		thetaRing, phiRing := PixToAngRing(nside, ipix)
		thetaNest, phiNest := PixToAngNest(nside, RingToNest(nside, ipix))
		assert.InDelta(t, thetaRing, thetaNest, 1e-9, "ipix=%d", ipix)
		assert.InDelta(t, math.Mod(phiRing+2*math.Pi, 2*math.Pi),
			math.Mod(phiNest+2*math.Pi, 2*math.Pi), 1e-9, "ipix=%d", ipix)
	}
}

func TestRaDecConversions(t *testing.T) {
	theta, phi := RaDecToAng(0, 90)
	assert.InDelta(t, 0, theta, 1e-12)
	assert.InDelta(t, 0, phi, 1e-12)

	theta, phi = RaDecToAng(180, 0)
	assert.InDelta(t, math.Pi/2, theta, 1e-12)
	assert.InDelta(t, math.Pi, phi, 1e-12)

	ra, dec := AngToRaDec(theta, phi)
	assert.InDelta(t, 180, ra, 1e-9)
	assert.InDelta(t, 0, dec, 1e-9)

	// Negative phi wraps into [0, 360).
	ra, _ = AngToRaDec(math.Pi/2, -math.Pi/2)
	assert.InDelta(t, 270, ra, 1e-9)
}

func TestAngDist(t *testing.T) {
	tests := []struct {
		name                       string
		theta1, phi1, theta2, phi2 float64
		want                       float64
	}{
		{"coincident", 1.0, 2.0, 1.0, 2.0, 0},
		{"equator quarter turn", math.Pi / 2, 0, math.Pi / 2, math.Pi / 2, math.Pi / 2},
		{"pole to equator", 0, 0, math.Pi / 2, 1.5, math.Pi / 2},
		{"antipodal", 0, 0, math.Pi, 0, math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AngDist(tt.theta1, tt.phi1, tt.theta2, tt.phi2), 1e-9)
		})
	}
}

func TestUniqToNest(t *testing.T) {
	tests := []struct {
		uniq  int64
		nside int
		ipix  int
	}{
		{4, 1, 0},
		{15, 1, 11},
		{16, 2, 0},
		{19, 2, 3},
		{63, 2, 47},
		{64, 4, 0},
	}
	for _, tt := range tests {
		nside, ipix, err := UniqToNest(tt.uniq)
		require.NoError(t, err, "uniq=%d", tt.uniq)
		assert.Equal(t, tt.nside, nside, "uniq=%d", tt.uniq)
		assert.Equal(t, tt.ipix, ipix, "uniq=%d", tt.uniq)
	}

	for _, bad := range []int64{0, 3, -5} {
		_, _, err := UniqToNest(bad)
		assert.Error(t, err, "uniq=%d", bad)
	}
}
