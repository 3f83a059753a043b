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

package skymap

import (
	"bytes"
	"compress/gzip"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrosentinel/alert-sentinel/internal/healpix"
)

func TestFromPositionValidation(t *testing.T) {
	_, err := FromPosition(10, 20, 1, 100)
	assert.Error(t, err, "nside must be a power of two")

	_, err = FromPosition(10, 20, 0, 64)
	assert.Error(t, err, "zero error radius")

	_, err = FromPosition(10, 20, -1, 64)
	assert.Error(t, err, "negative error radius")
}

func TestFromPositionShape(t *testing.T) {
	m, err := FromPosition(120, -30, 5, 64)
	require.NoError(t, err)

	assert.Equal(t, 64, m.NSide())
	assert.Equal(t, healpix.Nested, m.Order())
	assert.False(t, m.IsMOC())

	var sum float64
	for _, p := range m.Prob() {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "normalized")

	// The most probable pixel sits at the injected position.
	peak := 0
	for i, p := range m.Prob() {
		if p > m.Prob()[peak] {
			peak = i
		}
	}
	theta0, phi0 := healpix.RaDecToAng(120, -30)
	theta, phi := healpix.PixToAngNest(64, peak)
	assert.Less(t, healpix.AngDist(theta0, phi0, theta, phi), 2*math.Pi/180)

	// A 2D Gaussian encloses ~39.3% within 1 sigma and ~98.9% within 3.
	assert.InDelta(t, 0.393, m.ProbWithinRadius(120, -30, 5), 0.05)
	assert.Greater(t, m.ProbWithinRadius(120, -30, 15), 0.95)

	hdr := m.Header()
	assert.True(t, math.IsNaN(hdr.DistMean))
	assert.True(t, math.IsNaN(hdr.DistStd))
}

func TestContourArea(t *testing.T) {
	// A delta function occupies exactly one pixel at any level.
	prob := make([]float64, healpix.NPix(8))
	prob[42] = 1
	m := newMap(8, healpix.Nested, false, prob, math.NaN(), math.NaN())
	assert.InDelta(t, healpix.PixAreaDeg2(8), m.ContourArea(0.9), 1e-9)

	// A uniform map needs half the sphere for the 50% contour.
	uniform := make([]float64, 12)
	for i := range uniform {
		uniform[i] = 1
	}
	m = newMap(1, healpix.Nested, false, uniform, math.NaN(), math.NaN())
	assert.InDelta(t, healpix.FullSkyDeg2/2, m.ContourArea(0.5), 1e-6)
	assert.InDelta(t, healpix.FullSkyDeg2, m.ContourArea(1.0), 1e-6)
}

func TestRegradeDegrade(t *testing.T) {
	// All probability in the four children of nested parent 0.
	prob := make([]float64, healpix.NPix(2))
	prob[0], prob[1], prob[2], prob[3] = 0.1, 0.2, 0.3, 0.4
	m := newMap(2, healpix.Nested, false, prob, 40, 10)

	out, err := m.Regrade(1, healpix.Nested)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NSide())
	assert.InDelta(t, 1.0, out.Prob()[0], 1e-12)
	for i := 1; i < 12; i++ {
		assert.Zero(t, out.Prob()[i])
	}

	hdr := out.Header()
	assert.Equal(t, 40.0, hdr.DistMean, "distance moments carried over")
	assert.Equal(t, 10.0, hdr.DistStd)
}

func TestRegradeUpgrade(t *testing.T) {
	prob := make([]float64, 12)
	prob[3] = 1
	m := newMap(1, healpix.Nested, false, prob, math.NaN(), math.NaN())

	out, err := m.Regrade(2, healpix.Nested)
	require.NoError(t, err)

	// Parent 3 splits evenly across children 12..15.
	for i, p := range out.Prob() {
		if i >= 12 && i < 16 {
			assert.InDelta(t, 0.25, p, 1e-12, "child %d", i)
		} else {
			assert.Zero(t, p, "pixel %d", i)
		}
	}
}

func TestRegradeRingToNested(t *testing.T) {
	prob := make([]float64, healpix.NPix(4))
	prob[7] = 1
	m := newMap(4, healpix.Ring, false, prob, math.NaN(), math.NaN())

	out, err := m.Regrade(4, healpix.Nested)
	require.NoError(t, err)
	assert.Equal(t, healpix.Nested, out.Order())

	nest := healpix.RingToNest(4, 7)
	assert.InDelta(t, 1.0, out.Prob()[nest], 1e-12)

	var sum float64
	for _, p := range out.Prob() {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestRegradeRejectsRingTarget(t *testing.T) {
	m := newMap(1, healpix.Nested, false, make([]float64, 12), math.NaN(), math.NaN())
	_, err := m.Regrade(1, healpix.Ring)
	assert.Error(t, err)

	_, err = m.Regrade(3, healpix.Nested)
	assert.Error(t, err, "invalid nside")
}

func TestFingerprintIdentity(t *testing.T) {
	mk := func(nside, hot int) *Map {
		prob := make([]float64, healpix.NPix(nside))
		prob[hot] = 1
		return newMap(nside, healpix.Nested, false, prob, math.NaN(), math.NaN())
	}

	assert.Equal(t, mk(8, 5).Fingerprint(), mk(8, 5).Fingerprint(),
		"same content, same identity")
	assert.NotEqual(t, mk(8, 5).Fingerprint(), mk(8, 6).Fingerprint(),
		"different content")
	assert.NotEqual(t, mk(8, 5).Fingerprint(), mk(16, 5).Fingerprint(),
		"different resolution")
	assert.NotEmpty(t, mk(8, 5).Fingerprint())
}

func TestFromFITSRejectsGarbage(t *testing.T) {
	_, err := FromFITS([]byte("not a fits file at all"))
	assert.Error(t, err)

	// Valid gzip wrapping invalid FITS still fails cleanly.
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, werr := zw.Write([]byte("still not fits"))
	require.NoError(t, werr)
	require.NoError(t, zw.Close())
	_, err = FromFITS(buf.Bytes())
	assert.Error(t, err)

	// Truncated gzip header.
	_, err = FromFITS([]byte{0x1f, 0x8b, 0x00})
	assert.Error(t, err)
}
