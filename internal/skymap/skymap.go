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

/*
Package skymap holds the HEALPix probability skymap object: loading from
FITS, Gaussian synthesis from a point position, contour areas, regrading,
and probability queries against sky regions.
*/
package skymap

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/astrogo/fitsio"

	"github.com/astrosentinel/alert-sentinel/internal/healpix"
)

// Header carries the map metadata the decision rules read.
type Header struct {
	NSide    int
	Order    healpix.Order
	MOC      bool
	DistMean float64 // Mpc; NaN when absent
	DistStd  float64 // Mpc; NaN when absent
}

// Map is a normalized probability distribution over HEALPix pixels.
// Maps are immutable once built; Regrade returns a new Map.
type Map struct {
	nside int
	order healpix.Order
	moc   bool
	prob  []float64

	distMean float64
	distStd  float64

	fingerprint string
}

// mocFlattenNSide is the resolution NUNIQ maps are rasterized to at load.
const mocFlattenNSide = 128

// NSide returns the map resolution.
func (m *Map) NSide() int { return m.nside }

// Order returns the pixel ordering.
func (m *Map) Order() healpix.Order { return m.order }

// IsMOC reports whether the map was loaded from a multi-order coverage file.
func (m *Map) IsMOC() bool { return m.moc }

// Header returns the map metadata.
func (m *Map) Header() Header {
	return Header{
		NSide:    m.nside,
		Order:    m.order,
		MOC:      m.moc,
		DistMean: m.distMean,
		DistStd:  m.distStd,
	}
}

// Fingerprint is a stable content identity used for change detection
// across notices of the same event.
func (m *Map) Fingerprint() string { return m.fingerprint }

// Prob returns the per-pixel probabilities in map ordering.
func (m *Map) Prob() []float64 { return m.prob }

func newMap(nside int, order healpix.Order, moc bool, prob []float64, distMean, distStd float64) *Map {
	m := &Map{
		nside:    nside,
		order:    order,
		moc:      moc,
		prob:     prob,
		distMean: distMean,
		distStd:  distStd,
	}
	m.normalize()
	m.fingerprint = m.computeFingerprint()
	return m
}

func (m *Map) normalize() {
	var sum float64
	for _, p := range m.prob {
		sum += p
	}
	if sum <= 0 {
		return
	}
	for i := range m.prob {
		m.prob[i] /= sum
	}
}

func (m *Map) computeFingerprint() string {
	h := sha256.New()
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(m.nside))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(m.order))
	h.Write(hdr[:])
	buf := make([]byte, 8)
	for _, p := range m.prob {
		binary.BigEndian.PutUint64(buf, math.Float64bits(p))
		h.Write(buf)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// New builds a map from per-pixel probabilities produced elsewhere.
// The distance moments may be NaN when unknown.
func New(nside int, order healpix.Order, prob []float64, distMean, distStd float64) (*Map, error) {
	if !healpix.ValidNSide(nside) {
		return nil, fmt.Errorf("invalid nside %d", nside)
	}
	if len(prob) != healpix.NPix(nside) {
		return nil, fmt.Errorf("probability array has %d pixels, nside %d needs %d",
			len(prob), nside, healpix.NPix(nside))
	}
	return newMap(nside, order, false, prob, distMean, distStd), nil
}

// FromPosition synthesizes a Gaussian map centered on (raDeg, decDeg) with
// 1σ radius errDeg at the requested nside, in NESTED ordering.
func FromPosition(raDeg, decDeg, errDeg float64, nside int) (*Map, error) {
	if !healpix.ValidNSide(nside) {
		return nil, fmt.Errorf("invalid nside %d", nside)
	}
	if errDeg <= 0 {
		return nil, fmt.Errorf("position error must be positive, got %g", errDeg)
	}
	theta0, phi0 := healpix.RaDecToAng(raDeg, decDeg)
	sigma := errDeg * math.Pi / 180

	npix := healpix.NPix(nside)
	prob := make([]float64, npix)
	for i := 0; i < npix; i++ {
		theta, phi := healpix.PixToAngNest(nside, i)
		d := healpix.AngDist(theta0, phi0, theta, phi)
		prob[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	return newMap(nside, healpix.Nested, false, prob, math.NaN(), math.NaN()), nil
}

// FromFITS parses a FITS skymap, decompressing gzip content first.
// Both flat (PROB column) and multi-order (UNIQ/PROBDENSITY) layouts are
// accepted; multi-order maps are rasterized to nside 128 NESTED.
func FromFITS(data []byte) (*Map, error) {
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress skymap: %w", err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress skymap: %w", err)
		}
		data = raw
	}

	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open FITS skymap: %w", err)
	}
	defer f.Close()

	// The probability table is conventionally the first extension HDU.
	var tbl *fitsio.Table
	for i := 1; i < len(f.HDUs()); i++ {
		if t, ok := f.HDU(i).(*fitsio.Table); ok {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, fmt.Errorf("FITS skymap has no binary table HDU")
	}

	hdr := tbl.Header()
	distMean := headerFloat(hdr, "DISTMEAN")
	distStd := headerFloat(hdr, "DISTSTD")

	ordering := headerString(hdr, "ORDERING")
	if ordering == "NUNIQ" || hasColumn(tbl, "UNIQ") {
		prob, err := readMOC(tbl)
		if err != nil {
			return nil, err
		}
		return newMap(mocFlattenNSide, healpix.Nested, true, prob, distMean, distStd), nil
	}

	prob, err := readColumn(tbl, probColumn(tbl))
	if err != nil {
		return nil, err
	}
	nside, err := healpix.NSideFromNPix(len(prob))
	if err != nil {
		return nil, fmt.Errorf("FITS skymap: %w", err)
	}
	order := healpix.Ring
	if ordering == "NESTED" || ordering == "NEST" {
		order = healpix.Nested
	}
	return newMap(nside, order, false, prob, distMean, distStd), nil
}

// ContourArea returns the sky area in square degrees of the smallest
// credible region containing the given probability level.
func (m *Map) ContourArea(level float64) float64 {
	sorted := make([]float64, len(m.prob))
	copy(sorted, m.prob)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	var cum float64
	count := 0
	for _, p := range sorted {
		cum += p
		count++
		if cum >= level {
			break
		}
	}
	return float64(count) * healpix.PixAreaDeg2(m.nside)
}

// Regrade returns the map resampled to the given nside and ordering.
// Degrading sums child pixels; upgrading splits parents evenly. The
// distance moments are carried over unchanged.
func (m *Map) Regrade(nside int, order healpix.Order) (*Map, error) {
	if !healpix.ValidNSide(nside) {
		return nil, fmt.Errorf("invalid nside %d", nside)
	}
	if order != healpix.Nested {
		return nil, fmt.Errorf("regrade target ordering must be NESTED")
	}

	nested := m.nestedProb()
	if nside == m.nside {
		return newMap(nside, healpix.Nested, m.moc, nested, m.distMean, m.distStd), nil
	}

	out := make([]float64, healpix.NPix(nside))
	if nside < m.nside {
		shift := 2 * log2(m.nside/nside)
		for i, p := range nested {
			out[i>>uint(shift)] += p
		}
	} else {
		shift := 2 * log2(nside/m.nside)
		frac := 1 / float64(int(1)<<uint(shift))
		for i := range out {
			out[i] = nested[i>>uint(shift)] * frac
		}
	}
	return newMap(nside, healpix.Nested, m.moc, out, m.distMean, m.distStd), nil
}

// ProbWithinRadius sums the probability of pixels whose centers lie within
// radiusDeg of (raDeg, decDeg).
func (m *Map) ProbWithinRadius(raDeg, decDeg, radiusDeg float64) float64 {
	theta0, phi0 := healpix.RaDecToAng(raDeg, decDeg)
	radius := radiusDeg * math.Pi / 180

	var sum float64
	for i, p := range m.prob {
		if p == 0 {
			continue
		}
		theta, phi := healpix.PixToAng(m.nside, i, m.order)
		if healpix.AngDist(theta0, phi0, theta, phi) <= radius {
			sum += p
		}
	}
	return sum
}

// nestedProb returns the probabilities reindexed to NESTED ordering.
func (m *Map) nestedProb() []float64 {
	out := make([]float64, len(m.prob))
	if m.order == healpix.Nested {
		copy(out, m.prob)
		return out
	}
	for i, p := range m.prob {
		out[healpix.RingToNest(m.nside, i)] = p
	}
	return out
}

func log2(v int) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func headerFloat(hdr *fitsio.Header, key string) float64 {
	card := hdr.Get(key)
	if card == nil {
		return math.NaN()
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return math.NaN()
}

func headerString(hdr *fitsio.Header, key string) string {
	card := hdr.Get(key)
	if card == nil {
		return ""
	}
	if s, ok := card.Value.(string); ok {
		return s
	}
	return ""
}

func hasColumn(tbl *fitsio.Table, name string) bool {
	return tbl.Index(name) >= 0
}

func probColumn(tbl *fitsio.Table) string {
	for _, name := range []string{"PROB", "PROBABILITY", "T"} {
		if tbl.Index(name) >= 0 {
			return name
		}
	}
	return tbl.Cols()[0].Name
}

// readColumn reads a scalar float column across all rows.
func readColumn(tbl *fitsio.Table, name string) ([]float64, error) {
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS table: %w", err)
	}
	defer rows.Close()

	out := make([]float64, 0, int(tbl.NumRows()))
	for rows.Next() {
		rec := map[string]interface{}{name: nil}
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan FITS row: %w", err)
		}
		v, err := asFloat(rec[name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to iterate FITS table: %w", err)
	}
	return out, nil
}

// readMOC rasterizes a UNIQ/PROBDENSITY multi-order map to mocFlattenNSide.
func readMOC(tbl *fitsio.Table) ([]float64, error) {
	if tbl.Index("UNIQ") < 0 || tbl.Index("PROBDENSITY") < 0 {
		return nil, fmt.Errorf("multi-order skymap missing UNIQ/PROBDENSITY columns")
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS table: %w", err)
	}
	defer rows.Close()

	srPerPix := func(nside int) float64 {
		return 4 * math.Pi / float64(healpix.NPix(nside))
	}

	out := make([]float64, healpix.NPix(mocFlattenNSide))
	for rows.Next() {
		rec := map[string]interface{}{"UNIQ": nil, "PROBDENSITY": nil}
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan FITS row: %w", err)
		}
		uniq, err := asInt(rec["UNIQ"])
		if err != nil {
			return nil, fmt.Errorf("column UNIQ: %w", err)
		}
		density, err := asFloat(rec["PROBDENSITY"])
		if err != nil {
			return nil, fmt.Errorf("column PROBDENSITY: %w", err)
		}

		nside, ipix, err := healpix.UniqToNest(uniq)
		if err != nil {
			return nil, err
		}
		cellProb := density * srPerPix(nside)

		switch {
		case nside == mocFlattenNSide:
			out[ipix] += cellProb
		case nside < mocFlattenNSide:
			// Split the coarse cell across its children.
			shift := 2 * log2(mocFlattenNSide/nside)
			children := 1 << uint(shift)
			share := cellProb / float64(children)
			base := ipix << uint(shift)
			for c := 0; c < children; c++ {
				out[base+c] += share
			}
		default:
			// Collapse fine cells into their flattened parent.
			shift := 2 * log2(nside/mocFlattenNSide)
			out[ipix>>uint(shift)] += cellProb
		}
	}
	if err := rows.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to iterate FITS table: %w", err)
	}
	return out, nil
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	}
	return 0, fmt.Errorf("unexpected cell type %T", v)
}

func asInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("unexpected cell type %T", v)
}
