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
Package healpix implements the subset of HEALPix pixelization math the
sentinel needs: pixel/angle conversions in RING and NESTED ordering for
power-of-two nside, pixel areas, and angular distances.
*/
package healpix

import (
	"fmt"
	"math"
)

// Order is the pixel ordering scheme of a HEALPix map.
type Order int

const (
	// Ring orders pixels along iso-latitude rings from the north pole.
	Ring Order = iota
	// Nested orders pixels along a hierarchical quad-tree within 12 faces.
	Nested
)

func (o Order) String() string {
	if o == Ring {
		return "RING"
	}
	return "NESTED"
}

// FullSkyDeg2 is the area of the full sphere, 4π sr, in square degrees.
const FullSkyDeg2 = 4 * math.Pi * (180 / math.Pi) * (180 / math.Pi)

// face rows and shifted phi origins for the 12 base faces.
var (
	jrll = [12]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// ValidNSide reports whether nside is a positive power of two.
func ValidNSide(nside int) bool {
	return nside > 0 && nside&(nside-1) == 0
}

// NPix returns the pixel count of an nside map.
func NPix(nside int) int {
	return 12 * nside * nside
}

// PixAreaDeg2 returns the area of one pixel in square degrees.
func PixAreaDeg2(nside int) float64 {
	return FullSkyDeg2 / float64(NPix(nside))
}

// NSideFromNPix inverts NPix, failing on counts that are not valid maps.
func NSideFromNPix(npix int) (int, error) {
	nside := int(math.Round(math.Sqrt(float64(npix) / 12)))
	if !ValidNSide(nside) || NPix(nside) != npix {
		return 0, fmt.Errorf("npix %d is not a valid HEALPix pixel count", npix)
	}
	return nside, nil
}

// spreadBits interleaves the low 32 bits of v with zeros.
func spreadBits(v int) int64 {
	x := int64(v) & 0xffffffff
	x = (x | x<<16) & 0x0000ffff0000ffff
	x = (x | x<<8) & 0x00ff00ff00ff00ff
	x = (x | x<<4) & 0x0f0f0f0f0f0f0f0f
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

// compressBits extracts the even bits of v.
func compressBits(v int64) int {
	x := v & 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0f0f0f0f0f0f0f0f
	x = (x | x>>4) & 0x00ff00ff00ff00ff
	x = (x | x>>8) & 0x0000ffff0000ffff
	x = (x | x>>16) & 0x00000000ffffffff
	return int(x)
}

// xyfToNest composes a nested index from face coordinates.
func xyfToNest(nside, ix, iy, face int) int {
	return face*nside*nside + int(spreadBits(ix)|spreadBits(iy)<<1)
}

// nestToXYF decomposes a nested index into face coordinates.
func nestToXYF(nside, ipix int) (ix, iy, face int) {
	npface := nside * nside
	face = ipix / npface
	p := int64(ipix % npface)
	ix = compressBits(p)
	iy = compressBits(p >> 1)
	return ix, iy, face
}

// AngToPixNest returns the nested pixel containing (theta, phi).
// theta is colatitude in radians [0, π], phi is longitude in radians.
func AngToPixNest(nside int, theta, phi float64) int {
	z := math.Cos(theta)
	za := math.Abs(z)
	tt := math.Mod(phi/(math.Pi/2), 4)
	if tt < 0 {
		tt += 4
	}

	if za <= 2.0/3.0 {
		// Equatorial region.
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * z * 0.75
		jp := int(math.Floor(temp1 - temp2))
		jm := int(math.Floor(temp1 + temp2))

		shift := 0
		for n := nside; n > 1; n >>= 1 {
			shift++
		}
		ifp := jp >> shift
		ifm := jm >> shift

		var face int
		switch {
		case ifp == ifm:
			face = (ifp & 3) + 4
		case ifp < ifm:
			face = ifp & 3
		default:
			face = (ifm & 3) + 8
		}

		ix := jm & (nside - 1)
		iy := nside - (jp & (nside - 1)) - 1
		return xyfToNest(nside, ix, iy, face)
	}

	// Polar caps.
	ntt := int(tt)
	if ntt >= 4 {
		ntt = 3
	}
	tp := tt - float64(ntt)
	tmp := float64(nside) * math.Sqrt(3*(1-za))

	jp := int(tp * tmp)
	jm := int((1 - tp) * tmp)
	if jp >= nside {
		jp = nside - 1
	}
	if jm >= nside {
		jm = nside - 1
	}

	if z >= 0 {
		return xyfToNest(nside, nside-jm-1, nside-jp-1, ntt)
	}
	return xyfToNest(nside, jp, jm, ntt+8)
}

// PixToAngNest returns the center (theta, phi) of a nested pixel.
func PixToAngNest(nside, ipix int) (theta, phi float64) {
	ix, iy, face := nestToXYF(nside, ipix)

	jr := jrll[face]*nside - ix - iy - 1

	var nr, kshift int
	var z float64
	fact1 := 1.0 / (3.0 * float64(nside) * float64(nside))
	fact2 := 2.0 / (3.0 * float64(nside))

	switch {
	case jr < nside:
		// North polar cap.
		nr = jr
		z = 1 - float64(nr)*float64(nr)*fact1
		kshift = 0
	case jr > 3*nside:
		// South polar cap.
		nr = 4*nside - jr
		z = float64(nr)*float64(nr)*fact1 - 1
		kshift = 0
	default:
		nr = nside
		z = float64(2*nside-jr) * fact2
		kshift = (jr - nside) & 1
	}

	jp := (jpll[face]*nr + ix - iy + 1 + kshift) / 2
	if jp > 4*nr {
		jp -= 4 * nr
	}
	if jp < 1 {
		jp += 4 * nr
	}

	theta = math.Acos(z)
	phi = (float64(jp) - float64(kshift+1)*0.5) * (math.Pi / (2 * float64(nr)))
	return theta, phi
}

// PixToAngRing returns the center (theta, phi) of a ring pixel.
func PixToAngRing(nside, ipix int) (theta, phi float64) {
	npix := NPix(nside)
	ncap := 2 * nside * (nside - 1)

	var z float64
	switch {
	case ipix < ncap:
		// North polar cap.
		iring := int((1 + math.Sqrt(1+2*float64(ipix))) / 2)
		iphi := ipix + 1 - 2*iring*(iring-1)
		z = 1 - float64(iring)*float64(iring)/(3*float64(nside)*float64(nside))
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	case ipix < npix-ncap:
		// Equatorial belt.
		ip := ipix - ncap
		iring := ip/(4*nside) + nside
		iphi := ip%(4*nside) + 1
		fodd := 0.5
		if (iring+nside)&1 == 1 {
			fodd = 1.0
		}
		z = float64(2*nside-iring) * 2 / (3 * float64(nside))
		phi = (float64(iphi) - fodd) * math.Pi / (2 * float64(nside))
	default:
		// South polar cap.
		ip := npix - ipix
		iring := int((1 + math.Sqrt(2*float64(ip)-1)) / 2)
		iphi := 4*iring + 1 - (ip - 2*iring*(iring-1))
		z = -1 + float64(iring)*float64(iring)/(3*float64(nside)*float64(nside))
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	}
	return math.Acos(z), phi
}

// PixToAng dispatches on ordering.
func PixToAng(nside, ipix int, order Order) (theta, phi float64) {
	if order == Ring {
		return PixToAngRing(nside, ipix)
	}
	return PixToAngNest(nside, ipix)
}

// RingToNest maps a ring index to the nested index of the same pixel.
// Pixel centers are interior points, so routing through the center angle
// is exact for power-of-two nside.
func RingToNest(nside, ipix int) int {
	theta, phi := PixToAngRing(nside, ipix)
	return AngToPixNest(nside, theta, phi)
}

// RaDecToAng converts equatorial degrees to (theta, phi) radians.
func RaDecToAng(raDeg, decDeg float64) (theta, phi float64) {
	theta = (90 - decDeg) * math.Pi / 180
	phi = raDeg * math.Pi / 180
	return theta, phi
}

// AngToRaDec converts (theta, phi) radians to equatorial degrees.
func AngToRaDec(theta, phi float64) (raDeg, decDeg float64) {
	decDeg = 90 - theta*180/math.Pi
	raDeg = math.Mod(phi*180/math.Pi+360, 360)
	return raDeg, decDeg
}

// AngDist returns the angular separation in radians between two directions.
func AngDist(theta1, phi1, theta2, phi2 float64) float64 {
	// Haversine on colatitudes, stable for small separations.
	dlat := theta2 - theta1
	dlon := phi2 - phi1
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Sin(theta1)*math.Sin(theta2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	if a > 1 {
		a = 1
	}
	return 2 * math.Asin(math.Sqrt(a))
}

// UniqToNest splits a NUNIQ index into its order's nside and nested index.
func UniqToNest(uniq int64) (nside int, ipix int, err error) {
	if uniq < 4 {
		return 0, 0, fmt.Errorf("invalid NUNIQ index %d", uniq)
	}
	order := 0
	for int64(4)<<(2*uint(order+1)) <= uniq {
		order++
	}
	nside = 1 << uint(order)
	ipix = int(uniq - 4*int64(nside)*int64(nside))
	if ipix < 0 || ipix >= NPix(nside) {
		return 0, 0, fmt.Errorf("invalid NUNIQ index %d", uniq)
	}
	return nside, ipix, nil
}
