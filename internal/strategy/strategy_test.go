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

package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	keys := c.Keys()
	for _, want := range []string{
		"GW_RANK_1_NARROW", "GW_RANK_1_WIDE",
		"GW_RANK_2_NARROW", "GW_RANK_3_WIDE",
		"GW_RANK_4_NARROW", "GW_RANK_5_WIDE",
		"GW_BURST",
		"GRB_SWIFT", "GRB_FERMI_NARROW", "GRB_FERMI_WIDE", "GRB_OTHER",
		"NU_ICECUBE_GOLD", "NU_ICECUBE_BRONZE", "NU_ICECUBE_CASCADE",
		"DEFAULT",
	} {
		assert.Contains(t, keys, want)
	}
}

func TestResolveReservedKeys(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	anchor := time.Now()
	for _, key := range []string{KeyIgnore, KeyRetraction} {
		plan, err := c.Resolve(key, anchor)
		require.NoError(t, err)
		assert.Nil(t, plan, key)
	}
}

func TestResolveUndefinedKey(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	_, err = c.Resolve("NO_SUCH_STRATEGY", time.Now())
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestResolveExpandsCadences(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	anchor := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	plan, err := c.Resolve("GW_RANK_1_NARROW", anchor)
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, 1, plan.Rank)
	assert.True(t, plan.WakeupAlert)
	assert.True(t, plan.OnGrid)
	assert.Equal(t, 200, plan.TileLimit)
	assert.InDelta(t, 0.005, plan.ProbLimit, 1e-12)
	assert.InDelta(t, 0.95, plan.SkymapContour, 1e-12)

	require.Len(t, plan.Cadences, 2)
	// Without a configured delay both cadences anchor at the event time.
	assert.Equal(t, anchor, plan.Cadences[0].StartTime)
	assert.Equal(t, anchor, plan.Cadences[1].StartTime)
	assert.Equal(t, anchor.Add(24*time.Hour), plan.Cadences[0].StopTime)
	assert.Equal(t, anchor, plan.StartTime())
	assert.Equal(t, anchor.Add(24*time.Hour), plan.StopTime())

	assert.Equal(t, 99, plan.Cadences[0].NumTodo)
	assert.InDelta(t, 1, plan.Cadences[0].WaitHours, 1e-12)
	assert.Equal(t, 10, plan.Cadences[1].RankChange)

	require.Len(t, plan.ExposureSets, 1)
	assert.Equal(t, 4, plan.ExposureSets[0].NumExp)
	assert.InDelta(t, 90, plan.ExposureSets[0].ExpTime, 1e-12)
	assert.Equal(t, "L", plan.ExposureSets[0].Filter)

	assert.Equal(t, 30.0, plan.Constraints.MinAlt)
	assert.Equal(t, -12.0, plan.Constraints.MaxSunAlt)
	assert.Equal(t, "B", plan.Constraints.MaxMoon)
	assert.Equal(t, 10.0, plan.Constraints.MinMoonSep)
}

func TestResolveSingleCadenceObject(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	anchor := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	plan, err := c.Resolve("GRB_FERMI_WIDE", anchor)
	require.NoError(t, err)

	require.Len(t, plan.Cadences, 1)
	assert.Equal(t, 3, plan.Cadences[0].NumTodo)
	assert.Equal(t, anchor, plan.StartTime())
	assert.Equal(t, anchor.Add(24*time.Hour), plan.StopTime())
}

func TestResolveEveryCatalogEntry(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	anchor := time.Now().UTC()
	for _, key := range c.Keys() {
		plan, err := c.Resolve(key, anchor)
		require.NoError(t, err, key)
		require.NotNil(t, plan, key)
		assert.NotEmpty(t, plan.Cadences, key)
		assert.NotEmpty(t, plan.ExposureSets, key)
		assert.Greater(t, plan.ValidHours, 0.0, key)
		assert.False(t, plan.StopTime().Before(plan.StartTime()), key)
	}
}
