package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextWake_MinuteInterval(t *testing.T) {
	c := NewCalculator(nil)
	base := time.Date(2024, 3, 10, 23, 47, 13, 0, time.UTC)

	for n := 1; n <= 59; n++ {
		expr := fmt.Sprintf("*/%d * * * *", n)
		for _, last := range []time.Time{base, base.Add(17 * time.Minute), base.Add(36 * time.Hour)} {
			got := c.NextWake(last, expr, "Europe/Berlin")
			assert.Equal(t, last.Add(time.Duration(n)*time.Minute), got, "expr=%s last=%s", expr, last)
		}
	}
}

func TestNextWake_HourList(t *testing.T) {
	c := NewCalculator(nil)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		last time.Time
		want time.Time
	}{
		{"早于首个小时", day.Add(7*time.Hour + 30*time.Minute), day.Add(8 * time.Hour)},
		{"恰在列表小时", day.Add(8 * time.Hour), day.Add(16 * time.Hour)},
		{"两个小时之间", day.Add(12 * time.Hour), day.Add(16 * time.Hour)},
		{"最后一个小时之后滚到次日", day.Add(20 * time.Hour), day.Add(32 * time.Hour)},
		{"恰在最后一个小时", day.Add(16 * time.Hour), day.Add(32 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.NextWake(tc.last, "0 8,16 * * *", "UTC")
			assert.Equal(t, tc.want, got)
		})
	}

	// 任意输入都只返回列表中的小时，且为严格之后最近的一个
	for m := 0; m < 48*60; m += 7 {
		last := day.Add(time.Duration(m) * time.Minute)
		got := c.NextWake(last, "0 8,16 * * *", "UTC")
		require.True(t, got.After(last))
		assert.Contains(t, []int{8, 16}, got.Hour())
		assert.Equal(t, 0, got.Minute())
		assert.LessOrEqual(t, got.Sub(last), 16*time.Hour)
	}
}

func TestNextWake_MinuteListAndSingle(t *testing.T) {
	c := NewCalculator(nil)
	at := func(h, m int) time.Time { return time.Date(2024, 1, 2, h, m, 0, 0, time.UTC) }

	assert.Equal(t, at(10, 45), c.NextWake(at(10, 20), "15,45 * * * *", "UTC"))
	assert.Equal(t, at(11, 15), c.NextWake(at(10, 50), "15,45 * * * *", "UTC"))
	assert.Equal(t, at(11, 15), c.NextWake(at(10, 45), "15,45 * * * *", "UTC"), "严格晚于当前分钟")
	assert.Equal(t, at(11, 30), c.NextWake(at(10, 30), "30 * * * *", "UTC"))
	assert.Equal(t, at(10, 30), c.NextWake(at(10, 5), "30 * * * *", "UTC"))
}

func TestNextWake_HourIntervalAndSingle(t *testing.T) {
	c := NewCalculator(nil)
	at := func(d, h, m int) time.Time { return time.Date(2024, 1, d, h, m, 0, 0, time.UTC) }

	assert.Equal(t, at(2, 12, 0), c.NextWake(at(2, 7, 0), "0 */6 * * *", "UTC"))
	assert.Equal(t, at(3, 0, 0), c.NextWake(at(2, 18, 1), "0 */6 * * *", "UTC"))
	assert.Equal(t, at(3, 9, 30), c.NextWake(at(2, 9, 30), "30 9 * * *", "UTC"))
	assert.Equal(t, at(2, 9, 30), c.NextWake(at(2, 9, 29), "30 9 * * *", "UTC"))
}

func TestNextWake_SiteTimezone(t *testing.T) {
	c := NewCalculator(nil)
	// 09:00 EST
	last := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)
	got := c.NextWake(last, "0 8 * * *", "America/New_York")
	assert.Equal(t, time.Date(2024, 1, 11, 13, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location(), "返回值为 UTC 绝对时刻")

	ny := mustLoc(t, "America/New_York")
	assert.Equal(t, 8, got.In(ny).Hour())
}

func TestNextWake_FallbackOnAmbiguity(t *testing.T) {
	c := NewCalculator(nil)
	last := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)

	for _, expr := range []string{"", "garbage", "*/75 * * * *", "0 25 * * *", "* * *", "*/0 * * * *", "5-2 * * * *"} {
		assert.Equal(t, last.Add(24*time.Hour), c.NextWake(last, expr, "UTC"), "expr=%q", expr)
	}
}

func TestParse(t *testing.T) {
	e, err := Parse("0,30 9-11 * * *")
	require.NoError(t, err)
	assert.Equal(t, List, e.Minute.Kind)
	assert.Equal(t, []int{0, 30}, e.Minute.Values)
	assert.Equal(t, []int{9, 10, 11}, e.Hour.Values)

	_, err = Parse("0 8 * * * *")
	assert.ErrorIs(t, err, ErrFieldCount)

	_, err = Parse("61 * * * *")
	assert.Error(t, err)
}

func TestBetween_JoinMidWindow(t *testing.T) {
	c := NewCalculator(nil)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	all, err := c.Between("0 9-17 * * *", "UTC", day, day.Add(24*time.Hour-time.Nanosecond))
	require.NoError(t, err)
	assert.Len(t, all, 9)

	join := day.Add(14*time.Hour + 30*time.Minute)
	rest, err := c.Between("0 9-17 * * *", "UTC", join, day.Add(24*time.Hour-time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day.Add(15 * time.Hour), day.Add(16 * time.Hour), day.Add(17 * time.Hour)}, rest)
}

func TestBetween_IncludesFromBoundary(t *testing.T) {
	c := NewCalculator(nil)
	from := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	got, err := c.Between("0 * * * *", "UTC", from, from.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{from, from.Add(time.Hour), from.Add(2 * time.Hour)}, got)
}

func TestBefore(t *testing.T) {
	c := NewCalculator(nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := c.Before("0 * * * *", "UTC", now, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{now.Add(-3 * time.Hour), now.Add(-2 * time.Hour), now.Add(-time.Hour)}, got)

	// 每天一次，需要扩大窗口
	got, err = c.Before("0 6 * * *", "UTC", now, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC), got[4])
	assert.Equal(t, time.Date(2024, 5, 28, 6, 0, 0, 0, time.UTC), got[0])

	_, err = c.Before("nope", "UTC", now, 3)
	assert.Error(t, err)
}

func TestBefore_LongLookback(t *testing.T) {
	c := NewCalculator(nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := c.Before("0 8 * * *", "UTC", now, 100)
	require.NoError(t, err)
	require.Len(t, got, 100, "回看数量不受窗口上限截断")
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), got[99])
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC).AddDate(0, 0, -99), got[0])
	for i := 1; i < len(got); i++ {
		assert.Equal(t, 24*time.Hour, got[i].Sub(got[i-1]), "第 %d 个时刻不连续", i)
	}

	// 本地时区跨夏令时仍凑齐
	got, err = c.Before("30 7 * * *", "Europe/Berlin", now, 120)
	require.NoError(t, err)
	require.Len(t, got, 120)
	assert.True(t, got[119].Before(now))
}

func TestNextWake_AlwaysUTC(t *testing.T) {
	c := NewCalculator(nil)
	last := time.Date(2024, 6, 1, 9, 0, 0, 0, mustLoc(t, "Asia/Shanghai"))

	for _, expr := range []string{"*/15 * * * *", "* * * * *", "5 * * * *", "0 8 * * *"} {
		got := c.NextWake(last, expr, "Asia/Shanghai")
		assert.Equal(t, time.UTC, got.Location(), "expr=%s", expr)
	}
}

func TestLocation_DefaultTimezone(t *testing.T) {
	c := NewCalculator(nil)
	assert.Equal(t, time.UTC, c.Location(""))

	require.NoError(t, c.SetDefaultTimezone("Asia/Shanghai"))
	assert.Equal(t, "Asia/Shanghai", c.Location("").String())
	assert.Equal(t, "Asia/Shanghai", c.Location("Mars/Olympus").String(), "非法时区回退默认时区")
	assert.Equal(t, "Europe/Berlin", c.Location("Europe/Berlin").String())

	assert.Error(t, c.SetDefaultTimezone("Nowhere/Land"))
}
