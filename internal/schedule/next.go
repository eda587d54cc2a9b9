package schedule

import (
	"time"
)

// Next 计算 last 之后的下一次唤醒时刻（绝对时间）。
//
// 优先级：
//  1. 分钟为 */N：last + N 分钟
//  2. 分钟为列表/单值且小时为通配：本小时内严格晚于 last 分钟的最近一项，否则下一小时的第一项
//  3. 小时受限（*/N、列表、单值）：以本地零点为锚，在合格小时内取分钟候选，当天无剩余则滚到次日
//
// 本地时间运算均在 loc 中完成。
func (e Expr) Next(last time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := last.In(loc)

	switch {
	case e.Minute.Kind == Interval:
		next := last.Add(time.Duration(e.Minute.Step) * time.Minute)
		if !e.Hour.restrictive() || e.Hour.contains(next.In(loc).Hour()) {
			return next.UTC()
		}
		// 区间唤醒落在非计划小时，跳到下一个合格小时的整点
		return e.nextByHour(local, []int{0})
	case e.Minute.Kind == Wildcard && !e.Hour.restrictive():
		return last.Add(time.Minute).UTC()
	case !e.Hour.restrictive():
		return nextByMinuteList(local, e.Minute.Values)
	}

	minutes := []int{0}
	if e.Minute.Kind == List {
		minutes = e.Minute.Values
	}
	return e.nextByHour(local, minutes)
}

func nextByMinuteList(local time.Time, minutes []int) time.Time {
	hourStart := local.Truncate(time.Minute).Add(-time.Duration(local.Minute()) * time.Minute)
	for _, m := range minutes {
		if m > local.Minute() {
			return hourStart.Add(time.Duration(m) * time.Minute).UTC()
		}
	}
	return hourStart.Add(time.Hour + time.Duration(minutes[0])*time.Minute).UTC()
}

func (e Expr) nextByHour(local time.Time, minutes []int) time.Time {
	hours := e.Hour.members(23)
	loc := local.Location()
	for day := 0; day < 2; day++ {
		y, mo, d := local.Date()
		for _, h := range hours {
			for _, m := range minutes {
				cand := time.Date(y, mo, d+day, h, m, 0, 0, loc)
				if cand.After(local) {
					return cand.UTC()
				}
			}
		}
	}
	// 不可达：每天至少有一个合格小时
	return local.Add(DefaultInterval * time.Minute).UTC()
}
