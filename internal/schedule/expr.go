package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultInterval 表达式无法解析时的回退唤醒间隔
const DefaultInterval = 24 * 60 // 分钟

var (
	ErrEmpty      = errors.New("schedule: empty expression")
	ErrFieldCount = errors.New("schedule: expected 5 fields")
	ErrRange      = errors.New("schedule: value out of range")
	ErrSyntax     = errors.New("schedule: invalid syntax")
)

// FieldKind 字段形态
type FieldKind int

const (
	Wildcard FieldKind = iota
	Interval
	List // 单值视为长度为1的列表
)

// Field 分钟或小时字段
type Field struct {
	Kind   FieldKind
	Step   int   // Interval 时有效
	Values []int // List 时有效，升序去重
}

func (f Field) restrictive() bool { return f.Kind != Wildcard }

func (f Field) contains(v int) bool {
	switch f.Kind {
	case Wildcard:
		return true
	case Interval:
		return v%f.Step == 0
	default:
		i := sort.SearchInts(f.Values, v)
		return i < len(f.Values) && f.Values[i] == v
	}
}

// members 展开为具体取值（0..max）
func (f Field) members(max int) []int {
	switch f.Kind {
	case List:
		return f.Values
	case Interval:
		out := make([]int, 0, max/f.Step+1)
		for v := 0; v <= max; v += f.Step {
			out = append(out, v)
		}
		return out
	default:
		out := make([]int, 0, max+1)
		for v := 0; v <= max; v++ {
			out = append(out, v)
		}
		return out
	}
}

func (f Field) cronString() string {
	switch f.Kind {
	case Interval:
		return "*/" + strconv.Itoa(f.Step)
	case List:
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ",")
	}
	return "*"
}

// Expr 解析后的唤醒计划，只解释分钟和小时字段
type Expr struct {
	Raw    string
	Minute Field
	Hour   Field
}

// Parse 解析 5 段式表达式（minute hour day month weekday）。
// 日/月/周字段仅校验语法，不参与计算。
func Parse(raw string) (Expr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Expr{}, ErrEmpty
	}
	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return Expr{}, fmt.Errorf("%w: got %d", ErrFieldCount, len(fields))
	}
	if _, err := cron.ParseStandard(raw); err != nil {
		return Expr{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	minute, err := parseField(fields[0], 59)
	if err != nil {
		return Expr{}, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(fields[1], 23)
	if err != nil {
		return Expr{}, fmt.Errorf("hour field: %w", err)
	}
	return Expr{Raw: raw, Minute: minute, Hour: hour}, nil
}

func parseField(s string, max int) (Field, error) {
	if s == "*" {
		return Field{Kind: Wildcard}, nil
	}
	if strings.HasPrefix(s, "*/") {
		n, err := strconv.Atoi(s[2:])
		if err != nil {
			return Field{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		if n < 1 || n > max {
			return Field{}, fmt.Errorf("%w: step %d", ErrRange, n)
		}
		return Field{Kind: Interval, Step: n}, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		lo, hi, err := parseRange(part)
		if err != nil {
			return Field{}, err
		}
		if lo < 0 || hi > max || lo > hi {
			return Field{}, fmt.Errorf("%w: %q", ErrRange, part)
		}
		for v := lo; v <= hi; v++ {
			seen[v] = struct{}{}
		}
	}
	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return Field{Kind: List, Values: values}, nil
}

func parseRange(part string) (int, int, error) {
	if a, b, ok := strings.Cut(part, "-"); ok {
		lo, err1 := strconv.Atoi(a)
		hi, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrSyntax, part)
		}
		return lo, hi, nil
	}
	v, err := strconv.Atoi(part)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrSyntax, part)
	}
	return v, v, nil
}

// cronSpec 生成只含分钟/小时的标准 cron 表达式，用于枚举计划时刻。
// 小时受限而分钟为通配时，按整点唤醒处理，与 Next 保持一致。
func (e Expr) cronSpec() string {
	minute := e.Minute.cronString()
	if e.Minute.Kind == Wildcard && e.Hour.restrictive() {
		minute = "0"
	}
	return minute + " " + e.Hour.cronString() + " * * *"
}
