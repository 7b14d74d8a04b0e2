package accessctl

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Condition kind names as they appear in serialized condition sets and in
// Decision.SatisfiedConditions / FailedConditions.
const (
	KindTime     = "time_based"
	KindIP       = "ip_based"
	KindValue    = "value_based"
	KindLocation = "location_based"
)

// Conditions is the closed set of attribute predicates a grant can carry.
// Every non-nil member must pass.
type Conditions struct {
	Time     *TimeCondition     `json:"time_based,omitempty" yaml:"time_based,omitempty"`
	IP       *IPCondition       `json:"ip_based,omitempty" yaml:"ip_based,omitempty"`
	Value    *ValueCondition    `json:"value_based,omitempty" yaml:"value_based,omitempty"`
	Location *LocationCondition `json:"location_based,omitempty" yaml:"location_based,omitempty"`
}

// TimeCondition restricts by hour window and weekday. The hour window is
// [StartHour, EndHour) and wraps past midnight when StartHour > EndHour.
type TimeCondition struct {
	StartHour *int     `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   *int     `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`
	Days      []string `json:"days,omitempty" yaml:"days,omitempty"`
	Timezone  string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// IPCondition restricts the request origin.
type IPCondition struct {
	AllowedIPs      []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	AllowedNetworks []string `json:"allowed_networks,omitempty" yaml:"allowed_networks,omitempty"`
}

// ValueCondition caps numeric attributes of the request.
type ValueCondition struct {
	MaxAmount   *float64           `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	MaxQuantity *float64           `json:"max_quantity,omitempty" yaml:"max_quantity,omitempty"`
	Limits      map[string]float64 `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// LocationCondition is accepted and stored but not enforced: no geolocation
// provider is wired in, so it always passes.
type LocationCondition struct {
	AllowedCountries []string `json:"allowed_countries,omitempty" yaml:"allowed_countries,omitempty"`
}

// ConditionResult is the outcome of evaluating a condition set.
type ConditionResult struct {
	Satisfied []string
	Failed    []string
	// OpenIP is set when an ip_based condition had no allow-list and
	// passed only because of the permissive default.
	OpenIP bool
}

// Passed reports whether every condition held.
func (r ConditionResult) Passed() bool { return len(r.Failed) == 0 }

type conditionOptions struct {
	now      time.Time
	strictIP bool
}

// Empty reports whether no condition kinds are configured.
func (c *Conditions) Empty() bool {
	return c == nil || (c.Time == nil && c.IP == nil && c.Value == nil && c.Location == nil)
}

// Kinds lists the configured condition kinds in evaluation order.
func (c *Conditions) Kinds() []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.Time != nil {
		out = append(out, KindTime)
	}
	if c.IP != nil {
		out = append(out, KindIP)
	}
	if c.Value != nil {
		out = append(out, KindValue)
	}
	if c.Location != nil {
		out = append(out, KindLocation)
	}
	return out
}

// Evaluate checks every configured condition against pc. now is used when
// pc carries no request time.
func (c *Conditions) Evaluate(pc *PermissionContext, now time.Time) ConditionResult {
	return c.evaluate(pc, conditionOptions{now: now})
}

func (c *Conditions) evaluate(pc *PermissionContext, opts conditionOptions) ConditionResult {
	var res ConditionResult
	if c.Empty() {
		return res
	}
	record := func(kind string, ok bool) {
		if ok {
			res.Satisfied = append(res.Satisfied, kind)
		} else {
			res.Failed = append(res.Failed, kind)
		}
	}
	if c.Time != nil {
		at := opts.now
		if pc != nil && !pc.RequestTime.IsZero() {
			at = pc.RequestTime
		}
		record(KindTime, c.Time.check(at))
	}
	if c.IP != nil {
		ok, open := c.IP.check(pc, opts.strictIP)
		res.OpenIP = open
		record(KindIP, ok)
	}
	if c.Value != nil {
		record(KindValue, c.Value.check(pc))
	}
	if c.Location != nil {
		record(KindLocation, true)
	}
	return res
}

// Validate reports configuration errors such as out-of-range hours or
// unparsable networks.
func (c *Conditions) Validate() error {
	if c == nil {
		return nil
	}
	if t := c.Time; t != nil {
		for _, h := range []*int{t.StartHour, t.EndHour} {
			if h != nil && (*h < 0 || *h > 23) {
				return fmt.Errorf("%s: hour %d out of range 0-23", KindTime, *h)
			}
		}
		for _, d := range t.Days {
			if _, ok := parseWeekday(d); !ok {
				return fmt.Errorf("%s: unknown day %q", KindTime, d)
			}
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return fmt.Errorf("%s: %w", KindTime, err)
			}
		}
	}
	if ip := c.IP; ip != nil {
		for _, a := range ip.AllowedIPs {
			if net.ParseIP(a) == nil {
				return fmt.Errorf("%s: invalid address %q", KindIP, a)
			}
		}
		for _, n := range ip.AllowedNetworks {
			if _, _, err := net.ParseCIDR(n); err != nil {
				return fmt.Errorf("%s: %w", KindIP, err)
			}
		}
	}
	if v := c.Value; v != nil {
		for k := range v.Limits {
			if k == "" {
				return fmt.Errorf("%s: empty attribute name in limits", KindValue)
			}
		}
	}
	return nil
}

func (t *TimeCondition) check(at time.Time) bool {
	if t.Timezone != "" {
		loc, err := time.LoadLocation(t.Timezone)
		if err != nil {
			return false
		}
		at = at.In(loc)
	} else {
		at = at.UTC()
	}
	if len(t.Days) > 0 {
		matched := false
		for _, d := range t.Days {
			if wd, ok := parseWeekday(d); ok && wd == at.Weekday() {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	h := at.Hour()
	switch {
	case t.StartHour != nil && t.EndHour != nil:
		start, end := *t.StartHour, *t.EndHour
		if start == end {
			return true
		}
		if start < end {
			return h >= start && h < end
		}
		return h >= start || h < end
	case t.StartHour != nil:
		return h >= *t.StartHour
	case t.EndHour != nil:
		return h < *t.EndHour
	}
	return true
}

// check returns (passed, passedOpen).
func (c *IPCondition) check(pc *PermissionContext, strict bool) (bool, bool) {
	if len(c.AllowedIPs) == 0 && len(c.AllowedNetworks) == 0 {
		return !strict, !strict
	}
	if pc == nil || pc.IP == "" {
		return false, false
	}
	ip := net.ParseIP(strings.TrimSpace(pc.IP))
	if ip == nil {
		return false, false
	}
	for _, a := range c.AllowedIPs {
		if allowed := net.ParseIP(a); allowed != nil && allowed.Equal(ip) {
			return true, false
		}
	}
	for _, n := range c.AllowedNetworks {
		_, network, err := net.ParseCIDR(n)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true, false
		}
	}
	return false, false
}

func (v *ValueCondition) check(pc *PermissionContext) bool {
	within := func(attr string, limit float64) bool {
		raw, ok := pc.Attr(attr)
		if !ok || raw == nil {
			return true
		}
		n, ok := toFloat(raw)
		if !ok {
			return false
		}
		return n <= limit
	}
	if v.MaxAmount != nil && !within("amount", *v.MaxAmount) {
		return false
	}
	if v.MaxQuantity != nil && !within("quantity", *v.MaxQuantity) {
		return false
	}
	for attr, limit := range v.Limits {
		if !within(attr, limit) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	return wd, ok
}

// IntPtr and FloatPtr help build optional condition bounds.
func IntPtr(v int) *int { return &v }

func FloatPtr(v float64) *float64 { return &v }
