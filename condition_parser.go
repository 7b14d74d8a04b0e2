package accessctl

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	andRe      = regexp.MustCompile(`(?i)\s+and\s+`)
	hoursRe    = regexp.MustCompile(`(?i)^hours\s+between\s+(\d{1,2})\s*(?:-|and)\s*(\d{1,2})$`)
	daysRe     = regexp.MustCompile(`(?i)^days\s+in\s*\[([^\]]*)\]$`)
	timezoneRe = regexp.MustCompile(`(?i)^(?:tz|timezone)\s*=\s*"?([A-Za-z0-9_/+\-]+)"?$`)
	ipRe       = regexp.MustCompile(`(?i)^ip\s+in\s*\[([^\]]*)\]$`)
	countryRe  = regexp.MustCompile(`(?i)^country\s+in\s*\[([^\]]*)\]$`)
	limitRe    = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_\.]*)\s*<=\s*([0-9][0-9_]*(?:\.[0-9]+)?)$`)
)

// ParseConditions builds a condition set from short text clauses. Clauses may
// be passed separately or joined with " and ". Supported forms:
//
//	hours between 9-18
//	days in [mon, tue, wed]
//	tz = Europe/Berlin
//	ip in [10.0.0.0/8, 192.168.1.5]
//	amount <= 100000
//	country in [US, DE]
//
// Any other "<attr> <= <n>" clause becomes an entry in the value limits.
func ParseConditions(clauses ...string) (*Conditions, error) {
	c := &Conditions{}
	for _, raw := range clauses {
		for _, clause := range splitClauses(raw) {
			if err := c.applyClause(clause); err != nil {
				return nil, err
			}
		}
	}
	if c.Empty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func splitClauses(s string) []string {
	var out []string
	// "hours between 9 and 18" must survive the split
	parts := andRe.Split(s, -1)
	for i := 0; i < len(parts); i++ {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(p), "hours between") && !strings.Contains(p, "-") && i+1 < len(parts) {
			p = p + " and " + strings.TrimSpace(parts[i+1])
			i++
		}
		out = append(out, p)
	}
	return out
}

func (c *Conditions) applyClause(clause string) error {
	s := strings.TrimSpace(clause)
	switch {
	case hoursRe.MatchString(s):
		m := hoursRe.FindStringSubmatch(s)
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		t := c.timeCond()
		t.StartHour, t.EndHour = IntPtr(start), IntPtr(end)
	case daysRe.MatchString(s):
		m := daysRe.FindStringSubmatch(s)
		t := c.timeCond()
		for _, d := range splitList(m[1]) {
			t.Days = append(t.Days, strings.ToLower(d))
		}
	case timezoneRe.MatchString(s):
		m := timezoneRe.FindStringSubmatch(s)
		c.timeCond().Timezone = m[1]
	case ipRe.MatchString(s):
		m := ipRe.FindStringSubmatch(s)
		if c.IP == nil {
			c.IP = &IPCondition{}
		}
		for _, item := range splitList(m[1]) {
			if strings.Contains(item, "/") {
				c.IP.AllowedNetworks = append(c.IP.AllowedNetworks, item)
			} else if net.ParseIP(item) != nil {
				c.IP.AllowedIPs = append(c.IP.AllowedIPs, item)
			} else {
				return fmt.Errorf("invalid address %q in condition: %s", item, clause)
			}
		}
	case countryRe.MatchString(s):
		m := countryRe.FindStringSubmatch(s)
		if c.Location == nil {
			c.Location = &LocationCondition{}
		}
		for _, cc := range splitList(m[1]) {
			c.Location.AllowedCountries = append(c.Location.AllowedCountries, strings.ToUpper(cc))
		}
	case limitRe.MatchString(s):
		m := limitRe.FindStringSubmatch(s)
		n, err := strconv.ParseFloat(strings.ReplaceAll(m[2], "_", ""), 64)
		if err != nil {
			return fmt.Errorf("invalid number in condition %q: %w", clause, err)
		}
		if c.Value == nil {
			c.Value = &ValueCondition{}
		}
		switch m[1] {
		case "amount":
			c.Value.MaxAmount = FloatPtr(n)
		case "quantity":
			c.Value.MaxQuantity = FloatPtr(n)
		default:
			if c.Value.Limits == nil {
				c.Value.Limits = map[string]float64{}
			}
			c.Value.Limits[m[1]] = n
		}
	default:
		return fmt.Errorf("unsupported condition syntax: %s", clause)
	}
	return nil
}

func (c *Conditions) timeCond() *TimeCondition {
	if c.Time == nil {
		c.Time = &TimeCondition{}
	}
	return c.Time
}

// splitList splits "a, 'b', \"c\"" into trimmed, unquoted items.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "\"'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
