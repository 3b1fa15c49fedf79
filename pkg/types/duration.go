package types

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration serialized as an ISO-8601 duration ("P30D", "PT12H").
// Only day and time designators are accepted; months and years have no fixed length.
type Duration time.Duration

var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

const maxDuration = time.Duration(math.MaxInt64)

// ParseDuration parses an ISO-8601 duration. Values beyond the range of
// time.Duration (about 106751 days) are rejected.
func ParseDuration(s string) (Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		if n > int64(maxDuration/unit) || time.Duration(n)*unit > maxDuration-total {
			return 0, fmt.Errorf("ISO-8601 duration %q out of range", s)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		if secs*float64(time.Second) >= float64(maxDuration-total) {
			return 0, fmt.Errorf("ISO-8601 duration %q out of range", s)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return Duration(total), nil
}

// String renders the duration in ISO-8601 form
func (d Duration) String() string {
	v := time.Duration(d)
	if v <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	if days := v / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		v -= days * 24 * time.Hour
	}
	if v > 0 {
		b.WriteString("T")
		if h := v / time.Hour; h > 0 {
			fmt.Fprintf(&b, "%dH", h)
			v -= h * time.Hour
		}
		if m := v / time.Minute; m > 0 {
			fmt.Fprintf(&b, "%dM", m)
			v -= m * time.Minute
		}
		if v > 0 {
			b.WriteString(strconv.FormatFloat(v.Seconds(), 'f', -1, 64))
			b.WriteString("S")
		}
	}
	return b.String()
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
