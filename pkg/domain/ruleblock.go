package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RuleBlockType identifies the content grammar of a rule block.
type RuleBlockType string

// Supported rule block types.
const (
	BlockSpaceConsentMethod          RuleBlockType = "space:consent_method"
	BlockSpaceConsentTimeout         RuleBlockType = "space:consent_timeout"
	BlockSpaceAvailability           RuleBlockType = "space:availability"
	BlockSpaceAvailabilityUnit       RuleBlockType = "space:availability_unit"
	BlockSpaceMaxAvailabilityUnitCnt RuleBlockType = "space:max_availability_unit_count"
	BlockSpaceMaxAttendee            RuleBlockType = "space:max_attendee"
	BlockSpaceEquipment              RuleBlockType = "space:equipment"
	BlockSpaceGeneral                RuleBlockType = "space:general"
	BlockEventGeneral                RuleBlockType = "space_event:general"
	BlockEventBenefit                RuleBlockType = "space_event:benefit"
	BlockEventRisk                   RuleBlockType = "space_event:risk"
	BlockEventSelfRiskAssessment     RuleBlockType = "space_event:self_risk_assessment"
	BlockEventInsurance              RuleBlockType = "space_event:insurance"
	BlockEventRequirement            RuleBlockType = "space_event:requirement"
	BlockEventPrivateNote            RuleBlockType = "space_event:private_note"
	BlockEventException              RuleBlockType = "space_event:exception"
)

// ErrInvalidContent is wrapped by every rule block validation failure.
var ErrInvalidContent = errors.New("invalid rule block content")

// BlockValue is the decoded, typed payload of a rule block. The concrete type
// depends on the block type; see DecodeBlock.
type BlockValue interface {
	blockValue()
}

// ConsentOperator compares a tallied percentage against a threshold.
type ConsentOperator string

// Consent operators: over is >=, under is <=, is is =.
const (
	ConsentOver  ConsentOperator = "over"
	ConsentUnder ConsentOperator = "under"
	ConsentIs    ConsentOperator = "is"
)

// ConsentFlag selects which votes are tallied.
type ConsentFlag string

// Consent flags.
const (
	ConsentFlagYes ConsentFlag = "yes"
	ConsentFlagNo  ConsentFlag = "no"
)

// ConsentMethod is the decoded space:consent_method block.
type ConsentMethod struct {
	Operator ConsentOperator
	Percent  decimal.Decimal
	Flag     ConsentFlag
}

// String renders the method back into block content.
func (m ConsentMethod) String() string {
	return fmt.Sprintf("%s_%s_%s", m.Operator, m.Percent.String(), m.Flag)
}

// Compare applies the operator to value against the threshold.
func (m ConsentMethod) Compare(value decimal.Decimal) bool {
	switch m.Operator {
	case ConsentOver:
		return value.GreaterThanOrEqual(m.Percent)
	case ConsentUnder:
		return value.LessThanOrEqual(m.Percent)
	case ConsentIs:
		return value.Equal(m.Percent)
	}
	return false
}

// DurationValue is a decoded {n}{unit} duration.
type DurationValue struct {
	Amount int
	Unit   string
	Value  time.Duration
}

// CountValue is a decoded positive integer.
type CountValue int

// TextValue is a decoded free-form text block.
type TextValue string

// ListValue is a decoded comma-separated list.
type ListValue []string

// AvailabilitySegment is one day-HH:MM-HH:MM window, minutes since midnight.
type AvailabilitySegment struct {
	Weekday time.Weekday
	Start   int
	End     int
}

// String renders the segment in block grammar.
func (s AvailabilitySegment) String() string {
	return fmt.Sprintf("%s-%s-%s", weekdayToken(s.Weekday), clockString(s.Start), clockString(s.End))
}

// Availability is the decoded space:availability block.
type Availability []AvailabilitySegment

// Covers reports whether [start, end) lies inside one segment of the
// matching weekday, evaluated in loc.
func (a Availability) Covers(start, end time.Time, loc *time.Location) bool {
	s := start.In(loc)
	e := end.In(loc)
	if !e.After(s) {
		return false
	}
	startMin := s.Hour()*60 + s.Minute()
	// End must fall on the same local day; midnight exactly counts as 24:00.
	var endMin int
	switch {
	case sameDay(s, e):
		endMin = e.Hour()*60 + e.Minute()
		if e.Second() > 0 || e.Nanosecond() > 0 {
			endMin++
		}
	case sameDay(s, e.Add(-time.Nanosecond)) && e.Hour() == 0 && e.Minute() == 0 && e.Second() == 0 && e.Nanosecond() == 0:
		endMin = 24 * 60
	default:
		return false
	}
	for _, seg := range a {
		if seg.Weekday != s.Weekday() {
			continue
		}
		if startMin >= seg.Start && endMin <= seg.End {
			return true
		}
	}
	return false
}

// Exception is the decoded space_event:exception block.
type Exception struct {
	SourceHash   string
	DesiredValue string
	Reason       string
}

// Content renders the exception in block grammar.
func (e Exception) Content() string {
	return strings.Join([]string{e.SourceHash, e.DesiredValue, e.Reason}, ExceptionSeparator)
}

func (ConsentMethod) blockValue() {}
func (DurationValue) blockValue() {}
func (CountValue) blockValue()    {}
func (TextValue) blockValue()     {}
func (ListValue) blockValue()     {}
func (Availability) blockValue()  {}
func (Exception) blockValue()     {}

const availabilitySeparator = "_"

// ExceptionSeparator joins the three parts of an exception block.
const ExceptionSeparator = "^"

type blockSpec struct {
	private bool
	decode  func(content string) (BlockValue, error)
}

var blockSpecs = map[RuleBlockType]blockSpec{
	BlockSpaceConsentMethod:          {decode: func(c string) (BlockValue, error) { return ParseConsentMethod(c) }},
	BlockSpaceConsentTimeout:         {decode: func(c string) (BlockValue, error) { return ParseDuration(c) }},
	BlockSpaceAvailability:           {decode: func(c string) (BlockValue, error) { return ParseAvailability(c) }},
	BlockSpaceAvailabilityUnit:       {decode: func(c string) (BlockValue, error) { return ParseDuration(c) }},
	BlockSpaceMaxAvailabilityUnitCnt: {decode: decodeCount},
	BlockSpaceMaxAttendee:            {decode: decodeCount},
	BlockSpaceEquipment:              {decode: decodeList},
	BlockSpaceGeneral:                {decode: decodeText},
	BlockEventGeneral:                {decode: decodeText},
	BlockEventBenefit:                {decode: decodeText},
	BlockEventRisk:                   {decode: decodeText},
	BlockEventSelfRiskAssessment:     {decode: decodeText},
	BlockEventInsurance:              {decode: decodeText},
	BlockEventRequirement:            {decode: decodeText},
	BlockEventPrivateNote:            {decode: decodeText, private: true},
	BlockEventException:              {decode: func(c string) (BlockValue, error) { return ParseException(c) }},
}

// KnownBlockType reports whether t has a registered grammar.
func KnownBlockType(t RuleBlockType) bool {
	_, ok := blockSpecs[t]
	return ok
}

// IsPrivate reports whether blocks of type t are excluded from public hashes.
func (t RuleBlockType) IsPrivate() bool {
	return blockSpecs[t].private
}

// DecodeBlock validates content against the grammar of t and returns the
// typed value. Unknown types and malformed content wrap ErrInvalidContent.
func DecodeBlock(t RuleBlockType, content string) (BlockValue, error) {
	spec, ok := blockSpecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown block type %q", ErrInvalidContent, t)
	}
	v, err := spec.decode(content)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", t, content, err)
	}
	return v, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContent, fmt.Sprintf(format, args...))
}

// ParseConsentMethod decodes {under|over|is}_{percent}_{yes|no}.
func ParseConsentMethod(content string) (ConsentMethod, error) {
	parts := strings.Split(content, "_")
	if len(parts) != 3 {
		return ConsentMethod{}, invalid("consent method needs operator_percent_flag")
	}
	op := ConsentOperator(parts[0])
	switch op {
	case ConsentOver, ConsentUnder, ConsentIs:
	default:
		return ConsentMethod{}, invalid("unknown consent operator %q", parts[0])
	}
	pct, err := decimal.NewFromString(parts[1])
	if err != nil {
		return ConsentMethod{}, invalid("consent percent %q is not a number", parts[1])
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return ConsentMethod{}, invalid("consent percent %s outside [0,100]", pct)
	}
	flag := ConsentFlag(parts[2])
	if flag != ConsentFlagYes && flag != ConsentFlagNo {
		return ConsentMethod{}, invalid("unknown consent flag %q", parts[2])
	}
	return ConsentMethod{Operator: op, Percent: pct, Flag: flag}, nil
}

var durationPattern = regexp.MustCompile(`^([1-9][0-9]*)([mhdw])$`)

var durationUnits = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// ParseDuration decodes {n}{m|h|d|w} with n >= 1.
func ParseDuration(content string) (DurationValue, error) {
	m := durationPattern.FindStringSubmatch(content)
	if m == nil {
		return DurationValue{}, invalid("duration must look like 30m, 2h, 1d or 1w")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DurationValue{}, invalid("duration amount %q: %v", m[1], err)
	}
	return DurationValue{Amount: n, Unit: m[2], Value: time.Duration(n) * durationUnits[m[2]]}, nil
}

var weekdayTokens = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func weekdayToken(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-4]):([0-5][0-9])$`)

func parseClock(v string) (int, error) {
	m := clockPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, invalid("time %q must be HH:MM", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h == 24 && mm != 0 {
		return 0, invalid("time %q past 24:00", v)
	}
	return h*60 + mm, nil
}

func clockString(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseAvailability decodes day-HH:MM-HH:MM segments joined by "_".
func ParseAvailability(content string) (Availability, error) {
	if strings.TrimSpace(content) == "" {
		return nil, invalid("availability is empty")
	}
	raw := strings.Split(content, availabilitySeparator)
	out := make(Availability, 0, len(raw))
	for _, segment := range raw {
		parts := strings.Split(segment, "-")
		if len(parts) != 3 {
			return nil, invalid("availability segment %q must be day-HH:MM-HH:MM", segment)
		}
		day, ok := weekdayTokens[parts[0]]
		if !ok {
			return nil, invalid("unknown weekday %q", parts[0])
		}
		start, err := parseClock(parts[1])
		if err != nil {
			return nil, err
		}
		if start == 24*60 {
			return nil, invalid("segment %q cannot start at 24:00", segment)
		}
		end, err := parseClock(parts[2])
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, invalid("segment %q ends before it starts", segment)
		}
		out = append(out, AvailabilitySegment{Weekday: day, Start: start, End: end})
	}
	return out, nil
}

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// ParseException decodes {sourceBlockHash}^{desiredValue}^{reason}.
func ParseException(content string) (Exception, error) {
	parts := strings.Split(content, ExceptionSeparator)
	if len(parts) != 3 {
		return Exception{}, invalid("exception must be hash^desired^reason")
	}
	if !hexPattern.MatchString(parts[0]) {
		return Exception{}, invalid("exception source hash %q is not hex", parts[0])
	}
	if strings.TrimSpace(parts[1]) == "" {
		return Exception{}, invalid("exception desired value is empty")
	}
	return Exception{SourceHash: parts[0], DesiredValue: parts[1], Reason: parts[2]}, nil
}

// NewException builds exception content, rejecting separators inside parts.
func NewException(sourceHash, desired, reason string) (Exception, error) {
	for _, part := range []string{sourceHash, desired, reason} {
		if strings.Contains(part, ExceptionSeparator) {
			return Exception{}, invalid("exception part %q contains %q", part, ExceptionSeparator)
		}
	}
	return ParseException(Exception{SourceHash: sourceHash, DesiredValue: desired, Reason: reason}.Content())
}

func decodeCount(content string) (BlockValue, error) {
	n, err := strconv.Atoi(content)
	if err != nil || n < 1 {
		return nil, invalid("expected a positive integer")
	}
	return CountValue(n), nil
}

func decodeText(content string) (BlockValue, error) {
	if strings.TrimSpace(content) == "" {
		return nil, invalid("text is empty")
	}
	return TextValue(content), nil
}

func decodeList(content string) (BlockValue, error) {
	var out ListValue
	for _, item := range strings.Split(content, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, invalid("list contains an empty item")
		}
		out = append(out, item)
	}
	return out, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
