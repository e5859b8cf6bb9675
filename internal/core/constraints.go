package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"permitcore/pkg/domain"
)

// constraintViolation is a space rule block the event falls outside of,
// with the value the event would need.
type constraintViolation struct {
	Source  domain.RuleBlock
	Desired string
	Reason  string
}

// checkConstraints compares the event against the space rule's constraint
// blocks. Blocks absent from the rule impose nothing.
func checkConstraints(spaceRule domain.Rule, space domain.Space, event domain.SpaceEvent) ([]constraintViolation, error) {
	var out []constraintViolation

	if v, err := checkAvailability(spaceRule, space, event); err != nil {
		return nil, err
	} else if v != nil {
		out = append(out, *v)
	}
	if v, err := checkAvailabilityUnit(spaceRule, event); err != nil {
		return nil, err
	} else if v != nil {
		out = append(out, *v)
	}

	if b, ok := spaceRule.FirstBlock(domain.BlockSpaceMaxAttendee); ok {
		value, err := domain.DecodeBlock(b.Type, b.Content)
		if err != nil {
			return nil, err
		}
		if max := int(value.(domain.CountValue)); event.ExpectedAttendees > max {
			out = append(out, constraintViolation{
				Source:  b,
				Desired: strconv.Itoa(event.ExpectedAttendees),
				Reason:  fmt.Sprintf("expects %d attendees, space allows %d", event.ExpectedAttendees, max),
			})
		}
	}

	if b, ok := spaceRule.FirstBlock(domain.BlockSpaceEquipment); ok {
		value, err := domain.DecodeBlock(b.Type, b.Content)
		if err != nil {
			return nil, err
		}
		if missing := missingEquipment(value.(domain.ListValue), event.RequiredEquipment); len(missing) > 0 {
			out = append(out, constraintViolation{
				Source:  b,
				Desired: strings.Join(missing, ","),
				Reason:  "requires equipment the space does not list",
			})
		}
	}
	return out, nil
}

func checkAvailability(spaceRule domain.Rule, space domain.Space, event domain.SpaceEvent) (*constraintViolation, error) {
	blocks := spaceRule.BlocksOfType(domain.BlockSpaceAvailability)
	if len(blocks) == 0 {
		return nil, nil
	}
	var windows domain.Availability
	for _, b := range blocks {
		value, err := domain.DecodeBlock(b.Type, b.Content)
		if err != nil {
			return nil, err
		}
		windows = append(windows, value.(domain.Availability)...)
	}
	loc := space.Location()
	if windows.Covers(event.StartsAt, event.EndsAt(), loc) {
		return nil, nil
	}
	return &constraintViolation{
		Source:  blocks[0],
		Desired: eventWindow(event, loc),
		Reason:  "event falls outside the space's availability",
	}, nil
}

// checkAvailabilityUnit caps the event duration at unit x max count.
func checkAvailabilityUnit(spaceRule domain.Rule, event domain.SpaceEvent) (*constraintViolation, error) {
	unitBlock, okUnit := spaceRule.FirstBlock(domain.BlockSpaceAvailabilityUnit)
	countBlock, okCount := spaceRule.FirstBlock(domain.BlockSpaceMaxAvailabilityUnitCnt)
	if !okUnit || !okCount {
		return nil, nil
	}
	unitValue, err := domain.DecodeBlock(unitBlock.Type, unitBlock.Content)
	if err != nil {
		return nil, err
	}
	countValue, err := domain.DecodeBlock(countBlock.Type, countBlock.Content)
	if err != nil {
		return nil, err
	}
	unit := unitValue.(domain.DurationValue)
	maxCount := int(countValue.(domain.CountValue))
	if event.Duration <= unit.Value*time.Duration(maxCount) {
		return nil, nil
	}
	units := int((event.Duration + unit.Value - 1) / unit.Value)
	return &constraintViolation{
		Source:  unitBlock,
		Desired: fmt.Sprintf("%d%s", units*unit.Amount, unit.Unit),
		Reason:  fmt.Sprintf("lasts %s, space allows %d x %s", event.Duration, maxCount, unitBlock.Content),
	}, nil
}

// eventWindow renders the event in availability grammar when it fits one
// local day, RFC 3339 otherwise.
func eventWindow(event domain.SpaceEvent, loc *time.Location) string {
	start := event.StartsAt.In(loc)
	end := event.EndsAt().In(loc)
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	if sy == ey && sm == em && sd == ed && end.After(start) {
		seg := domain.AvailabilitySegment{
			Weekday: start.Weekday(),
			Start:   start.Hour()*60 + start.Minute(),
			End:     end.Hour()*60 + end.Minute(),
		}
		return seg.String()
	}
	return start.Format(time.RFC3339) + "/" + end.Format(time.RFC3339)
}

func missingEquipment(available domain.ListValue, required []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, item := range available {
		have[strings.ToLower(strings.TrimSpace(item))] = struct{}{}
	}
	var missing []string
	for _, item := range required {
		if _, ok := have[strings.ToLower(strings.TrimSpace(item))]; !ok {
			missing = append(missing, item)
		}
	}
	return missing
}
