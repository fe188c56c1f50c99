package intelbatch

import (
	"encoding/json"

	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// RawRecord is an untyped wire record given by caller. It is accepted wherever a typed record is.
type RawRecord map[string]interface{}

// GroupInput is *Group or RawRecord
type GroupInput interface {
	groupInput()
}

// IndicatorInput is *Indicator or RawRecord
type IndicatorInput interface {
	indicatorInput()
}

func (x *Group) groupInput()         {}
func (x *Indicator) indicatorInput() {}
func (x RawRecord) groupInput()      {}
func (x RawRecord) indicatorInput()  {}

// NormalizeGroup converts input into a validated *Group
func NormalizeGroup(input GroupInput) (*Group, error) {
	var group *Group
	switch v := input.(type) {
	case *Group:
		group = v
	case RawRecord:
		group = &Group{}
		if err := v.decode(group); err != nil {
			return nil, err
		}
	}
	if group == nil {
		return nil, errors.New("Group input is nil")
	}

	if err := group.Validate(); err != nil {
		return nil, err
	}
	return group, nil
}

// NormalizeIndicator converts input into a validated *Indicator
func NormalizeIndicator(input IndicatorInput) (*Indicator, error) {
	var indicator *Indicator
	switch v := input.(type) {
	case *Indicator:
		indicator = v
	case RawRecord:
		indicator = &Indicator{}
		if err := v.decode(indicator); err != nil {
			return nil, err
		}
	}
	if indicator == nil {
		return nil, errors.New("Indicator input is nil")
	}

	if err := indicator.Validate(); err != nil {
		return nil, err
	}
	return indicator, nil
}

func (x RawRecord) decode(v interface{}) error {
	if x == nil {
		return errors.New("Raw record is nil")
	}
	raw, err := json.Marshal(x)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal raw record").With("record", x)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "Failed to decode raw record").With("record", x)
	}
	return nil
}
