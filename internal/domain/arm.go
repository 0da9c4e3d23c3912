package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Arm is one of the two variants under test.
type Arm int

const (
	ArmControl   Arm = 0 // flag inactive
	ArmTreatment Arm = 1 // flag active
)

// NumArms is fixed: every experiment compares control against treatment.
const NumArms = 2

func (a Arm) Valid() bool {
	return a == ArmControl || a == ArmTreatment
}

// Active reports whether the arm serves the flag as active.
func (a Arm) Active() bool {
	return a == ArmTreatment
}

func (a Arm) String() string {
	switch a {
	case ArmControl:
		return "control"
	case ArmTreatment:
		return "treatment"
	}
	return "arm(" + strconv.Itoa(int(a)) + ")"
}

// ParseArm accepts 0/1, control/treatment and inactive/active.
func ParseArm(s string) (Arm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "control", "inactive", "off", "false":
		return ArmControl, nil
	case "1", "treatment", "active", "on", "true":
		return ArmTreatment, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidArm, s)
}

// ArmFromBool maps a flag activation to its arm.
func ArmFromBool(active bool) Arm {
	if active {
		return ArmTreatment
	}
	return ArmControl
}

// ArmPtr returns a pointer to a copy of a.
func ArmPtr(a Arm) *Arm {
	return &a
}

// ArmCounters is a snapshot of per-arm outcome counts.
// Conversions[a] never exceeds Views[a].
type ArmCounters struct {
	Views       [NumArms]int64
	Conversions [NumArms]int64
}

// TotalViews returns the number of observations across both arms.
func (c ArmCounters) TotalViews() int64 {
	return c.Views[ArmControl] + c.Views[ArmTreatment]
}

// TotalConversions returns the number of conversions across both arms.
func (c ArmCounters) TotalConversions() int64 {
	return c.Conversions[ArmControl] + c.Conversions[ArmTreatment]
}
