package types

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestDateRange_Years(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name string
		r    DateRange
		want []int
	}{
		{name: "three years", r: YearRange(2019, 2021), want: []int{2019, 2020, 2021}},
		{name: "single year", r: YearRange(2024, 2024), want: []int{2024}},
		{name: "zero", r: DateRange{}, want: nil},
		{name: "inverted", r: YearRange(2021, 2019), want: nil},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(tc.r.Years(), qt.DeepEquals, tc.want)
		})
	}
}

func TestYearRange(t *testing.T) {
	c := qt.New(t)

	r := YearRange(2019, 2021)
	c.Check(r.Begin, qt.Equals, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Check(r.End, qt.Equals, time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC))
}

func TestCodeType_Valid(t *testing.T) {
	c := qt.New(t)

	c.Check(CodeTypeICD10.Valid(), qt.IsTrue)
	c.Check(CodeTypeOPS.Valid(), qt.IsTrue)
	c.Check(CodeType("LOINC").Valid(), qt.IsFalse)
}

func TestTaskStatus_Terminal(t *testing.T) {
	c := qt.New(t)

	c.Check(TaskStatusStarted.Terminal(), qt.IsFalse)
	c.Check(TaskStatusRetry.Terminal(), qt.IsFalse)
	c.Check(TaskStatusSuccess.Terminal(), qt.IsTrue)
	c.Check(TaskStatusFailed.Terminal(), qt.IsTrue)
}

func TestGenerationStatus_Terminal(t *testing.T) {
	c := qt.New(t)

	c.Check(GenerationStatusPending.Terminal(), qt.IsFalse)
	c.Check(GenerationStatusGenerating.Terminal(), qt.IsFalse)
	c.Check(GenerationStatusCompleted.Terminal(), qt.IsTrue)
	c.Check(GenerationStatusFailed.Terminal(), qt.IsTrue)
}
