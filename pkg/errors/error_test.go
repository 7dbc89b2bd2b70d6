package errors

import (
	"fmt"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	errorsx "github.com/instill-ai/x/errors"
)

func TestTruncate(t *testing.T) {
	c := qt.New(t)

	c.Check(Truncate("short"), qt.Equals, "short")

	long := strings.Repeat("ä", MaxMessageLength+10)
	got := Truncate(long)
	c.Check([]rune(got), qt.HasLen, MaxMessageLength)
	c.Check(strings.HasSuffix(got, "..."), qt.IsTrue)
}

func TestUserMessage(t *testing.T) {
	c := qt.New(t)

	c.Check(UserMessage(nil), qt.Equals, "")

	err := errorsx.AddMessage(fmt.Errorf("decoding page 3: %w", ErrQualityGate), "Too few pages could be read.")
	c.Check(UserMessage(err), qt.Equals, "Too few pages could be read.")
}
