package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/rollbook/rollbook/internal/protocol"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// resolveDate turns a --date value into a calendar date. Empty means today;
// ISO dates are taken as-is; anything else ("yesterday", "last monday") is
// read relative to now.
func resolveDate(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "today") {
		return now.Format(protocol.DateLayout), nil
	}
	if d, err := time.Parse(protocol.DateLayout, text); err == nil {
		return d.Format(protocol.DateLayout), nil
	}
	r, err := dateParser.Parse(text, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date %q", text)
	}
	return r.Time.Format(protocol.DateLayout), nil
}
