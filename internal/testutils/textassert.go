package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T used by TextAsserter
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how terminal transcripts are compared.
type TextAssertOptions struct {
	ShowControls             bool `default:"true"` // render CR and other C0 bytes visibly in diffs
	NormalizeLineEndings     bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	EnableColors             bool `default:"false"`
}

// TextOption is a functional option for configuring TextAsserter
type TextOption func(*TextAssertOptions)

// TextAsserter compares terminal output and reports a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

// NewTextAsserter creates a TextAsserter with default options.
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	o := TextAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TextAsserter{t: t, options: o}
}

// Options returns a copy of the current options
func (ta *TextAsserter) Options() TextAssertOptions {
	return ta.options
}

// Assert reports a failure when actual differs from expected.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Terminal output mismatch:\n%s", diff)
		return false
	}
	return true
}

// Diff returns an empty string when the texts match after normalization.
func (ta *TextAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}

	if ta.options.ShowControls {
		a, e = showControls(a), showControls(e)
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	return ta.colorize(unified)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.NormalizeLineEndings {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if ta.options.IgnoreTrailingWhitespace {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight(line, " \t")
		}
		text = strings.Join(lines, "\n")
	}
	return text
}

// showControls makes C0 control bytes visible while keeping line breaks so
// the diff stays line oriented.
func showControls(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteString("␊\n")
		case r == '\r':
			b.WriteString("␍")
		case r == '\t':
			b.WriteString("→")
		case r < 0x20:
			b.WriteRune(0x2400 + r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (ta *TextAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithShowControls sets whether control bytes are rendered visibly
func WithShowControls(show bool) TextOption {
	return func(o *TextAssertOptions) { o.ShowControls = show }
}

// WithNormalizeLineEndings sets whether CR LF compares equal to LF
func WithNormalizeLineEndings(normalize bool) TextOption {
	return func(o *TextAssertOptions) { o.NormalizeLineEndings = normalize }
}

// WithIgnoreTrailingWhitespace sets whether trailing blanks are ignored
func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = ignore }
}

// WithEnableColors sets whether the diff is colored
func WithEnableColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = enable }
}
