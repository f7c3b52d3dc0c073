package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{"config not found", "C101", "Configuration file not found", CategoryConfig},
		{"invalid flag", "C201", "Invalid flag value", CategoryCLI},
		{"dial failure", "C301", "Could not reach the connmux server", CategoryNetwork},
		{"archive", "C303", "Archive setup failed", CategoryArchive},
		{"unknown code", "C999", "Unknown error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := New("C103").WithDetail("server.path must start with /")
	want := "C103: Invalid configuration value: server.path must start with /"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := Newf(CategoryCLI, "bad %s", "thing")
	if plain.Error() != "bad thing" {
		t.Errorf("Error() = %q", plain.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	err := New("C101").Wrap(fs.ErrNotExist)
	if !stderrors.Is(err, fs.ErrNotExist) {
		t.Error("errors.Is should see the wrapped error")
	}

	wrapped := fmt.Errorf("load: %w", err)
	if !HasCode(wrapped, "C101") {
		t.Error("HasCode should look through wrapping")
	}
	if HasCode(wrapped, "C102") {
		t.Error("HasCode matched the wrong code")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, "C102") != nil {
		t.Error("FromError(nil) should be nil")
	}

	orig := New("C104")
	if got := FromError(fmt.Errorf("ctx: %w", orig), "C102"); got != orig {
		t.Errorf("FromError should return the existing *Error, got %v", got)
	}

	got := FromError(stderrors.New("boom"), "C302")
	if got.Code != "C302" || got.Wrapped == nil {
		t.Errorf("FromError = %+v", got)
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := New("C102").
		WithFile("connmux.yaml").
		WithSuggestion("Check the indentation").
		Wrap(stderrors.New("line 3: mapping values are not allowed")).
		Format()

	for _, want := range []string{
		"ERROR C102: Configuration file could not be parsed",
		"connmux.yaml",
		"JSON and YAML files are decoded",
		"Cause: line 3: mapping values are not allowed",
		"Hint: Check the indentation",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatCompact(t *testing.T) {
	got := New("C104").WithFile("connmux.ini").FormatCompact()
	want := "connmux.ini: C104: Unsupported configuration format"
	if got != want {
		t.Errorf("FormatCompact() = %q, want %q", got, want)
	}
}

func TestCodesAreSortedAndResolvable(t *testing.T) {
	codes := Codes()
	if len(codes) == 0 {
		t.Fatal("no codes registered")
	}
	for i, code := range codes {
		if i > 0 && codes[i-1] >= code {
			t.Errorf("codes not sorted at %d: %v", i, codes)
		}
		if _, ok := Lookup(code); !ok {
			t.Errorf("Lookup(%q) failed", code)
		}
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText("one two three four five six", 9)
	for _, l := range lines {
		if len(l) > 9 {
			t.Errorf("line %q exceeds width", l)
		}
	}
	if strings.Join(lines, " ") != "one two three four five six" {
		t.Errorf("wrapText lost words: %v", lines)
	}
	if wrapText("", 10) != nil {
		t.Error("empty text should wrap to nil")
	}
}
